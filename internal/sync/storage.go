// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

// This file provides the collaborator interfaces the pipeline is
// assembled from.

import (
	"context"

	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/remort/gmail2amo/internal/mail"
)

// MailStorage provides all actions the pipeline needs against the
// monitored mailbox.
type MailStorage interface {
	ListUnread(ctx context.Context, handler func(id string) error) error
	GetMessage(ctx context.Context, id string) (*gmail_api.Message, error)
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
}

// Classifier decides whether a piece of mail text describes a sales
// lead.
type Classifier interface {
	Score(ctx context.Context, text string) (bool, error)
}

// Exporter commits one cycle's accepted mails to the CRM.
type Exporter interface {
	ProcessMails(ctx context.Context, mails []*mail.ParsedMail) error
}

// Journal remembers which messages have already gone through a full
// cycle.
type Journal interface {
	IsProcessed(ctx context.Context, messageID string) (processed, lead bool, err error)
	MarkProcessed(ctx context.Context, messageID string, lead bool) error
}
