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

package gmail

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	// The label GMail removes when a message has been read. It is a
	// system label whose id equals its name.
	UnreadLabel = "UNREAD"

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsPerMessagesGet    = 5
	quotaUnitsPerMessagesList   = 5
	quotaUnitsPerMessagesModify = 5
	quotaUnitsPerAttachmentsGet = 5
	quotaUnitsPerLabelsList     = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to messages stored in Google's GMail
// system.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	logger  zerolog.Logger
	user    string
}

func New(ctx context.Context, client *http.Client, logger zerolog.Logger) (*Service, error) {
	s, err := gmail_api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, err
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &Service{service: s, limiter: l, logger: logger, user: "me"}, nil
}

// ListUnread calls handler with the id of every unread message in the
// mailbox, following result pages to the end.
func (s *Service) ListUnread(ctx context.Context, handler func(id string) error) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return err
	}
	req := gmail_api.NewUsersMessagesService(s.service).List(s.user).LabelIds(UnreadLabel)
	total := 0
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		total += len(page.Messages)
		s.logger.Debug().Int("count", len(page.Messages)).Int("total", total).
			Msg("listed page of unread messages")
		for _, msg := range page.Messages {
			if err := handler(msg.Id); err != nil {
				return err
			}
		}
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		return errors.Wrap(err, "unable to list unread messages")
	}
	s.logger.Debug().Int("total", total).Msg("done listing unread messages")
	return nil
}

// GetMessage fetches one message with its full part tree. Requests
// rejected for quota reasons are retried; a message the server no
// longer knows yields ErrMessageNotFound.
func (s *Service) GetMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesGet); err != nil {
			return nil, err
		}
		msg, err := gmail_api.NewUsersMessagesService(s.service).Get(s.user, id).
			Context(ctx).Format("full").Do()
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
}

// GetAttachment fetches the payload of one attachment, returned as the
// base64url data delivered by the server. Satisfies
// decode.AttachmentFetcher.
func (s *Service) GetAttachment(ctx context.Context, messageID, attachmentID string) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerAttachmentsGet); err != nil {
		return "", err
	}
	body, err := gmail_api.NewUsersMessagesAttachmentsService(s.service).
		Get(s.user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrapf(err, "getting attachment %v of message %v from gmail", attachmentID, messageID)
	}
	return body.Data, nil
}

// ModifyLabels rewrites the labels of one message.
func (s *Service) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesModify); err != nil {
		return err
	}
	req := &gmail_api.ModifyMessageRequest{AddLabelIds: add, RemoveLabelIds: remove}
	_, err := gmail_api.NewUsersMessagesService(s.service).Modify(s.user, id, req).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "modifying labels of message %v", id)
	}
	return nil
}

// Labels returns the mailbox's label name to label id mapping.
func (s *Service) Labels(ctx context.Context) (map[string]string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerLabelsList); err != nil {
		return nil, err
	}
	resp, err := gmail_api.NewUsersLabelsService(s.service).List(s.user).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list mailbox labels")
	}
	labels := make(map[string]string, len(resp.Labels))
	for _, label := range resp.Labels {
		labels[label.Name] = label.Id
	}
	return labels, nil
}
