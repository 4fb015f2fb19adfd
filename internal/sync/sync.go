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

// Package sync drives one full ingestion cycle: list unread messages,
// fetch and decode them concurrently, classify each one, rewrite its
// labels, and commit the accepted ones to the CRM in a single batch.
package sync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/remort/gmail2amo/internal/decode"
	"github.com/remort/gmail2amo/internal/gmail"
	"github.com/remort/gmail2amo/internal/mail"
)

// Labels names the Gmail labels the pipeline rewrites after a verdict.
// Lead and NotLead hold label ids, resolved from display names at
// startup.
type Labels struct {
	Lead    string
	NotLead string
}

// Pipeline wires the mailbox, the classifier, the journal and the CRM
// exporter into one runnable ingestion cycle.
type Pipeline struct {
	Mail       MailStorage
	Decoder    *decode.Decoder
	Classifier Classifier
	Exporter   Exporter
	Journal    Journal
	Labels     Labels

	// Number of concurrent fetch/decode/classify workers.
	Jobs int

	Logger zerolog.Logger
}

// Cycle runs one pass over the mailbox. Messages that fail
// individually are logged and skipped; the cycle itself fails only
// when listing fails or the final CRM batch does.
func (p *Pipeline) Cycle(ctx context.Context) error {
	var ids []string
	err := p.Mail.ListUnread(ctx, func(id string) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to list unread messages")
	}
	if len(ids) == 0 {
		p.Logger.Debug().Msg("no unread messages")
		return nil
	}

	jobs := p.Jobs
	if jobs < 1 {
		jobs = 1
	}
	if jobs > len(ids) {
		jobs = len(ids)
	}

	grp, ctx := errgroup.WithContext(ctx)
	idCh := make(chan string)
	mailCh := make(chan *mail.ParsedMail)

	grp.Go(func() error {
		defer close(idCh)
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case idCh <- id:
			}
		}
		return nil
	})
	for i := 0; i < jobs; i++ {
		grp.Go(func() error {
			for id := range idCh {
				parsed, lead, err := p.handleMessage(ctx, id)
				if err != nil {
					p.Logger.Error().Str("id", id).Err(err).Msg("skipping message")
					continue
				}
				if !lead {
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case mailCh <- parsed:
				}
			}
			return nil
		})
	}

	// The collector runs outside the group: it must keep draining
	// until every worker is done, and only the workers know when that
	// is.
	var accepted []*mail.ParsedMail
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range mailCh {
			accepted = append(accepted, m)
		}
	}()

	err = grp.Wait()
	close(mailCh)
	<-done
	if err != nil {
		return errors.Wrap(err, "message processing failed")
	}

	p.Logger.Info().Int("unread", len(ids)).Int("leads", len(accepted)).
		Msg("cycle classified")
	// One batch per cycle. The exporter correlates notes to created
	// leads by position, so the batch is submitted from a single
	// goroutine once all workers have finished.
	if err := p.Exporter.ProcessMails(ctx, accepted); err != nil {
		return errors.Wrap(err, "unable to export leads")
	}
	return nil
}

// handleMessage runs one message through fetch, decode, classify and
// label rewrite. The returned bool reports the classifier's verdict.
func (p *Pipeline) handleMessage(ctx context.Context, id string) (*mail.ParsedMail, bool, error) {
	seen, wasLead, err := p.Journal.IsProcessed(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if seen {
		// Processed before but still unread: the label rewrite must
		// have failed last time. Retry only the rewrite, never the
		// export.
		p.Logger.Warn().Str("id", id).Msg("already processed, retrying label rewrite")
		if err := p.relabel(ctx, id, wasLead); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	msg, err := p.Mail.GetMessage(ctx, id)
	if errors.Cause(err) == gmail.ErrMessageNotFound {
		// The list sometimes names messages that can no longer be
		// fetched; ignore them.
		p.Logger.Warn().Str("id", id).Msg("message vanished between list and get")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	parsed, err := p.Decoder.Decode(ctx, msg)
	if err != nil {
		return nil, false, errors.Wrapf(err, "unable to decode message %v", id)
	}

	lead, err := p.Classifier.Score(ctx, parsed.ClassifierText())
	if err != nil {
		return nil, false, errors.Wrapf(err, "unable to classify message %v", id)
	}

	if err := p.relabel(ctx, id, lead); err != nil {
		// The verdict stands even when Gmail refuses the rewrite; the
		// journal keeps the next cycle from exporting twice.
		p.Logger.Error().Str("id", id).Err(err).Msg("label rewrite failed")
	}
	if err := p.Journal.MarkProcessed(ctx, id, lead); err != nil {
		p.Logger.Error().Str("id", id).Err(err).Msg("unable to journal message")
	}
	return parsed, lead, nil
}

func (p *Pipeline) relabel(ctx context.Context, id string, lead bool) error {
	verdict := p.Labels.NotLead
	if lead {
		verdict = p.Labels.Lead
	}
	return p.Mail.ModifyLabels(ctx, id, []string{verdict}, []string{gmail.UnreadLabel})
}
