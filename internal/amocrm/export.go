package amocrm

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/remort/gmail2amo/internal/mail"
)

const (
	// element_type 2 marks a note as hanging off a lead in the
	// amoCRM v2 API; note_type 4 is a common (free text) note.
	leadElementType = 2
	commonNoteType  = 4
)

// API is the slice of the CRM surface the exporter drives.
type API interface {
	ResponsibleUserID() int
	ResolveContact(ctx context.Context, stub mail.Contact) (*Entity, error)
	CreateLeads(ctx context.Context, add []Lead) ([]Entity, error)
	CreateNotes(ctx context.Context, add []Note) ([]Entity, error)
}

// AttachmentStore persists attachment bytes under a stable sanitized
// filename and turns stored filenames into retrievable links.
type AttachmentStore interface {
	Save(att mail.Attachment) (string, error)
	Link(filename string) string
}

// noteStub is a note request waiting for its lead id, carrying the
// attachments that fan out into extra notes alongside.
type noteStub struct {
	note        Note
	attachments []mail.Attachment
}

// Exporter turns one cycle's accepted mails into a single batched CRM
// submission: all leads in one call, then all notes in a second one,
// correlated to the created leads by list position.
type Exporter struct {
	CRM   API
	Store AttachmentStore

	// Address of the monitored mailbox, stamped on every lead via
	// MailboxField.
	Mailbox      string
	MailboxField int

	Logger zerolog.Logger
}

// ProcessMails resolves a contact for every accepted mail, then builds
// and submits the lead and note batches. An empty input is trivially
// successful and makes no CRM calls at all.
func (e *Exporter) ProcessMails(ctx context.Context, mails []*mail.ParsedMail) error {
	if len(mails) == 0 {
		return nil
	}
	userID := e.CRM.ResponsibleUserID()
	leads := make([]Lead, 0, len(mails))
	stubs := make([]noteStub, 0, len(mails))
	for _, m := range mails {
		contact, err := e.CRM.ResolveContact(ctx, m.Contact)
		if err != nil {
			return errors.Wrapf(err, "unable to resolve contact %q", m.Contact.Email)
		}
		leads = append(leads, Lead{
			Name:       m.Subject,
			ContactsID: contact.ID,
			CustomFields: []CustomField{
				{ID: e.MailboxField, Values: []CustomValue{{Value: e.Mailbox}}},
			},
			ResponsibleUserID: userID,
		})
		text := m.Body
		if text == "" {
			text = m.HTMLText
		}
		stubs = append(stubs, noteStub{
			note: Note{
				Text:              text,
				ResponsibleUserID: userID,
				CreatedBy:         userID,
				ElementType:       leadElementType,
				NoteType:          commonNoteType,
			},
			attachments: m.Attachments,
		})
	}
	return e.createLeadsWithNotes(ctx, leads, stubs)
}

// createLeadsWithNotes submits the lead batch, rewires each note to
// the lead created at the same index, and submits the note batch.
//
// amoCRM echoes no correlation key: the contract is that created leads
// come back in submission order. The response length is asserted
// against the submitted length instead of trusting that silently; a
// mismatch fails the whole batch.
func (e *Exporter) createLeadsWithNotes(ctx context.Context, leads []Lead, stubs []noteStub) error {
	created, err := e.CRM.CreateLeads(ctx, leads)
	if err != nil {
		return errors.Wrap(err, "lead batch create failed")
	}
	if len(created) == 0 {
		return errors.New("amoCRM returned no items for the lead batch")
	}
	if len(created) != len(leads) {
		return errors.Errorf("amoCRM returned %d leads for a batch of %d, correlation lost",
			len(created), len(leads))
	}

	now := time.Now().Unix()
	notes := make([]Note, 0, len(stubs))
	for i, stub := range stubs {
		note := stub.note
		note.ElementID = created[i].ID
		note.CreatedAt = now
		notes = append(notes, note)

		// Every attachment fans out into one more note carrying the
		// stored file's name, link and size. The file is persisted
		// first; its link must stay valid even if the note batch
		// fails and is retried later.
		for _, att := range stub.attachments {
			filename, err := e.Store.Save(att)
			if err != nil {
				return errors.Wrapf(err, "unable to persist attachment %q", att.Name)
			}
			fileNote := note
			fileNote.Text = fmt.Sprintf("File: %s\nLink: %s (%d Kb)",
				filename, e.Store.Link(filename), att.Size/1024)
			notes = append(notes, fileNote)
		}
	}

	created, err = e.CRM.CreateNotes(ctx, notes)
	if err != nil {
		return errors.Wrap(err, "note batch create failed, leads are already committed")
	}
	if len(created) == 0 {
		return errors.New("amoCRM returned no items for the note batch, leads are already committed")
	}
	e.Logger.Info().Int("leads", len(leads)).Int("notes", len(notes)).Msg("batch exported to amoCRM")
	return nil
}
