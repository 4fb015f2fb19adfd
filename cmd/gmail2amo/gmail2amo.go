// The gmail2amo command watches a Gmail mailbox for unread messages,
// classifies each one through an external scoring service, and submits
// the accepted ones to amoCRM as leads with attached notes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/remort/gmail2amo/internal/amocrm"
	"github.com/remort/gmail2amo/internal/classify"
	"github.com/remort/gmail2amo/internal/decode"
	"github.com/remort/gmail2amo/internal/filestore"
	"github.com/remort/gmail2amo/internal/gmail"
	"github.com/remort/gmail2amo/internal/gmailhttp"
	"github.com/remort/gmail2amo/internal/persist"
	"github.com/remort/gmail2amo/internal/sync"
	"github.com/remort/gmail2amo/internal/tracehttp"
)

var (
	app = kingpin.New("gmail2amo", "Gmail to amoCRM lead ingestion daemon")

	jobs     = app.Flag("jobs", "Number of concurrent message workers").Short('j').Default("4").Int()
	interval = app.Flag("interval", "Pause between mailbox polls").Short('t').Default("60s").Duration()

	credentials = app.Flag("credentials", "Path to the OAuth client credentials file").
			Envar("GMAIL_CREDENTIALS").Default("credentials.json").String()
	token = app.Flag("token", "Path to the cached OAuth user token").
		Envar("GMAIL_TOKEN").Default("token.json").String()

	amoEndpoint = app.Flag("amo-endpoint", "amoCRM account base URL").
			Envar("AMO_ENDPOINT").Required().String()
	amoLogin = app.Flag("amo-login", "amoCRM API login").
			Envar("AMO_LOGIN").Required().String()
	amoHash = app.Flag("amo-hash", "amoCRM API hash").
		Envar("AMO_HASH").Required().String()
	responsibleUser = app.Flag("responsible-user", "amoCRM login owning created leads").
			Short('u').Envar("AMO_RESPONSIBLE_USER").Required().String()
	defaultResponsibleUser = app.Flag("default-responsible-user", "Fallback amoCRM login when the responsible user is missing").
				Envar("AMO_DEFAULT_RESPONSIBLE_USER").Required().String()

	classifierURL = app.Flag("classifier-url", "Scoring service endpoint").
			Envar("CLASSIFIER_URL").Required().String()

	mailbox = app.Flag("mailbox", "Address of the monitored mailbox, stamped on every lead").
		Envar("MAILBOX").Required().String()

	attachmentsDir = app.Flag("attachments-dir", "Directory attachment files are stored in").
			Default("/mnt/amo-files").String()
	attachmentsURL = app.Flag("attachments-url", "Public base URL of the attachment directory").
			Envar("ATTACHMENTS_URL").Required().String()

	journalPath = app.Flag("journal", "Path to the processed message journal").
			Default("gmail2amo.db").String()

	leadLabel    = app.Flag("lead-label", "Gmail label put on accepted messages").Default("Lead").String()
	notLeadLabel = app.Flag("not-lead-label", "Gmail label put on rejected messages").Default("Not lead").String()

	fieldPost    = app.Flag("field-post", "amoCRM custom field id for the contact position").Default("343735").Int()
	fieldPhone   = app.Flag("field-phone", "amoCRM custom field id for phone numbers").Default("343737").Int()
	fieldEmail   = app.Flag("field-email", "amoCRM custom field id for the contact email").Default("343739").Int()
	fieldSkype   = app.Flag("field-skype", "amoCRM custom field id for the contact skype").Default("343743").Int()
	fieldMailbox = app.Flag("field-mailbox", "amoCRM custom field id for the source mailbox on leads").Default("531407").Int()

	verbose = app.Flag("verbose", "Enables debug logging").Short('v').Bool()
	pretty  = app.Flag("pretty", "Enables pretty logging").Short('p').Bool()
	trace   = app.Flag("trace", "Dumps every HTTP exchange").Short('T').Bool()
)

func run(ctx context.Context, logger zerolog.Logger) error {
	db, err := persist.Open(ctx, *journalPath, logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize the journal")
	}
	defer db.Close()

	store, err := filestore.New(*attachmentsDir, *attachmentsURL)
	if err != nil {
		return errors.Wrap(err, "unable to initialize the attachment store")
	}

	httpClient, err := gmailhttp.New(ctx, *credentials, *token)
	if err != nil {
		return errors.Wrap(err, "unable to initialize the GMail HTTP client")
	}
	gm, err := gmail.New(ctx, httpClient, logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}

	labels, err := gm.Labels(ctx)
	if err != nil {
		return err
	}
	leadID, ok := labels[*leadLabel]
	if !ok {
		return errors.Errorf("mailbox has no label named %q", *leadLabel)
	}
	notLeadID, ok := labels[*notLeadLabel]
	if !ok {
		return errors.Errorf("mailbox has no label named %q", *notLeadLabel)
	}

	crm, err := amocrm.New(ctx, amocrm.Config{
		Endpoint:                *amoEndpoint,
		Login:                   *amoLogin,
		Hash:                    *amoHash,
		ResponsibleLogin:        *responsibleUser,
		DefaultResponsibleLogin: *defaultResponsibleUser,
		Fields: amocrm.FieldIDs{
			Post:    *fieldPost,
			Phone:   *fieldPhone,
			Email:   *fieldEmail,
			Skype:   *fieldSkype,
			Mailbox: *fieldMailbox,
		},
	}, logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize amoCRM")
	}

	pipeline := &sync.Pipeline{
		Mail:       gm,
		Decoder:    &decode.Decoder{Fetcher: gm, Logger: logger},
		Classifier: &classify.HTTP{Endpoint: *classifierURL, Logger: logger},
		Exporter: &amocrm.Exporter{
			CRM:          crm,
			Store:        store,
			Mailbox:      *mailbox,
			MailboxField: *fieldMailbox,
			Logger:       logger,
		},
		Journal: db,
		Labels:  sync.Labels{Lead: leadID, NotLead: notLeadID},
		Jobs:    *jobs,
		Logger:  logger,
	}

	for {
		if err := pipeline.Cycle(ctx); err != nil {
			// A failed cycle is retried on the next tick; only a
			// cancelled context stops the daemon.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(*interval):
		}
	}
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if *pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	if *trace {
		tracehttp.WrapDefaultTransport(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil && errors.Cause(err) != context.Canceled {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("shut down")
}
