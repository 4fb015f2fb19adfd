// Package amocrm implements the amoCRM v2 API collaborator: cookie
// authentication, rate-limited requests, contact resolution by email,
// and the batch create calls the exporter drives.
package amocrm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/remort/gmail2amo/internal/mail"
)

// amoCRM enforces a hard ceiling of 7 requests per second across the
// whole account.
const requestsPerSecond = 7

var ErrNotFound = errors.New("amocrm object not found")

// FieldIDs maps contact and lead attributes onto the amoCRM account's
// custom field schema. The ids are account specific and configured
// once at startup.
type FieldIDs struct {
	Post    int
	Phone   int
	Email   int
	Skype   int
	Mailbox int
}

type Config struct {
	// Account base URL, e.g. https://example.amocrm.ru.
	Endpoint string
	Login    string
	Hash     string

	// Login of the user new contacts and leads are assigned to, and
	// the fallback login used when that user does not exist in the
	// account.
	ResponsibleLogin        string
	DefaultResponsibleLogin string

	Fields FieldIDs
}

// Client is an authenticated amoCRM API session. The session cookies
// and resolved responsible user are established once in New and
// read-only afterwards.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
	userID  int
}

// New authenticates against amoCRM and resolves the responsible user
// id. Failing to resolve it is fatal to the caller: lead ingestion is
// meaningless without a responsible user.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build cookie jar")
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Jar: jar, Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(requestsPerSecond, requestsPerSecond),
		logger:  logger,
	}
	if err := c.auth(ctx); err != nil {
		return nil, err
	}
	c.userID, err = c.resolveResponsibleUser(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ResponsibleUserID is the resolved id of the user owning everything
// this client creates.
func (c *Client) ResponsibleUserID() int {
	return c.userID
}

func (c *Client) auth(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	form := url.Values{
		"USER_LOGIN": {c.cfg.Login},
		"USER_HASH":  {c.cfg.Hash},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Endpoint+"/private/api/auth.php?type=json", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "unable to build amoCRM auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "amoCRM auth request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("amoCRM auth answered %v", resp.Status)
	}
	// The session cookies are now in the jar.
	c.logger.Debug().Msg("amoCRM session established")
	return nil
}

// do performs one API request. Non-2xx answers are logged with the
// detail amoCRM puts in the error body; an empty 204 means "no such
// object" and comes back as ErrNotFound.
func (c *Client) do(ctx context.Context, httpMethod, apiMethod string, params url.Values, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.cfg.Endpoint + "/api/v2/" + apiMethod
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrapf(err, "unable to encode amoCRM %q request", apiMethod)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, u, body)
	if err != nil {
		return errors.Wrapf(err, "unable to build amoCRM %q request", apiMethod)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "amoCRM %q request failed", apiMethod)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "unable to read amoCRM %q response", apiMethod)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		c.logger.Error().Str("method", apiMethod).Int("status", resp.StatusCode).
			Str("detail", errorDetail(raw)).Msg("amoCRM rejected the request")
		return errors.Errorf("amoCRM answered %v on %q", resp.Status, apiMethod)
	}
	if resp.StatusCode == http.StatusNoContent && len(raw) == 0 {
		return ErrNotFound
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Error().Str("method", apiMethod).Err(err).Msg("unparseable amoCRM response")
		return errors.Wrapf(err, "unable to decode amoCRM %q response", apiMethod)
	}
	return nil
}

// errorDetail digs the human readable message out of an amoCRM error
// body, which is either {"response": {"error": ...}} or {"detail": ...}.
func errorDetail(raw []byte) string {
	var body struct {
		Response struct {
			Error string `json:"error"`
		} `json:"response"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return string(raw)
	}
	if body.Response.Error != "" {
		return body.Response.Error
	}
	if body.Detail != "" {
		return body.Detail
	}
	return string(raw)
}

func (c *Client) resolveResponsibleUser(ctx context.Context) (int, error) {
	params := url.Values{
		"with":       {"users,custom_fields"},
		"free_users": {"Y"},
	}
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, "account", params, nil, &resp); err != nil {
		return 0, errors.Wrap(err, "unable to fetch amoCRM account users")
	}
	for _, user := range resp.Embedded.Users {
		if user.Login == c.cfg.ResponsibleLogin {
			c.logger.Info().Str("login", user.Login).Int("id", user.ID).
				Msg("responsible user resolved")
			return user.ID, nil
		}
	}
	for _, user := range resp.Embedded.Users {
		if user.Login == c.cfg.DefaultResponsibleLogin {
			c.logger.Info().Str("login", user.Login).Int("id", user.ID).
				Msg("responsible user not found, falling back to the default")
			return user.ID, nil
		}
	}
	return 0, errors.New("neither the responsible nor the default responsible user exists in amoCRM")
}

// ContactByEmail returns the contact exactly matching the email, or
// nil when the CRM knows no such address.
func (c *Client) ContactByEmail(ctx context.Context, email string) (*Entity, error) {
	var resp itemsResponse
	err := c.do(ctx, http.MethodGet, "contacts", url.Values{"query": {email}}, nil, &resp)
	if errors.Cause(err) == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Embedded.Items) == 0 {
		return nil, nil
	}
	return &resp.Embedded.Items[0], nil
}

// ResolveContact returns the CRM contact for the stub's email, creating
// one from the stub when the CRM knows no such address.
func (c *Client) ResolveContact(ctx context.Context, stub mail.Contact) (*Entity, error) {
	contact, err := c.ContactByEmail(ctx, stub.Email)
	if err != nil || contact != nil {
		return contact, err
	}
	return c.createContact(ctx, stub)
}

func (c *Client) createContact(ctx context.Context, stub mail.Contact) (*Entity, error) {
	fields := c.cfg.Fields
	custom := []CustomField{
		{ID: fields.Post, Values: []CustomValue{{Value: stub.Post}}},
		{ID: fields.Phone, Values: []CustomValue{{Value: stub.Phone, Enum: "WORK"}}},
		{ID: fields.Email, Values: []CustomValue{{Value: stub.Email, Enum: "WORK"}}},
		{ID: fields.Skype, Values: []CustomValue{{Value: stub.Skype, Enum: "SKYPE"}}},
	}
	if stub.Mobile != "" {
		custom = append(custom, CustomField{ID: fields.Phone, Values: []CustomValue{{Value: stub.Mobile, Enum: "MOB"}}})
	}
	if stub.Home != "" {
		custom = append(custom, CustomField{ID: fields.Phone, Values: []CustomValue{{Value: stub.Home, Enum: "HOME"}}})
	}
	if stub.Fax != "" {
		custom = append(custom, CustomField{ID: fields.Phone, Values: []CustomValue{{Value: stub.Fax, Enum: "FAX"}}})
	}
	contact := Contact{
		Name:              stub.Name,
		ResponsibleUserID: c.userID,
		CreatedBy:         c.userID,
		CustomFields:      custom,
	}

	var resp itemsResponse
	if err := c.do(ctx, http.MethodPost, "contacts", nil, batch{Add: []Contact{contact}}, &resp); err != nil {
		return nil, errors.Wrapf(err, "unable to create contact %q", stub.Email)
	}
	if len(resp.Embedded.Items) == 0 {
		return nil, errors.Errorf("amoCRM returned no items for created contact %q", stub.Email)
	}
	return &resp.Embedded.Items[0], nil
}

// CreateLeads submits one batch-create call for all leads. The
// response items arrive in submission order; callers rely on that.
func (c *Client) CreateLeads(ctx context.Context, add []Lead) ([]Entity, error) {
	var resp itemsResponse
	err := c.do(ctx, http.MethodPost, "leads", nil, batch{Add: add}, &resp)
	if errors.Cause(err) == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Embedded.Items, nil
}

// CreateNotes submits one batch-create call for all notes.
func (c *Client) CreateNotes(ctx context.Context, add []Note) ([]Entity, error) {
	var resp itemsResponse
	err := c.do(ctx, http.MethodPost, "notes", nil, batch{Add: add}, &resp)
	if errors.Cause(err) == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Embedded.Items, nil
}
