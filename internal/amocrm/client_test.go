package amocrm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rs/zerolog"

	"github.com/remort/gmail2amo/internal/mail"
)

// crmServer is a canned amoCRM: it accepts any auth, serves a fixed
// account user list, and answers contact queries and creates.
type crmServer struct {
	mux *http.ServeMux

	authSeen    url.Values
	knownEmails map[string]int
	created     []Contact
}

func newCRMServer(users map[string]int) *crmServer {
	s := &crmServer{mux: http.NewServeMux(), knownEmails: map[string]int{}}

	s.mux.HandleFunc("/private/api/auth.php", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		s.authSeen = r.PostForm
		w.WriteHeader(http.StatusOK)
	})
	s.mux.HandleFunc("/api/v2/account", func(w http.ResponseWriter, r *http.Request) {
		var resp accountResponse
		resp.Embedded.Users = make(map[string]accountUser)
		for login, id := range users {
			resp.Embedded.Users[login] = accountUser{ID: id, Login: login}
		}
		json.NewEncoder(w).Encode(resp)
	})
	s.mux.HandleFunc("/api/v2/contacts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req struct {
				Add []Contact `json:"add"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			s.created = append(s.created, req.Add...)
			var resp itemsResponse
			resp.Embedded.Items = []Entity{{ID: 9000 + len(s.created)}}
			json.NewEncoder(w).Encode(resp)
			return
		}
		id, ok := s.knownEmails[r.URL.Query().Get("query")]
		if !ok {
			// amoCRM answers an empty 204 when nothing matches.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var resp itemsResponse
		resp.Embedded.Items = []Entity{{ID: id}}
		json.NewEncoder(w).Encode(resp)
	})
	return s
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:                endpoint,
		Login:                   "robot@corp.ru",
		Hash:                    "secret",
		ResponsibleLogin:        "manager@corp.ru",
		DefaultResponsibleLogin: "fallback@corp.ru",
		Fields:                  FieldIDs{Post: 1, Phone: 2, Email: 3, Skype: 4, Mailbox: 5},
	}
}

func TestNewResolvesResponsibleUser(t *testing.T) {
	crm := newCRMServer(map[string]int{"manager@corp.ru": 11, "fallback@corp.ru": 22})
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	c, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := c.ResponsibleUserID(); got != 11 {
		t.Errorf("ResponsibleUserID() = %d, want 11", got)
	}
	if got := crm.authSeen["USER_LOGIN"]; len(got) != 1 || got[0] != "robot@corp.ru" {
		t.Errorf("auth saw USER_LOGIN %v, want the configured login", got)
	}
}

func TestNewFallsBackToDefaultUser(t *testing.T) {
	crm := newCRMServer(map[string]int{"fallback@corp.ru": 22})
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	c, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := c.ResponsibleUserID(); got != 22 {
		t.Errorf("ResponsibleUserID() = %d, want the default user's 22", got)
	}
}

func TestNewNoResolvableUser(t *testing.T) {
	crm := newCRMServer(map[string]int{"someone@corp.ru": 33})
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	if _, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop()); err == nil {
		t.Fatal("New() with no resolvable responsible user succeeded, want error")
	}
}

func TestContactByEmail(t *testing.T) {
	crm := newCRMServer(map[string]int{"manager@corp.ru": 11})
	crm.knownEmails["known@x.com"] = 700
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	c, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	contact, err := c.ContactByEmail(context.Background(), "known@x.com")
	if err != nil {
		t.Fatalf("ContactByEmail() error: %v", err)
	}
	if contact == nil || contact.ID != 700 {
		t.Errorf("ContactByEmail(known) = %+v, want id 700", contact)
	}

	// An empty 204 means "no such contact", not an error.
	contact, err = c.ContactByEmail(context.Background(), "unknown@x.com")
	if err != nil {
		t.Fatalf("ContactByEmail(unknown) error: %v", err)
	}
	if contact != nil {
		t.Errorf("ContactByEmail(unknown) = %+v, want nil", contact)
	}
}

func TestResolveContactCreates(t *testing.T) {
	crm := newCRMServer(map[string]int{"manager@corp.ru": 11})
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	c, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stub := mail.Contact{Name: "John Doe", Email: "john@x.com", Mobile: "111"}
	entity, err := c.ResolveContact(context.Background(), stub)
	if err != nil {
		t.Fatalf("ResolveContact() error: %v", err)
	}
	if entity == nil || entity.ID != 9001 {
		t.Errorf("ResolveContact() = %+v, want the created contact's id 9001", entity)
	}
	if len(crm.created) != 1 {
		t.Fatalf("want one contact create, got %d", len(crm.created))
	}
	created := crm.created[0]
	if created.Name != "John Doe" || created.ResponsibleUserID != 11 {
		t.Errorf("created contact = %+v, want name and responsible user carried over", created)
	}
	// The four base fields plus the optional mobile number.
	if len(created.CustomFields) != 5 {
		t.Fatalf("created contact has %d custom fields, want 5", len(created.CustomFields))
	}
	mobile := created.CustomFields[4]
	if mobile.ID != 2 || mobile.Values[0].Value != "111" || mobile.Values[0].Enum != "MOB" {
		t.Errorf("mobile custom field = %+v, want phone field with MOB enum", mobile)
	}
}

func TestDoRejectedRequest(t *testing.T) {
	crm := newCRMServer(map[string]int{"manager@corp.ru": 11})
	crm.mux.HandleFunc("/api/v2/leads", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"response": {"error": "fields are invalid"}}`))
	})
	srv := httptest.NewServer(crm.mux)
	defer srv.Close()

	c, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.CreateLeads(context.Background(), []Lead{{Name: "x"}}); err == nil {
		t.Fatal("CreateLeads() against a rejecting server succeeded, want error")
	}
}

func TestErrorDetail(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"response": {"error": "account blocked"}}`, "account blocked"},
		{`{"detail": "Entity not found"}`, "Entity not found"},
		{`not json at all`, "not json at all"},
		{`{}`, "{}"},
	}
	for _, tc := range cases {
		if got := errorDetail([]byte(tc.raw)); got != tc.want {
			t.Errorf("errorDetail(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
