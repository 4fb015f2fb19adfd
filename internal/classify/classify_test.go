package classify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHTTPScore(t *testing.T) {
	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		gotText = req.Text
		json.NewEncoder(w).Encode(scoreResponse{Lead: true})
	}))
	defer srv.Close()

	c := &HTTP{Endpoint: srv.URL, Logger: zerolog.Nop()}
	lead, err := c.Score(context.Background(), "subject and body")
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if !lead {
		t.Error("Score() = false, want true")
	}
	if gotText != "subject and body" {
		t.Errorf("service saw text %q, want %q", gotText, "subject and body")
	}
}

func TestHTTPScoreServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &HTTP{Endpoint: srv.URL, Logger: zerolog.Nop()}
	if _, err := c.Score(context.Background(), "text"); err == nil {
		t.Error("Score() on a failing service succeeded, want error")
	}
}

func TestStatic(t *testing.T) {
	for _, want := range []bool{true, false} {
		got, err := Static{Lead: want}.Score(context.Background(), "anything")
		if err != nil || got != want {
			t.Errorf("Static{%v}.Score() = (%v, %v), want (%v, nil)", want, got, err, want)
		}
	}
}
