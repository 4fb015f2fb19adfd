package persist

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/var/lib/journal.db", "file:///var/lib/journal.db?k=v"},
		{"journal.db", "file://journal.db?k=v"},
		{"file:journal.db?cache=shared", "file:journal.db?cache=shared&k=v"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, url.Values{"k": {"v"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) error: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestJournalRoundtrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	seen, _, err := db.IsProcessed(ctx, "msg-1")
	if err != nil {
		t.Fatalf("IsProcessed() error: %v", err)
	}
	if seen {
		t.Error("IsProcessed() on an empty journal = true, want false")
	}

	if err := db.MarkProcessed(ctx, "msg-1", true); err != nil {
		t.Fatalf("MarkProcessed() error: %v", err)
	}
	seen, lead, err := db.IsProcessed(ctx, "msg-1")
	if err != nil {
		t.Fatalf("IsProcessed() error: %v", err)
	}
	if !seen || !lead {
		t.Errorf("IsProcessed() after MarkProcessed(lead) = (%v, %v), want (true, true)", seen, lead)
	}

	// Remarking the same message overwrites the verdict.
	if err := db.MarkProcessed(ctx, "msg-1", false); err != nil {
		t.Fatalf("MarkProcessed() on a recorded message error: %v", err)
	}
	seen, lead, err = db.IsProcessed(ctx, "msg-1")
	if err != nil {
		t.Fatalf("IsProcessed() error: %v", err)
	}
	if !seen || lead {
		t.Errorf("IsProcessed() after remark = (%v, %v), want (true, false)", seen, lead)
	}

	seen, _, err = db.IsProcessed(ctx, "msg-2")
	if err != nil {
		t.Fatalf("IsProcessed() error: %v", err)
	}
	if seen {
		t.Error("IsProcessed() for an unseen message = true, want false")
	}
}
