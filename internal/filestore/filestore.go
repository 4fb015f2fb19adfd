// Package filestore persists mail attachments on the local filesystem
// so that CRM notes can link to them over a static file server.
package filestore

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/remort/gmail2amo/internal/mail"
)

// Store writes attachment files into a single flat directory and maps
// filenames to URLs below a public base.
type Store struct {
	dir     string
	baseURL string
}

// New ensures dir exists and returns a store publishing its files
// below baseURL.
func New(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "unable to create attachment directory %q", dir)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// SanitizeFilename normalizes an attachment name for the filesystem:
// surrounding whitespace is trimmed and inner spaces become
// underscores, so the name survives being pasted into a note as part
// of a URL.
func SanitizeFilename(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}

// Save writes the attachment bytes under its sanitized name,
// overwriting any previous file of the same name, and returns the name
// the file was stored under.
func (s *Store) Save(att mail.Attachment) (string, error) {
	name := SanitizeFilename(att.Name)
	if name == "" {
		return "", errors.New("attachment has an empty filename")
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), att.Data, 0600); err != nil {
		return "", errors.Wrapf(err, "unable to write attachment %q", name)
	}
	return name, nil
}

// Link returns the public URL of a stored file.
func (s *Store) Link(filename string) string {
	return s.baseURL + "/" + url.QueryEscape(filename)
}
