/*
Package gmailhttp implements an HTTP client for gmail.

The client authenticates with OAuth 2.0 application credentials and a
previously cached user token. Obtaining the initial token (the
interactive consent flow) is outside this program; an existing token
is only refreshed through its refresh token when expired.
*/
package gmailhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/remort/gmail2amo/internal/gmail"
)

// New returns a new HTTP client capable of using the GMail API.
func New(ctx context.Context, credentialsPath, tokenPath string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read OAuth client credentials at %q", credentialsPath)
	}
	config, err := google.ConfigFromJSON(b, gmail.ModifyScope)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse OAuth client credentials")
	}
	token, err := tokenFromFile(tokenPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load cached OAuth token at %q", tokenPath)
	}
	return config.Client(ctx, token), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}
