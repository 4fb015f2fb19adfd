// Package classify decides whether a message text represents a sales
// lead. The decision itself is made by an external scoring service;
// this package only carries the capability contract and its clients.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Classifier scores a message text as lead or not-lead.
type Classifier interface {
	Score(ctx context.Context, text string) (bool, error)
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	Lead bool `json:"lead"`
}

// HTTP asks a scoring service over HTTP. The service owns the model;
// training and persistence never happen here.
type HTTP struct {
	Endpoint string
	Client   *http.Client
	Logger   zerolog.Logger
}

func (c *HTTP) Score(ctx context.Context, text string) (bool, error) {
	payload, err := json.Marshal(scoreRequest{Text: text})
	if err != nil {
		return false, errors.Wrap(err, "unable to encode scoring request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, errors.Wrap(err, "unable to build scoring request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, errors.Wrap(err, "scoring request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("scoring service answered %v", resp.Status)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, errors.Wrap(err, "unable to decode scoring response")
	}
	c.Logger.Debug().Bool("lead", out.Lead).Msg("message scored")
	return out.Lead, nil
}

// Static answers every score request the same way. It stands in for
// the real model in tests.
type Static struct {
	Lead bool
}

func (s Static) Score(ctx context.Context, text string) (bool, error) {
	return s.Lead, nil
}
