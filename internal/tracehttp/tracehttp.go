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

package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog"
)

// traceTransport is an http.RoundTripper that logs a dump of the
// request and response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	logger   zerolog.Logger
}

func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequest(req, true)
	if dumpErr == nil {
		t.logger.Debug().Str("dump", string(dump)).Msg("http request")
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.logger.Debug().Str("dump", string(dump)).Msg("http response")
		}
	}
	return resp, err
}

func Wrap(d http.RoundTripper, logger zerolog.Logger) http.RoundTripper {
	return &traceTransport{delegate: d, logger: logger}
}

// WrapDefaultTransport injects a traceTransport into
// http.DefaultTransport.
func WrapDefaultTransport(logger zerolog.Logger) {
	http.DefaultTransport = Wrap(http.DefaultTransport, logger)
}
