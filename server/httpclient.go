package server

import (
	"crypto/tls"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
)

// UserAgent identifies outbound requests to the IdP.
const UserAgent = "oidcrp/1.0"

const defaultAccept = "application/json,text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// NewHTTPClient returns the client used for every IdP call. It has no
// timeout of its own; callers bound each call with their context.
func NewHTTPClient(verifyTLS bool, logger *slog.Logger) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	tr := cleanhttp.DefaultPooledTransport()
	if !verifyTLS {
		logger.Warn("TLS certificate verification is disabled for identity provider connections")
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via relying_party.verify_tls
	}
	return &http.Client{Transport: &headerTransport{base: tr}}
}

// headerTransport fills in User-Agent and Accept unless the request set them.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" && req.Header.Get("Accept") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", UserAgent)
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", defaultAccept)
	}
	return t.base.RoundTrip(r)
}
