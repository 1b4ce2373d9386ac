package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClientSetsDefaultHeaders(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotAccept = r.UserAgent(), r.Header.Get("Accept")
	}))
	defer srv.Close()

	c := NewHTTPClient(true, testLogger())
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if gotUA != UserAgent {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	if !strings.HasPrefix(gotAccept, "application/json") {
		t.Fatalf("Accept = %q", gotAccept)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept", "application/jwt")
	resp, err = c.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if gotAccept != "application/jwt" {
		t.Fatalf("explicit Accept overwritten: %q", gotAccept)
	}
}

func TestHTTPClientTLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	if _, err := NewHTTPClient(true, testLogger()).Get(srv.URL); err == nil {
		t.Fatal("self-signed certificate must be rejected when verification is on")
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	resp, err := NewHTTPClient(false, logger).Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure client: %v", err)
	}
	resp.Body.Close()
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Fatalf("expected a warning when verification is disabled, got %q", logs.String())
	}
}
