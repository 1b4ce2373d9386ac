package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"oidcrp/internal/testidp"
)

func TestFetchDiscovery(t *testing.T) {
	idp := testidp.New(t)

	doc, err := FetchDiscovery(context.Background(), idp.Server.Client(), idp.URL("/.well-known/openid-configuration"))
	if err != nil {
		t.Fatalf("FetchDiscovery: %v", err)
	}
	if doc.Issuer != idp.Issuer() || doc.RegistrationEndpoint != idp.URL("/register") || doc.RevocationEndpoint != idp.URL("/revoke") {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestFetchDiscoveryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			_, _ = w.Write([]byte("<html>"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := FetchDiscovery(context.Background(), srv.Client(), srv.URL+"/missing")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	_, err = FetchDiscovery(context.Background(), srv.Client(), srv.URL+"/garbage")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}
