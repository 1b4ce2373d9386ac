package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"oidcrp/internal/testidp"
)

func newTestValidator(t *testing.T, idp *testidp.Provider, checkExpiry bool) *Validator {
	t.Helper()
	v, err := NewValidator(context.Background(), ValidatorConfig{
		JWKSURL:     idp.URL("/jwks"),
		HTTPClient:  idp.Server.Client(),
		CheckExpiry: checkExpiry,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func baseClaims(idp *testidp.Provider) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   idp.Issuer(),
		"sub":   "user-1",
		"aud":   "client-1",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": "u@example.com",
	}
}

func sign(t *testing.T, idp *testidp.Provider, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := idp.SignIDToken(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestValidateSuccess(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, true)

	claims, err := v.Validate(sign(t, idp, baseClaims(idp)), idp.Issuer(), "client-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Issuer != idp.Issuer() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Email == nil || *claims.Email != "u@example.com" {
		t.Fatalf("email = %v", claims.Email)
	}
	if claims.ExpiresAt.IsZero() {
		t.Fatal("expected exp to be parsed")
	}
}

func TestValidateAudienceForms(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	tests := []struct {
		name    string
		aud     any
		wantErr error
	}{
		{name: "bare string", aud: "client-1"},
		{name: "array containing", aud: []string{"other", "client-1"}},
		{name: "empty array", aud: []string{}, wantErr: ErrAudienceMismatch},
		{name: "empty string", aud: "", wantErr: ErrAudienceMismatch},
		{name: "other string", aud: "client-2", wantErr: ErrAudienceMismatch},
		{name: "array without", aud: []string{"a", "b"}, wantErr: ErrAudienceMismatch},
		{name: "missing", aud: nil, wantErr: ErrAudienceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := baseClaims(idp)
			if tt.aud == nil {
				delete(claims, "aud")
			} else {
				claims["aud"] = tt.aud
			}
			_, err := v.Validate(sign(t, idp, claims), idp.Issuer(), "client-1")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateIssuerMismatch(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	claims := baseClaims(idp)
	claims["iss"] = "https://idp.example/other"
	_, err := v.Validate(sign(t, idp, claims), "https://idp.example", "client-1")
	if !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestValidateIssuerCheckedBeforeSignature(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	tok := sign(t, idp, baseClaims(idp))
	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString([]byte("bogus"))

	if _, err := v.Validate(tampered, "https://elsewhere", "client-1"); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected issuer mismatch first, got %v", err)
	}
	if _, err := v.Validate(tampered, idp.Issuer(), "client-1"); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	tests := map[string]string{
		"empty":         "",
		"two segments":  "a.b",
		"four segments": "a.b.c.d",
		"bad base64":    "eyJhbGciOiJSUzI1NiJ9.!!!.sig",
		"not json":      "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".sig",
		"json null":     "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("null")) + ".sig",
		"json array":    "eyJhbGciOiJSUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("[1]")) + ".sig",
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Validate(tok, idp.Issuer(), "client-1"); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("expected malformed token, got %v", err)
			}
		})
	}
}

func TestValidatePadsPayload(t *testing.T) {
	// Payload lengths that are not multiples of four must still decode.
	for _, sub := range []string{"a", "ab", "abc", "abcd"} {
		if _, err := decodePayload("x." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"`+sub+`"}`)) + ".y"); err != nil {
			t.Fatalf("sub %q: %v", sub, err)
		}
	}
}

func TestValidateSignature(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	t.Run("unknown key same kid", func(t *testing.T) {
		tok, err := testidp.SignWithKey(foreign, testidp.KeyID, baseClaims(idp))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Validate(tok, idp.Issuer(), "client-1"); !errors.Is(err, ErrSignature) {
			t.Fatalf("expected signature error, got %v", err)
		}
	})

	t.Run("no kid falls back to all keys", func(t *testing.T) {
		tok, err := testidp.SignWithKey(idp.Key, "", baseClaims(idp))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Validate(tok, idp.Issuer(), "client-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("alg none rejected", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims(idp)).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		tok += "c2ln"
		if _, err := v.Validate(tok, idp.Issuer(), "client-1"); err == nil {
			t.Fatal("expected alg none to be rejected")
		}
	})

	t.Run("hmac with public key rejected", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(idp)).SignedString([]byte("secret"))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if _, err := v.Validate(tok, idp.Issuer(), "client-1"); !errors.Is(err, ErrSignature) {
			t.Fatalf("expected signature error, got %v", err)
		}
	})
}

func TestValidateExpiry(t *testing.T) {
	idp := testidp.New(t)

	expired := baseClaims(idp)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	t.Run("enforced", func(t *testing.T) {
		v := newTestValidator(t, idp, true)
		if _, err := v.Validate(sign(t, idp, expired), idp.Issuer(), "client-1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected expiry error, got %v", err)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		v := newTestValidator(t, idp, false)
		if _, err := v.Validate(sign(t, idp, expired), idp.Issuer(), "client-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("within leeway", func(t *testing.T) {
		v := newTestValidator(t, idp, true)
		claims := baseClaims(idp)
		claims["exp"] = time.Now().Add(-5 * time.Second).Unix()
		if _, err := v.Validate(sign(t, idp, claims), idp.Issuer(), "client-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("not yet valid", func(t *testing.T) {
		v := newTestValidator(t, idp, true)
		claims := baseClaims(idp)
		claims["nbf"] = time.Now().Add(time.Hour).Unix()
		if _, err := v.Validate(sign(t, idp, claims), idp.Issuer(), "client-1"); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected nbf error, got %v", err)
		}
	})
}

func TestValidateDoesNotCacheResults(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)
	tok := sign(t, idp, baseClaims(idp))

	for i := 0; i < 3; i++ {
		if _, err := v.Validate(tok, idp.Issuer(), "client-1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := idp.JWKSFetches(); got != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", got)
	}
}

func TestNewValidatorFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewValidator(context.Background(), ValidatorConfig{JWKSURL: srv.URL}); err == nil {
		t.Fatal("expected construction to fail")
	}
	if _, err := NewValidator(context.Background(), ValidatorConfig{}); err == nil {
		t.Fatal("expected missing url to fail")
	}
}

func TestNewValidatorEmptyKeySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	if _, err := NewValidator(context.Background(), ValidatorConfig{JWKSURL: srv.URL}); err == nil {
		t.Fatal("expected empty key set to fail")
	}
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	idp := testidp.New(t)
	v := newTestValidator(t, idp, false)

	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if v.KeyCount() != 1 {
		t.Fatalf("key count = %d", v.KeyCount())
	}
	if idp.JWKSFetches() != 2 {
		t.Fatalf("jwks fetches = %d", idp.JWKSFetches())
	}
}
