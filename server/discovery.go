package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DiscoveryDocument holds the OpenID provider metadata fields the relying
// party consumes.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	RevocationEndpoint    string `json:"revocation_endpoint,omitempty"`
	RegistrationEndpoint  string `json:"registration_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
}

// FetchDiscovery downloads and decodes the metadata document at rawURL.
func FetchDiscovery(ctx context.Context, client *http.Client, rawURL string) (DiscoveryDocument, error) {
	const op = "discovery.Fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return DiscoveryDocument{}, newError(KindConfiguration, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return DiscoveryDocument{}, newError(KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return DiscoveryDocument{}, newError(KindTransport, op,
			fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return DiscoveryDocument{}, newError(KindProtocol, op, fmt.Errorf("decode metadata: %w", err))
	}
	return doc, nil
}
