package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oidcrp/store"
)

// registrationRequest is the client metadata sent on initial registration.
type registrationRequest struct {
	ApplicationType         string   `json:"application_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	RequestURIs             []string `json:"request_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// rotationRequest asks the IdP to issue a new secret for an existing client.
type rotationRequest struct {
	ClientSecret *string `json:"client_secret"`
}

// Registrar obtains, renews and persists dynamically registered client
// credentials.
type Registrar struct {
	client *http.Client
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistrar creates a registrar that persists records in st.
func NewRegistrar(client *http.Client, st store.Store, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{client: client, store: st, logger: logger, now: time.Now}
}

// Ensure returns usable credentials for the configured application name. A
// valid stored record is adopted as is; an expired record is renewed when
// it carries management credentials; otherwise a new client is registered.
func (r *Registrar) Ensure(ctx context.Context, s *Settings) (store.DynamicRegistration, error) {
	const op = "registration.Ensure"
	if err := checkRegistrationSettings(op, s); err != nil {
		return store.DynamicRegistration{}, err
	}

	rec, err := r.store.GetDynamicRegistration(ctx, s.AppName())
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Info("no stored registration, registering client", "app_name", s.AppName())
		return r.Register(ctx, s)
	case err != nil:
		return store.DynamicRegistration{}, newError(KindStore, op, err)
	}

	if rec.Valid(r.now()) {
		r.logger.Debug("adopting stored registration", "app_name", s.AppName(), "client_id", rec.ClientID)
		return rec, nil
	}
	if rec.Renewable() {
		r.logger.Info("client secret expired, renewing", "app_name", s.AppName(), "client_id", rec.ClientID)
		return r.Renew(ctx, s, rec)
	}
	r.logger.Info("client secret expired and not renewable, registering again", "app_name", s.AppName(), "client_id", rec.ClientID)
	return r.Register(ctx, s)
}

// Register performs an initial registration and persists the result.
func (r *Registrar) Register(ctx context.Context, s *Settings) (store.DynamicRegistration, error) {
	const op = "registration.Register"
	if err := checkRegistrationSettings(op, s); err != nil {
		return store.DynamicRegistration{}, err
	}

	body := registrationRequest{
		ApplicationType:         "web",
		RedirectURIs:            []string{s.BaseURL() + "/callback"},
		ClientName:              s.AppName(),
		RequestURIs:             []string{s.BaseURL() + "/request"},
		TokenEndpointAuthMethod: "client_secret_post",
	}
	rec, err := r.post(ctx, op, s.Endpoints().Registration, "", body)
	if err != nil {
		return store.DynamicRegistration{}, err
	}
	if err := r.save(ctx, op, s.AppName(), rec); err != nil {
		return store.DynamicRegistration{}, err
	}
	r.logger.Info("client registered", "app_name", s.AppName(), "client_id", rec.ClientID, "client_secret", maskSecret(rec.ClientSecret))
	return rec, nil
}

// Renew rotates the client secret of prev through its registration client
// URI and persists the replacement record.
func (r *Registrar) Renew(ctx context.Context, s *Settings, prev store.DynamicRegistration) (store.DynamicRegistration, error) {
	const op = "registration.Renew"
	if !prev.Renewable() {
		return store.DynamicRegistration{}, newError(KindConfiguration, op,
			errors.New("registration has no registration_access_token or registration_client_uri"))
	}

	rec, err := r.post(ctx, op, prev.RegistrationClientURI, prev.RegistrationAccessToken, rotationRequest{})
	if err != nil {
		return store.DynamicRegistration{}, err
	}
	// Management credentials are not always repeated in the response.
	if rec.RegistrationAccessToken == "" {
		rec.RegistrationAccessToken = prev.RegistrationAccessToken
	}
	if rec.RegistrationClientURI == "" {
		rec.RegistrationClientURI = prev.RegistrationClientURI
	}
	if err := r.save(ctx, op, s.AppName(), rec); err != nil {
		return store.DynamicRegistration{}, err
	}
	r.logger.Info("client secret renewed", "app_name", s.AppName(), "client_id", rec.ClientID, "client_secret", maskSecret(rec.ClientSecret))
	return rec, nil
}

func (r *Registrar) post(ctx context.Context, op, endpoint, bearer string, payload any) (store.DynamicRegistration, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.DynamicRegistration{}, newError(KindProtocol, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return store.DynamicRegistration{}, newError(KindConfiguration, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return store.DynamicRegistration{}, newError(KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		e := newError(KindTransport, op, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &oauthErr) == nil {
			e.Code, e.Description = oauthErr.Error, oauthErr.ErrorDescription
		}
		return store.DynamicRegistration{}, e
	}

	var rec store.DynamicRegistration
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return store.DynamicRegistration{}, newError(KindProtocol, op, fmt.Errorf("decode registration response: %w", err))
	}
	if rec.ClientID == "" {
		return store.DynamicRegistration{}, newError(KindProtocol, op, errors.New("registration response has no client_id"))
	}
	return rec, nil
}

func (r *Registrar) save(ctx context.Context, op, appName string, rec store.DynamicRegistration) error {
	if err := r.store.SaveDynamicRegistration(ctx, appName, rec); err != nil {
		return newError(KindStore, op, err)
	}
	return nil
}

func checkRegistrationSettings(op string, s *Settings) error {
	if s.Endpoints().Registration == "" {
		return newError(KindConfiguration, op, errors.New("registration_endpoint not set"))
	}
	if s.BaseURL() == "" {
		return newError(KindConfiguration, op, errors.New("base_url not set"))
	}
	return nil
}
