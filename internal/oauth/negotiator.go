package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/joshp123/stromer/internal/log"
)

// Negotiator performs login and token refresh against either API generation.
// It holds no credentials; callers own the Store.
type Negotiator struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     log.Logger
}

type NegotiatorOption func(*Negotiator)

func WithHTTPClient(client *http.Client) NegotiatorOption {
	return func(n *Negotiator) {
		if client != nil {
			n.httpClient = client
		}
	}
}

func WithClock(now func() time.Time) NegotiatorOption {
	return func(n *Negotiator) {
		if now != nil {
			n.now = now
		}
	}
}

func WithLogger(logger log.Logger) NegotiatorOption {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func NewNegotiator(baseURL string, opts ...NegotiatorOption) *Negotiator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	n := &Negotiator{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		logger:     log.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithName("auth")
	return n
}

// Login validates the username and password, then exchanges them for tokens
// with an OAuth password grant. The generation follows from clientSecret.
func (n *Negotiator) Login(ctx context.Context, username, password, clientID, clientSecret string) (Credentials, error) {
	if username == "" || password == "" || clientID == "" {
		return Credentials{}, &AuthError{Kind: AuthMalformed, Step: "login", Message: "username, password and client id are required"}
	}
	gen := GenerationFor(clientSecret)
	logger := n.logger.WithValues("generation", string(gen))
	logger.Debug("login", "url", n.baseURL+gen.LoginPath())

	if err := n.validateLogin(ctx, gen, username, password); err != nil {
		loginTotal.WithLabelValues(string(gen), "failure").Inc()
		return Credentials{}, err
	}

	cfg := n.config(gen, clientID, clientSecret)
	token, err := cfg.PasswordCredentialsToken(n.clientContext(ctx), username, password)
	if err != nil {
		loginTotal.WithLabelValues(string(gen), "failure").Inc()
		return Credentials{}, tokenError("token", err)
	}

	loginTotal.WithLabelValues(string(gen), "success").Inc()
	logger.Info("authenticated")
	return n.credentials(token, Credentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Generation:   gen,
	}), nil
}

// Refresh exchanges the refresh token for a new access token. The returned
// credentials keep the old refresh token when the vendor omits a new one.
// On failure the input is untouched and the caller decides what to do with it.
func (n *Negotiator) Refresh(ctx context.Context, creds Credentials) (Credentials, error) {
	gen := creds.Generation
	if !gen.Valid() {
		gen = GenerationFor(creds.ClientSecret)
	}
	if creds.RefreshToken == "" {
		refreshFailure.WithLabelValues(string(gen), AuthInvalidCredentials.String()).Inc()
		return Credentials{}, &AuthError{Kind: AuthInvalidCredentials, Step: "refresh", Message: "no refresh token available"}
	}

	cfg := n.config(gen, creds.ClientID, creds.ClientSecret)
	source := cfg.TokenSource(n.clientContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := source.Token()
	if err != nil {
		authErr := tokenError("refresh", err)
		refreshFailure.WithLabelValues(string(gen), authErr.Kind.String()).Inc()
		return Credentials{}, authErr
	}

	refreshSuccess.WithLabelValues(string(gen)).Inc()
	n.logger.Debug("token refreshed", "generation", string(gen))
	creds.Generation = gen
	return n.credentials(token, creds), nil
}

func (n *Negotiator) validateLogin(ctx context.Context, gen Generation, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+gen.LoginPath(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &AuthError{Step: "login", Err: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAuthError("login", resp.StatusCode, data)
	}
	return nil
}

func (n *Negotiator) config(gen Generation, clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  n.baseURL + gen.TokenPath(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (n *Negotiator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, n.httpClient)
}

func (n *Negotiator) credentials(token *oauth2.Token, base Credentials) Credentials {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = n.now().Add(defaultTokenLifetime)
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = base.RefreshToken
	}
	return Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    expiresAt,
		ClientID:     base.ClientID,
		ClientSecret: base.ClientSecret,
		Generation:   base.Generation,
	}
}

func tokenError(step string, err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		authErr := newAuthError(step, retrieveErr.Response.StatusCode, retrieveErr.Body)
		authErr.Err = err
		return authErr
	}
	return &AuthError{Step: step, Message: fmt.Sprintf("token request: %v", err), Err: err}
}
