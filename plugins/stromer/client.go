package stromer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joshp123/stromer/internal/log"
	"github.com/joshp123/stromer/internal/oauth"
)

// Refresher exchanges a refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, creds oauth.Credentials) (oauth.Credentials, error)
}

// Client talks to the Stromer portal data API on behalf of one account session.
type Client struct {
	baseURL    string
	store      *oauth.Store
	auth       Refresher
	httpClient *http.Client
	now        func() time.Time
	logger     log.Logger

	refreshes singleflight.Group
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(store *oauth.Store, auth Refresher, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    oauth.DefaultBaseURL,
		store:      store,
		auth:       auth,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
		logger:     log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithName("client")
	return c
}

// Call performs one authenticated request and returns the raw response body.
// Tokens close to expiry are refreshed first; a 401 triggers exactly one
// refresh and retry.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s body: %w", endpoint, err)
		}
	}

	creds, ok := c.store.Get()
	if !ok {
		return nil, oauth.ErrNotAuthenticated
	}
	if creds.NearExpiry(c.now()) {
		fresh, err := c.refresh(ctx, creds)
		if err != nil {
			return nil, err
		}
		creds = fresh
	}

	status, data, err := c.do(ctx, creds, method, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.logger.Debug("access token rejected, refreshing", "endpoint", endpoint)
		fresh, err := c.refresh(ctx, creds)
		if err != nil {
			return nil, err
		}
		status, data, err = c.do(ctx, fresh, method, endpoint, payload)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, &APIError{Method: method, Endpoint: endpoint, Status: status, Message: responseMessage(status, data)}
	}
	return data, nil
}

// refresh coalesces concurrent refreshes. A caller holding a token that has
// already been replaced gets the replacement without another token request.
func (c *Client) refresh(ctx context.Context, stale oauth.Credentials) (oauth.Credentials, error) {
	v, err, shared := c.refreshes.Do("refresh", func() (any, error) {
		current, ok := c.store.Get()
		if !ok {
			return nil, oauth.ErrNotAuthenticated
		}
		if current.AccessToken != stale.AccessToken && !current.NearExpiry(c.now()) {
			return current, nil
		}
		fresh, err := c.auth.Refresh(ctx, current)
		if err != nil {
			c.logger.Error(err, "token refresh failed")
			return nil, err
		}
		if err := c.store.Set(ctx, fresh); err != nil {
			// The new token is in memory; only the on-disk copy is stale.
			c.logger.Warn("refreshed token not persisted", "error", err.Error())
		}
		return fresh, nil
	})
	if err != nil {
		return oauth.Credentials{}, err
	}
	if shared {
		c.logger.Debug("joined in-flight token refresh")
	}
	return v.(oauth.Credentials), nil
}

func (c *Client) do(ctx context.Context, creds oauth.Credentials, method, endpoint string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", creds.Authorization())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("stromer api %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) generation() oauth.Generation {
	if creds, ok := c.store.Get(); ok && creds.Generation.Valid() {
		return creds.Generation
	}
	return oauth.GenerationV4
}

func (c *Client) bikePath(bikeID, suffix string) string {
	return fmt.Sprintf("%s/bike/%s/%s", c.generation().DataPrefix(), bikeID, suffix)
}

func (c *Client) getPayload(ctx context.Context, endpoint string) (Payload, error) {
	data, err := c.Call(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return decodePayload(data)
}

// Bikes lists the bikes registered on the account.
func (c *Client) Bikes(ctx context.Context) ([]BikeIdentity, error) {
	data, err := c.Call(ctx, http.MethodGet, c.generation().DataPrefix()+"/bike/", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(data)
	if err != nil {
		return nil, err
	}
	bikes := make([]BikeIdentity, 0, len(items))
	for _, item := range items {
		bike := bikeFromPayload(item)
		if bike.ID == "" {
			continue
		}
		bikes = append(bikes, bike)
	}
	if len(bikes) == 0 {
		return nil, ErrNoBikes
	}
	return bikes, nil
}

func (c *Client) State(ctx context.Context, bikeID string) (Payload, error) {
	return c.getPayload(ctx, c.bikePath(bikeID, "state/"))
}

func (c *Client) Position(ctx context.Context, bikeID string) (Payload, error) {
	return c.getPayload(ctx, c.bikePath(bikeID, "position/"))
}

func (c *Client) Details(ctx context.Context, bikeID string) (Payload, error) {
	return c.getPayload(ctx, c.bikePath(bikeID, ""))
}

func (c *Client) Statistics(ctx context.Context, bikeID string, period Period) (Payload, error) {
	return c.getPayload(ctx, c.bikePath(bikeID, "statistics/"+string(period)+"/"))
}

func (c *Client) SetLock(ctx context.Context, bikeID string, locked bool) error {
	if c.generation() == oauth.GenerationV3 {
		_, err := c.Call(ctx, http.MethodPut, c.bikePath(bikeID, "lock/"), map[string]string{"lock": fmt.Sprint(locked)})
		return err
	}
	status := "unlocked"
	if locked {
		status = "locked"
	}
	_, err := c.Call(ctx, http.MethodPost, c.bikePath(bikeID, "lock/"), map[string]string{"status": status})
	return err
}

func (c *Client) SetLight(ctx context.Context, bikeID string, mode LightMode) error {
	method := http.MethodPost
	if c.generation() == oauth.GenerationV3 {
		method = http.MethodPut
	}
	_, err := c.Call(ctx, method, c.bikePath(bikeID, "light/"), map[string]string{"mode": string(mode)})
	return err
}

func (c *Client) ResetTrip(ctx context.Context, bikeID string) error {
	if c.generation() == oauth.GenerationV3 {
		_, err := c.Call(ctx, http.MethodDelete, c.bikePath(bikeID, "trip_data/"), nil)
		return err
	}
	_, err := c.Call(ctx, http.MethodPost, c.bikePath(bikeID, "trip/reset/"), map[string]any{})
	return err
}

func responseMessage(status int, body []byte) string {
	var payload struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, candidate := range []string{payload.Detail, payload.Message, payload.Error} {
			if candidate != "" {
				return candidate
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 256 {
		return text
	}
	return http.StatusText(status)
}
