package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vendorAuth struct {
	t             *testing.T
	loginStatus   int
	tokenStatus   int
	tokenBody     string
	loginPaths    []string
	tokenForms    []url.Values
	tokenRequests atomic.Int32
}

func (v *vendorAuth) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mobile/v4/login/", "/users/login/":
			v.loginPaths = append(v.loginPaths, r.URL.Path)
			var body map[string]string
			require.NoError(v.t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(v.t, "rider@example.com", body["username"])
			if v.loginStatus != 0 {
				w.WriteHeader(v.loginStatus)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true}`)
		case "/mobile/v4/o/token/", "/o/token/":
			v.tokenRequests.Add(1)
			require.NoError(v.t, r.ParseForm())
			form := r.PostForm
			form.Set("_path", r.URL.Path)
			v.tokenForms = append(v.tokenForms, form)
			w.Header().Set("Content-Type", "application/json")
			if v.tokenStatus != 0 {
				w.WriteHeader(v.tokenStatus)
				_, _ = io.WriteString(w, `{"error":"invalid_client","error_description":"client rotated"}`)
				return
			}
			body := v.tokenBody
			if body == "" {
				body = `{"access_token":"access-1","refresh_token":"refresh-1","expires_in":3600,"token_type":"Bearer"}`
			}
			_, _ = io.WriteString(w, body)
		default:
			v.t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	})
}

func TestLoginCurrentGeneration(t *testing.T) {
	vendor := &vendorAuth{t: t}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	creds, err := NewNegotiator(server.URL).Login(context.Background(), "rider@example.com", "secret", "client-id", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"/mobile/v4/login/"}, vendor.loginPaths)
	require.Len(t, vendor.tokenForms, 1)
	form := vendor.tokenForms[0]
	assert.Equal(t, "/mobile/v4/o/token/", form.Get("_path"))
	assert.Equal(t, "password", form.Get("grant_type"))
	assert.Equal(t, "client-id", form.Get("client_id"))
	assert.Empty(t, form.Get("client_secret"))

	assert.Equal(t, GenerationV4, creds.Generation)
	assert.Equal(t, "access-1", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
	assert.Equal(t, "Bearer access-1", creds.Authorization())
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, time.Minute)
}

func TestLoginLegacyGenerationSendsSecret(t *testing.T) {
	vendor := &vendorAuth{t: t}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	creds, err := NewNegotiator(server.URL).Login(context.Background(), "rider@example.com", "secret", "client-id", "client-secret")
	require.NoError(t, err)

	assert.Equal(t, []string{"/users/login/"}, vendor.loginPaths)
	require.Len(t, vendor.tokenForms, 1)
	assert.Equal(t, "/o/token/", vendor.tokenForms[0].Get("_path"))
	assert.Equal(t, "client-secret", vendor.tokenForms[0].Get("client_secret"))
	assert.Equal(t, GenerationV3, creds.Generation)
	assert.Equal(t, "client-secret", creds.ClientSecret)
}

func TestLoginFailureKinds(t *testing.T) {
	cases := []struct {
		name        string
		loginStatus int
		tokenStatus int
		kind        AuthErrorKind
		step        string
	}{
		{name: "bad password", loginStatus: http.StatusUnauthorized, kind: AuthInvalidCredentials, step: "login"},
		{name: "locked account", loginStatus: http.StatusForbidden, kind: AuthForbidden, step: "login"},
		{name: "too many attempts", loginStatus: http.StatusTooManyRequests, kind: AuthRateLimited, step: "login"},
		{name: "rotated client", tokenStatus: http.StatusForbidden, kind: AuthForbidden, step: "token"},
		{name: "bad request", tokenStatus: http.StatusBadRequest, kind: AuthMalformed, step: "token"},
		{name: "server error", tokenStatus: http.StatusBadGateway, kind: AuthUnknown, step: "token"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vendor := &vendorAuth{t: t, loginStatus: tc.loginStatus, tokenStatus: tc.tokenStatus}
			server := httptest.NewServer(vendor.handler())
			defer server.Close()

			_, err := NewNegotiator(server.URL).Login(context.Background(), "rider@example.com", "secret", "client-id", "")
			require.Error(t, err)

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tc.kind, authErr.Kind)
			assert.Equal(t, tc.step, authErr.Step)
			if tc.step == "login" {
				assert.Zero(t, vendor.tokenRequests.Load(), "token grant must not run after a failed login")
			}
		})
	}
}

func TestLoginRequiresFields(t *testing.T) {
	_, err := NewNegotiator("http://127.0.0.1:1").Login(context.Background(), "", "secret", "client-id", "")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthMalformed, authErr.Kind)
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	vendor := &vendorAuth{t: t, tokenBody: `{"access_token":"access-2","expires_in":600,"token_type":"bearer"}`}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	old := Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ClientID:     "client-id",
		Generation:   GenerationV4,
	}
	creds, err := NewNegotiator(server.URL).Refresh(context.Background(), old)
	require.NoError(t, err)

	require.Len(t, vendor.tokenForms, 1)
	assert.Equal(t, "refresh_token", vendor.tokenForms[0].Get("grant_type"))
	assert.Equal(t, "refresh-1", vendor.tokenForms[0].Get("refresh_token"))
	assert.Equal(t, "access-2", creds.AccessToken)
	assert.Equal(t, "refresh-1", creds.RefreshToken)
	assert.Equal(t, "client-id", creds.ClientID)
	assert.Equal(t, GenerationV4, creds.Generation)
}

func TestRefreshFailureLeavesInputUntouched(t *testing.T) {
	vendor := &vendorAuth{t: t, tokenStatus: http.StatusUnauthorized}
	server := httptest.NewServer(vendor.handler())
	defer server.Close()

	old := Credentials{AccessToken: "access-1", RefreshToken: "refresh-1", ClientID: "client-id", Generation: GenerationV4}
	snapshot := old

	_, err := NewNegotiator(server.URL).Refresh(context.Background(), old)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "refresh", authErr.Step)
	assert.True(t, authErr.Rejected())
	assert.Equal(t, snapshot, old)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	_, err := NewNegotiator("http://127.0.0.1:1").Refresh(context.Background(), Credentials{ClientID: "client-id", Generation: GenerationV4})
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthInvalidCredentials, authErr.Kind)
}
