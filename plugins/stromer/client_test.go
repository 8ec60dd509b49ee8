package stromer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshp123/stromer/internal/oauth"
)

type countingRefresher struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	next  string
}

func (r *countingRefresher) Refresh(_ context.Context, creds oauth.Credentials) (oauth.Credentials, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	if r.err != nil {
		return oauth.Credentials{}, r.err
	}
	creds.AccessToken = r.next
	creds.ExpiresAt = time.Now().Add(time.Hour)
	return creds, nil
}

func newTestClient(t *testing.T, baseURL string, creds oauth.Credentials, auth Refresher) (*Client, *oauth.Store) {
	t.Helper()
	store := oauth.NewStore(nil, nil)
	if err := store.Set(context.Background(), creds); err != nil {
		t.Fatalf("set credentials: %v", err)
	}
	return NewClient(store, auth, WithBaseURL(baseURL)), store
}

func validCredentials(token string) oauth.Credentials {
	return oauth.Credentials{
		AccessToken:  token,
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
		ClientID:     "client-id",
		Generation:   oauth.GenerationV4,
	}
}

func TestCallRetriesOnceAfterUnauthorized(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":[{"battery_SOC":80}]}`)
	}))
	defer server.Close()

	auth := &countingRefresher{next: "fresh"}
	client, store := newTestClient(t, server.URL, validCredentials("stale"), auth)

	payload, err := client.State(context.Background(), "42")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if payload["battery_SOC"] != 80.0 {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if got := auth.calls.Load(); got != 1 {
		t.Fatalf("expected 1 refresh, got %d", got)
	}
	if len(seen) != 2 || seen[0] != "Bearer stale" || seen[1] != "Bearer fresh" {
		t.Fatalf("unexpected authorization sequence: %v", seen)
	}
	creds, _ := store.Get()
	if creds.AccessToken != "fresh" {
		t.Fatalf("store not updated: %q", creds.AccessToken)
	}
}

func TestCallSecondUnauthorizedIsAPIError(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Authentication credentials were not provided."}`)
	}))
	defer server.Close()

	auth := &countingRefresher{next: "fresh"}
	client, _ := newTestClient(t, server.URL, validCredentials("stale"), auth)

	_, err := client.State(context.Background(), "42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if requests.Load() != 2 || auth.calls.Load() != 1 {
		t.Fatalf("expected 2 requests and 1 refresh, got %d and %d", requests.Load(), auth.calls.Load())
	}
	if !IsAuthFailure(err) {
		t.Fatalf("401 must classify as auth failure")
	}
}

func TestCallRefreshesNearExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			t.Errorf("request sent with %q", r.Header.Get("Authorization"))
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	creds := validCredentials("old")
	creds.ExpiresAt = time.Now().Add(2 * time.Minute)
	auth := &countingRefresher{next: "fresh"}
	client, _ := newTestClient(t, server.URL, creds, auth)

	if _, err := client.Call(context.Background(), http.MethodGet, "/anything", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if auth.calls.Load() != 1 {
		t.Fatalf("expected proactive refresh")
	}
}

func TestConcurrentUnauthorizedCoalesceRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	auth := &countingRefresher{next: "fresh", delay: 50 * time.Millisecond}
	client, _ := newTestClient(t, server.URL, validCredentials("expired"), auth)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.Call(context.Background(), http.MethodGet, "/rapi/mobile/v4.1/bike/42/state/", nil)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := auth.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
}

func TestRefreshFailureLeavesStoreUntouched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	rejected := &oauth.AuthError{Kind: oauth.AuthInvalidCredentials, Step: "refresh", Status: 401, Message: "invalid_grant"}
	client, store := newTestClient(t, server.URL, validCredentials("stale"), &countingRefresher{err: rejected})

	_, err := client.State(context.Background(), "42")
	if !errors.Is(err, rejected) {
		t.Fatalf("expected refresh error, got %v", err)
	}
	if !IsAuthFailure(err) {
		t.Fatalf("rejected refresh must classify as auth failure")
	}
	creds, ok := store.Get()
	if !ok || creds.AccessToken != "stale" {
		t.Fatalf("store mutated after failed refresh: %+v", creds)
	}
}

func TestCallNonSuccessIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"message":"maintenance"}`)
	}))
	defer server.Close()

	auth := &countingRefresher{}
	client, _ := newTestClient(t, server.URL, validCredentials("token"), auth)

	_, err := client.Position(context.Background(), "42")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Message != "maintenance" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
	if auth.calls.Load() != 0 {
		t.Fatalf("non-401 failures must not refresh")
	}
	if IsAuthFailure(err) {
		t.Fatalf("503 is not an auth failure")
	}
}

func TestCallWithoutCredentials(t *testing.T) {
	client := NewClient(oauth.NewStore(nil, nil), &countingRefresher{})
	if _, err := client.State(context.Background(), "42"); !errors.Is(err, oauth.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestBikes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rapi/mobile/v4.1/bike/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"data":[{"bikeid":4711,"nickname":"Commuter","biketype":"ST3","color":"black","bikenumber":"S123"},{"bikeid":815,"biketype":"ST5"}]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, validCredentials("token"), &countingRefresher{})
	bikes, err := client.Bikes(context.Background())
	if err != nil {
		t.Fatalf("Bikes: %v", err)
	}
	want := []BikeIdentity{
		{ID: "4711", Nickname: "Commuter", Model: "ST3", Color: "black", Serial: "S123"},
		{ID: "815", Nickname: "Stromer ST5", Model: "ST5"},
	}
	if len(bikes) != len(want) {
		t.Fatalf("expected %d bikes, got %d", len(want), len(bikes))
	}
	for i := range want {
		if bikes[i] != want[i] {
			t.Fatalf("bike %d: got %+v want %+v", i, bikes[i], want[i])
		}
	}
}

func TestBikesEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, validCredentials("token"), &countingRefresher{})
	if _, err := client.Bikes(context.Background()); !errors.Is(err, ErrNoBikes) {
		t.Fatalf("expected ErrNoBikes, got %v", err)
	}
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func TestCommandEncodingPerGeneration(t *testing.T) {
	cases := []struct {
		name       string
		generation oauth.Generation
		want       []recordedRequest
	}{
		{
			name:       "current",
			generation: oauth.GenerationV4,
			want: []recordedRequest{
				{http.MethodPost, "/rapi/mobile/v4.1/bike/42/lock/", `{"status":"locked"}`},
				{http.MethodPost, "/rapi/mobile/v4.1/bike/42/lock/", `{"status":"unlocked"}`},
				{http.MethodPost, "/rapi/mobile/v4.1/bike/42/light/", `{"mode":"flash"}`},
				{http.MethodPost, "/rapi/mobile/v4.1/bike/42/trip/reset/", `{}`},
			},
		},
		{
			name:       "legacy",
			generation: oauth.GenerationV3,
			want: []recordedRequest{
				{http.MethodPut, "/rapi/mobile/v2/bike/42/lock/", `{"lock":"true"}`},
				{http.MethodPut, "/rapi/mobile/v2/bike/42/lock/", `{"lock":"false"}`},
				{http.MethodPut, "/rapi/mobile/v2/bike/42/light/", `{"mode":"flash"}`},
				{http.MethodDelete, "/rapi/mobile/v2/bike/42/trip_data/", ``},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []recordedRequest
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				got = append(got, recordedRequest{r.Method, r.URL.Path, string(body)})
				w.WriteHeader(http.StatusNoContent)
			}))
			defer server.Close()

			creds := validCredentials("token")
			creds.Generation = tc.generation
			client, _ := newTestClient(t, server.URL, creds, &countingRefresher{})
			ctx := context.Background()

			if err := client.SetLock(ctx, "42", true); err != nil {
				t.Fatalf("lock: %v", err)
			}
			if err := client.SetLock(ctx, "42", false); err != nil {
				t.Fatalf("unlock: %v", err)
			}
			if err := client.SetLight(ctx, "42", LightFlash); err != nil {
				t.Fatalf("light: %v", err)
			}
			if err := client.ResetTrip(ctx, "42"); err != nil {
				t.Fatalf("reset: %v", err)
			}

			if len(got) != len(tc.want) {
				t.Fatalf("expected %d requests, got %d", len(tc.want), len(got))
			}
			for i := range tc.want {
				if !sameRequest(got[i], tc.want[i]) {
					t.Fatalf("request %d: got %+v want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func sameRequest(got, want recordedRequest) bool {
	if got.Method != want.Method || got.Path != want.Path {
		return false
	}
	if want.Body == "" {
		return got.Body == ""
	}
	var a, b any
	if json.Unmarshal([]byte(got.Body), &a) != nil || json.Unmarshal([]byte(want.Body), &b) != nil {
		return false
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}
