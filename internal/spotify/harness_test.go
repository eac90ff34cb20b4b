package spotify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
)

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
	testRedirectURL  = "http://localhost:8080/spotify/callback"
)

type backingStore interface {
	store.UserStore
	store.StateStore
}

type testClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type recordedAPIRequest struct {
	Path          string
	Query         url.Values
	Authorization string
}

type fakeSpotify struct {
	mutex         sync.Mutex
	server        *httptest.Server
	tokenStatus   int
	apiStatus     int
	rotateRefresh bool
	profileID     string
	tokenForms    []url.Values
	tokenAuth     []string
	apiRequests   []recordedAPIRequest
}

func newFakeSpotify(t *testing.T) *fakeSpotify {
	t.Helper()
	fake := &fakeSpotify{profileID: "spotify-user-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token", fake.handleToken)
	mux.HandleFunc("/v1/", fake.handleAPI)
	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (fake *fakeSpotify) handleToken(responseWriter http.ResponseWriter, request *http.Request) {
	clientID, clientSecret, _ := request.BasicAuth()
	_ = request.ParseForm()

	fake.mutex.Lock()
	fake.tokenForms = append(fake.tokenForms, request.PostForm)
	fake.tokenAuth = append(fake.tokenAuth, clientID+":"+clientSecret)
	status := fake.tokenStatus
	rotate := fake.rotateRefresh
	fake.mutex.Unlock()

	responseWriter.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		responseWriter.WriteHeader(status)
		_, _ = io.WriteString(responseWriter, `{"error":"invalid_grant","error_description":"Refresh token revoked"}`)
		return
	}
	response := map[string]any{
		"token_type": "Bearer",
		"expires_in": 3600,
		"scope":      strings.Join(Scopes, " "),
	}
	switch request.PostForm.Get("grant_type") {
	case "authorization_code":
		code := request.PostForm.Get("code")
		response["access_token"] = "access-" + code
		response["refresh_token"] = "refresh-" + code
	case "refresh_token":
		response["access_token"] = "access-refreshed"
		if rotate {
			response["refresh_token"] = "refresh-rotated"
		}
	default:
		responseWriter.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(responseWriter, `{"error":"unsupported_grant_type"}`)
		return
	}
	_ = json.NewEncoder(responseWriter).Encode(response)
}

func (fake *fakeSpotify) handleAPI(responseWriter http.ResponseWriter, request *http.Request) {
	fake.mutex.Lock()
	fake.apiRequests = append(fake.apiRequests, recordedAPIRequest{
		Path:          request.URL.Path,
		Query:         request.URL.Query(),
		Authorization: request.Header.Get("Authorization"),
	})
	status := fake.apiStatus
	profileID := fake.profileID
	fake.mutex.Unlock()

	responseWriter.Header().Set("Content-Type", "application/json")
	if status != 0 && status != http.StatusOK {
		responseWriter.WriteHeader(status)
		_, _ = io.WriteString(responseWriter, `{"error":{"status":503,"message":"upstream detail"}}`)
		return
	}
	if request.URL.Path == "/v1/me" {
		_ = json.NewEncoder(responseWriter).Encode(map[string]any{
			"id":           profileID,
			"display_name": "Night Listener",
			"email":        "listener@example.com",
			"images":       []map[string]any{{"url": "https://i.scdn.co/image/abc"}},
		})
		return
	}
	_ = json.NewEncoder(responseWriter).Encode(map[string]any{"items": []any{}, "href": request.URL.Path})
}

func (fake *fakeSpotify) setTokenStatus(status int) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.tokenStatus = status
}

func (fake *fakeSpotify) setAPIStatus(status int) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.apiStatus = status
}

func (fake *fakeSpotify) setRotateRefresh(rotate bool) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.rotateRefresh = rotate
}

func (fake *fakeSpotify) tokenCalls() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return len(fake.tokenForms)
}

func (fake *fakeSpotify) apiCalls() []recordedAPIRequest {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]recordedAPIRequest(nil), fake.apiRequests...)
}

type testHarness struct {
	users    backingStore
	fake     *fakeSpotify
	client   *Client
	clock    *testClock
	recorder *metrics.CounterMetrics
	states   *StateManager
	tokens   *TokenManager
	flow     *Flow
	proxy    *Proxy
}

func newTestHarness(t *testing.T, backing backingStore) *testHarness {
	t.Helper()
	fake := newFakeSpotify(t)
	client, err := NewClient(ClientConfig{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURL,
		AccountsURL:  fake.server.URL,
		APIURL:       fake.server.URL + "/v1",
		Timeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	logger := zaptest.NewLogger(t)
	clock := newTestClock()
	recorder := metrics.NewCounterMetrics()
	states := NewStateManager(StateManagerConfig{States: backing, Clock: clock, Logger: logger, Metrics: recorder})
	tokens := NewTokenManager(TokenManagerConfig{Users: backing, Accounts: client, Clock: clock, Logger: logger, Metrics: recorder})
	return &testHarness{
		users:    backing,
		fake:     fake,
		client:   client,
		clock:    clock,
		recorder: recorder,
		states:   states,
		tokens:   tokens,
		flow: NewFlow(FlowConfig{
			Users:    backing,
			States:   states,
			Accounts: client,
			API:      client,
			Clock:    clock,
			Logger:   logger,
			Metrics:  recorder,
		}),
		proxy: NewProxy(ProxyConfig{Users: backing, Tokens: tokens, API: client, Logger: logger, Metrics: recorder}),
	}
}

func newMemoryHarness(t *testing.T) (*testHarness, *store.MemoryStore) {
	t.Helper()
	memoryStore := store.NewMemoryStore()
	return newTestHarness(t, memoryStore), memoryStore
}

func backingCases() []struct {
	name    string
	backing func(t *testing.T) backingStore
} {
	return []struct {
		name    string
		backing func(t *testing.T) backingStore
	}{
		{
			name: "memory",
			backing: func(t *testing.T) backingStore {
				t.Helper()
				return store.NewMemoryStore()
			},
		},
		{
			name: "sqlite",
			backing: func(t *testing.T) backingStore {
				t.Helper()
				databaseStore, err := store.OpenDatabaseStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "spotify.db"))
				if err != nil {
					t.Fatalf("failed to open sqlite store: %v", err)
				}
				return databaseStore
			},
		},
	}
}

func (harness *testHarness) createUser(t *testing.T, username string) *store.User {
	t.Helper()
	user := &store.User{Username: username, Email: username + "@example.com", PasswordHash: "hash"}
	if err := harness.users.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

// connectUser stores live Spotify credentials for userID that expire after lifetime.
func (harness *testHarness) connectUser(t *testing.T, userID int64, lifetime time.Duration) *store.User {
	t.Helper()
	user, err := harness.users.FindUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	expiresAt := harness.clock.Now().Add(lifetime)
	user.SpotifyAccessToken = "access-stored"
	user.SpotifyRefreshToken = "refresh-stored"
	user.SpotifyTokenExpiresAt = &expiresAt
	user.SpotifyConnected = true
	if err := harness.users.UpdateSpotifyFields(context.Background(), user); err != nil {
		t.Fatalf("failed to save user: %v", err)
	}
	return user
}

func (harness *testHarness) reload(t *testing.T, userID int64) *store.User {
	t.Helper()
	user, err := harness.users.FindUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	return user
}
