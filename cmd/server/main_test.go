package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigReportsInvalidFields(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "missing client id",
			mutate:          func() { viper.Set("spotify_client_id", "") },
			expectedMessage: "config.missing_spotify_client_id: spotify_client_id must be provided",
		},
		{
			name:            "missing client secret",
			mutate:          func() { viper.Set("spotify_client_secret", " ") },
			expectedMessage: "config.missing_spotify_client_secret: spotify_client_secret must be provided",
		},
		{
			name:            "missing redirect uri",
			mutate:          func() { viper.Set("spotify_redirect_uri", "") },
			expectedMessage: "config.missing_spotify_redirect_uri: spotify_redirect_uri must be provided",
		},
		{
			name:            "relative redirect uri",
			mutate:          func() { viper.Set("spotify_redirect_uri", "/spotify/callback") },
			expectedMessage: "config.invalid_spotify_redirect_uri: spotify_redirect_uri must be an absolute URL",
		},
		{
			name:            "missing signing key",
			mutate:          func() { viper.Set("session_signing_key", "") },
			expectedMessage: "config.missing_session_signing_key: session_signing_key must be provided",
		},
		{
			name:            "non-positive session ttl",
			mutate:          func() { viper.Set("session_ttl", 0) },
			expectedMessage: "config.invalid_session_ttl: session_ttl must be greater than zero",
		},
		{
			name:            "non-positive state ttl",
			mutate:          func() { viper.Set("state_ttl", -time.Second) },
			expectedMessage: "config.invalid_state_ttl: state_ttl must be greater than zero",
		},
		{
			name:            "non-positive spotify timeout",
			mutate:          func() { viper.Set("spotify_timeout", 0) },
			expectedMessage: "config.invalid_spotify_timeout: spotify_timeout must be greater than zero",
		},
		{
			name:            "bcrypt cost out of range",
			mutate:          func() { viper.Set("bcrypt_cost", 2) },
			expectedMessage: "config.invalid_bcrypt_cost: bcrypt_cost must be between 4 and 31",
		},
		{
			name:            "negative rate limit",
			mutate:          func() { viper.Set("auth_rate_limit", -1) },
			expectedMessage: "config.invalid_auth_rate_limit: auth_rate_limit must not be negative",
		},
		{
			name:            "cors without origins",
			mutate:          func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setValidConfig("http://127.0.0.1:1")
			testCase.mutate()

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestServerConfigLogFieldsOmitSecrets(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfig("http://127.0.0.1:1")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	for _, field := range config.LogFields() {
		if strings.Contains(field.String, "client-secret") || strings.Contains(field.String, "signing-secret") {
			t.Fatalf("log field %s leaks a secret", field.Key)
		}
		if strings.Contains(field.Key, "secret") || strings.Contains(field.Key, "signing_key") {
			t.Fatalf("log field %s names a secret", field.Key)
		}
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig("http://127.0.0.1:1")
	viper.Set("listen_addr", ":0")
	viper.Set("cookie_domain", "localhost")
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "nownoise.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:8081"})
	viper.Set("enable_metrics", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig("http://127.0.0.1:1")
	viper.Set("listen_addr", ":0")
	viper.Set("dev_insecure_http", true)
	viper.Set("enable_cors", true)
	viper.Set("cors_allow_lan", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if !config.CORSAllowLAN || len(config.CORSAllowedOrigins) != 0 {
		t.Fatalf("expected lan-only cors configuration, got %+v", config.CORSAllowedOrigins)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory store, got %v", err)
	}
}

func TestRunServerReportsListenFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	restoreLogger := withNopLogger()
	defer restoreLogger()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return errors.New("address in use")
	})
	defer restoreServe()

	setValidConfig("http://127.0.0.1:1")
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err == nil || err.Error() != "listen error: address in use" {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestBuildRouterRejectsUnsupportedDatabase(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfig("http://127.0.0.1:1")
	viper.Set("database_url", "mysql://localhost/nownoise")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if _, _, buildErr := buildRouter(context.Background(), config, zap.NewNop()); buildErr == nil {
		t.Fatalf("expected unsupported database error")
	}
}

func TestBuildRouterServesAccountsMetricsAndSpotify(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig("https://accounts.example.test")
	viper.Set("enable_metrics", true)
	viper.Set("spotify_require_session", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	router, closeStore, buildErr := buildRouter(context.Background(), config, zap.NewNop())
	if buildErr != nil {
		t.Fatalf("buildRouter failed: %v", buildErr)
	}
	defer closeStore()

	health := performRequest(router, http.MethodGet, "/api/health", "", "")
	if health.Code != http.StatusOK {
		t.Fatalf("expected healthy response, got %d", health.Code)
	}

	signup := performRequest(router, http.MethodPost, "/api/signup", `{"username":"nightowl","email":"owl@example.com","password":"hunter22"}`, "")
	if signup.Code != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d: %s", signup.Code, signup.Body.String())
	}
	var signupPayload struct {
		SessionToken string `json:"session_token"`
		User         struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	if decodeErr := json.Unmarshal(signup.Body.Bytes(), &signupPayload); decodeErr != nil {
		t.Fatalf("decode signup: %v", decodeErr)
	}
	if signupPayload.SessionToken == "" || signupPayload.User.ID == 0 {
		t.Fatalf("expected session token and user id, got %s", signup.Body.String())
	}

	me := performRequest(router, http.MethodGet, "/api/users/me", "", signupPayload.SessionToken)
	if me.Code != http.StatusOK || !strings.Contains(me.Body.String(), "nightowl") {
		t.Fatalf("expected profile for session, got %d: %s", me.Code, me.Body.String())
	}

	anonymousAuthURL := performRequest(router, http.MethodPost, "/spotify/auth-url", `{"user_id":1}`, "")
	if anonymousAuthURL.Code != http.StatusUnauthorized {
		t.Fatalf("expected spotify routes to require a session, got %d", anonymousAuthURL.Code)
	}

	authURL := performRequest(router, http.MethodPost, "/spotify/auth-url", "", signupPayload.SessionToken)
	if authURL.Code != http.StatusOK {
		t.Fatalf("expected auth url, got %d: %s", authURL.Code, authURL.Body.String())
	}
	var authPayload struct {
		AuthURL string `json:"auth_url"`
	}
	if decodeErr := json.Unmarshal(authURL.Body.Bytes(), &authPayload); decodeErr != nil {
		t.Fatalf("decode auth url: %v", decodeErr)
	}
	if !strings.HasPrefix(authPayload.AuthURL, "https://accounts.example.test/authorize?") || !strings.Contains(authPayload.AuthURL, "client_id=client-id") {
		t.Fatalf("unexpected auth url %q", authPayload.AuthURL)
	}

	metricsResponse := performRequest(router, http.MethodGet, "/metrics", "", "")
	if metricsResponse.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", metricsResponse.Code)
	}
	for _, expected := range []string{
		`nownoise_events_total{event="accounts.signup.success"} 1`,
		`nownoise_events_total{event="spotify.state.issued"} 1`,
	} {
		if !strings.Contains(metricsResponse.Body.String(), expected) {
			t.Fatalf("expected metrics to contain %q, got:\n%s", expected, metricsResponse.Body.String())
		}
	}
}

func TestBuildRouterWithoutMetricsHidesEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig("http://127.0.0.1:1")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	router, closeStore, buildErr := buildRouter(context.Background(), config, zap.NewNop())
	if buildErr != nil {
		t.Fatalf("buildRouter failed: %v", buildErr)
	}
	defer closeStore()

	if response := performRequest(router, http.MethodGet, "/metrics", "", ""); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", response.Code)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func setValidConfig(accountsURL string) {
	viper.Set("spotify_client_id", "client-id")
	viper.Set("spotify_client_secret", "client-secret")
	viper.Set("spotify_redirect_uri", "http://localhost:5000/spotify/callback")
	viper.Set("spotify_accounts_url", accountsURL)
	viper.Set("spotify_api_url", accountsURL)
	viper.Set("spotify_timeout", time.Second)
	viper.Set("session_signing_key", "signing-secret")
	viper.Set("session_ttl", time.Hour)
	viper.Set("state_ttl", time.Minute)
	viper.Set("bcrypt_cost", 4)
}

func performRequest(router http.Handler, method string, path string, body string, sessionToken string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		request.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withNopLogger() func() {
	previous := buildLogger
	buildLogger = func() (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	return func() {
		buildLogger = previous
	}
}
