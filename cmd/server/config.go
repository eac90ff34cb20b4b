package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionIssuer = "nownoise"

	configCodeMissingSpotifyClientID     = "config.missing_spotify_client_id"
	configCodeMissingSpotifyClientSecret = "config.missing_spotify_client_secret"
	configCodeMissingSpotifyRedirectURI  = "config.missing_spotify_redirect_uri"
	configCodeInvalidSpotifyRedirectURI  = "config.invalid_spotify_redirect_uri"
	configCodeMissingSessionSigningKey   = "config.missing_session_signing_key"
	configCodeInvalidSessionTTL          = "config.invalid_session_ttl"
	configCodeInvalidStateTTL            = "config.invalid_state_ttl"
	configCodeInvalidSpotifyTimeout      = "config.invalid_spotify_timeout"
	configCodeInvalidBcryptCost          = "config.invalid_bcrypt_cost"
	configCodeInvalidAuthRateLimit       = "config.invalid_auth_rate_limit"
	configCodeMissingCORSOrigins         = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf    = "config.uninitialized_server_config"
)

// ServerConfig is the validated runtime configuration.
type ServerConfig struct {
	ListenAddr        string
	DatabaseURL       string
	SessionSigningKey []byte
	SessionTTL        time.Duration
	CookieDomain      string

	StateTTL              time.Duration
	SpotifyClientID       string
	SpotifyClientSecret   string
	SpotifyRedirectURI    string
	SpotifyAccountsURL    string
	SpotifyAPIURL         string
	SpotifyTimeout        time.Duration
	SpotifySuccessURL     string
	SpotifyErrorURL       string
	SpotifyRequireSession bool

	EnableCORS         bool
	CORSAllowedOrigins []string
	CORSAllowLAN       bool
	AuthRateLimit      int
	EnableMetrics      bool
	DevInsecureHTTP    bool
	BcryptCost         int
}

// LogFields describes the configuration without secrets.
func (config ServerConfig) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("listen_addr", config.ListenAddr),
		zap.Bool("persistent_store", config.DatabaseURL != ""),
		zap.Duration("session_ttl", config.SessionTTL),
		zap.Duration("state_ttl", config.StateTTL),
		zap.String("spotify_client_id", config.SpotifyClientID),
		zap.String("spotify_redirect_uri", config.SpotifyRedirectURI),
		zap.Duration("spotify_timeout", config.SpotifyTimeout),
		zap.Bool("spotify_require_session", config.SpotifyRequireSession),
		zap.Bool("enable_cors", config.EnableCORS),
		zap.Bool("cors_allow_lan", config.CORSAllowLAN),
		zap.Int("auth_rate_limit", config.AuthRateLimit),
		zap.Bool("enable_metrics", config.EnableMetrics),
		zap.Bool("dev_insecure_http", config.DevInsecureHTTP),
	}
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates configuration from viper.
func LoadServerConfig() (ServerConfig, error) {
	spotifyClientID := strings.TrimSpace(viper.GetString("spotify_client_id"))
	if spotifyClientID == "" {
		return ServerConfig{}, configError(configCodeMissingSpotifyClientID, "spotify_client_id must be provided")
	}
	spotifyClientSecret := strings.TrimSpace(viper.GetString("spotify_client_secret"))
	if spotifyClientSecret == "" {
		return ServerConfig{}, configError(configCodeMissingSpotifyClientSecret, "spotify_client_secret must be provided")
	}
	spotifyRedirectURI := strings.TrimSpace(viper.GetString("spotify_redirect_uri"))
	if spotifyRedirectURI == "" {
		return ServerConfig{}, configError(configCodeMissingSpotifyRedirectURI, "spotify_redirect_uri must be provided")
	}
	if parsed, parseErr := url.Parse(spotifyRedirectURI); parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ServerConfig{}, configError(configCodeInvalidSpotifyRedirectURI, "spotify_redirect_uri must be an absolute URL")
	}
	sessionSigningKey := viper.GetString("session_signing_key")
	if sessionSigningKey == "" {
		return ServerConfig{}, configError(configCodeMissingSessionSigningKey, "session_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	stateTTL := viper.GetDuration("state_ttl")
	if stateTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}
	spotifyTimeout := viper.GetDuration("spotify_timeout")
	if spotifyTimeout <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSpotifyTimeout, "spotify_timeout must be greater than zero")
	}
	bcryptCost := viper.GetInt("bcrypt_cost")
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return ServerConfig{}, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	authRateLimit := viper.GetInt("auth_rate_limit")
	if authRateLimit < 0 {
		return ServerConfig{}, configError(configCodeInvalidAuthRateLimit, "auth_rate_limit must not be negative")
	}
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	corsAllowLAN := viper.GetBool("cors_allow_lan")
	if enableCORS && len(corsAllowedOrigins) == 0 && !corsAllowLAN {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	return ServerConfig{
		ListenAddr:            viper.GetString("listen_addr"),
		DatabaseURL:           strings.TrimSpace(viper.GetString("database_url")),
		SessionSigningKey:     []byte(sessionSigningKey),
		SessionTTL:            sessionTTL,
		CookieDomain:          viper.GetString("cookie_domain"),
		StateTTL:              stateTTL,
		SpotifyClientID:       spotifyClientID,
		SpotifyClientSecret:   spotifyClientSecret,
		SpotifyRedirectURI:    spotifyRedirectURI,
		SpotifyAccountsURL:    viper.GetString("spotify_accounts_url"),
		SpotifyAPIURL:         viper.GetString("spotify_api_url"),
		SpotifyTimeout:        spotifyTimeout,
		SpotifySuccessURL:     viper.GetString("spotify_success_url"),
		SpotifyErrorURL:       viper.GetString("spotify_error_url"),
		SpotifyRequireSession: viper.GetBool("spotify_require_session"),
		EnableCORS:            enableCORS,
		CORSAllowedOrigins:    corsAllowedOrigins,
		CORSAllowLAN:          corsAllowLAN,
		AuthRateLimit:         authRateLimit,
		EnableMetrics:         viper.GetBool("enable_metrics"),
		DevInsecureHTTP:       viper.GetBool("dev_insecure_http"),
		BcryptCost:            bcryptCost,
	}, nil
}
