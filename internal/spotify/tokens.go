package spotify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
)

// TokenPair is a user's current Spotify credentials.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// StoredTokenPair reads the credentials held on user.
func StoredTokenPair(user *store.User) TokenPair {
	if user == nil {
		return TokenPair{}
	}
	pair := TokenPair{AccessToken: user.SpotifyAccessToken, RefreshToken: user.SpotifyRefreshToken}
	if user.SpotifyTokenExpiresAt != nil {
		pair.ExpiresAt = user.SpotifyTokenExpiresAt.UTC()
	}
	return pair
}

// IsValid reports whether the access token is still usable at now.
func (pair TokenPair) IsValid(now time.Time) bool {
	return pair.AccessToken != "" && now.UTC().Before(pair.ExpiresAt.UTC())
}

// TokenManagerConfig configures TokenManager.
type TokenManagerConfig struct {
	Users    store.UserStore
	Accounts AccountsClient
	Clock    Clock
	Logger   *zap.Logger
	Metrics  metrics.Recorder
}

// TokenManager keeps stored Spotify access tokens fresh.
type TokenManager struct {
	users    store.UserStore
	accounts AccountsClient
	clock    Clock
	logger   *zap.Logger
	recorder metrics.Recorder
}

// NewTokenManager builds a TokenManager.
func NewTokenManager(configuration TokenManagerConfig) *TokenManager {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{
		users:    configuration.Users,
		accounts: configuration.Accounts,
		clock:    orSystemClock(configuration.Clock),
		logger:   logger,
		recorder: metrics.OrNoop(configuration.Metrics),
	}
}

// IsValid reports whether the user's stored access token has not expired.
func (manager *TokenManager) IsValid(user *store.User) bool {
	return StoredTokenPair(user).IsValid(manager.clock.Now())
}

// Refresh runs the refresh grant and persists the result. On failure the user is left unchanged.
func (manager *TokenManager) Refresh(ctx context.Context, user *store.User) (TokenPair, error) {
	if user == nil || strings.TrimSpace(user.SpotifyRefreshToken) == "" {
		manager.recorder.Increment("spotify.token.refresh.failure")
		return TokenPair{}, fmt.Errorf("spotify.token.refresh: %w: no refresh token", ErrTokenRefreshFailed)
	}
	grant, err := manager.accounts.RefreshToken(ctx, user.SpotifyRefreshToken)
	if err != nil {
		manager.recorder.Increment("spotify.token.refresh.failure")
		fields := []zap.Field{
			zap.String("code", "spotify.token.refresh.failure"),
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		}
		if upstreamErr, ok := asUpstreamError(err); ok {
			fields = append(fields, zap.Int("status", upstreamErr.StatusCode), zap.String("body", upstreamErr.Body))
		}
		manager.logger.Warn("spotify token refresh failed", fields...)
		return TokenPair{}, fmt.Errorf("spotify.token.refresh: %w: %w", ErrTokenRefreshFailed, err)
	}

	updated := user.Clone()
	expiresAt := manager.clock.Now().UTC().Add(grant.ExpiresIn)
	updated.SpotifyAccessToken = grant.AccessToken
	updated.SpotifyTokenExpiresAt = &expiresAt
	if grant.RefreshToken != "" {
		updated.SpotifyRefreshToken = grant.RefreshToken
	}
	if err := manager.users.UpdateSpotifyFields(ctx, &updated); err != nil {
		manager.logger.Error("spotify token persist failed",
			zap.String("code", "spotify.token.persist.failure"),
			zap.Int64("user_id", user.ID),
			zap.Error(err),
		)
		return TokenPair{}, fmt.Errorf("spotify.token.refresh.persist: %w", err)
	}
	*user = updated
	manager.recorder.Increment("spotify.token.refresh.success")
	return StoredTokenPair(&updated), nil
}

// EnsureValid returns a usable access token, refreshing only when the stored one has expired.
func (manager *TokenManager) EnsureValid(ctx context.Context, user *store.User) (string, error) {
	if manager.IsValid(user) {
		return user.SpotifyAccessToken, nil
	}
	pair, err := manager.Refresh(ctx, user)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}
