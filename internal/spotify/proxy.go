package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
)

const (
	pathProfile        = "/me"
	pathPlaylists      = "/me/playlists"
	pathTopTracks      = "/me/top/tracks"
	pathTopArtists     = "/me/top/artists"
	pathRecentlyPlayed = "/me/player/recently-played"
)

// ProxyConfig configures Proxy.
type ProxyConfig struct {
	Users   store.UserStore
	Tokens  *TokenManager
	API     WebAPIClient
	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Proxy reads Spotify resources on behalf of a connected user.
type Proxy struct {
	users    store.UserStore
	tokens   *TokenManager
	api      WebAPIClient
	logger   *zap.Logger
	recorder metrics.Recorder
}

// NewProxy builds a Proxy.
func NewProxy(configuration ProxyConfig) *Proxy {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		users:    configuration.Users,
		tokens:   configuration.Tokens,
		api:      configuration.API,
		logger:   logger,
		recorder: metrics.OrNoop(configuration.Metrics),
	}
}

// Profile returns /me.
func (proxy *Proxy) Profile(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error) {
	return proxy.fetch(ctx, userID, pathProfile, params)
}

// Playlists returns /me/playlists.
func (proxy *Proxy) Playlists(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error) {
	return proxy.fetch(ctx, userID, pathPlaylists, params)
}

// TopTracks returns /me/top/tracks.
func (proxy *Proxy) TopTracks(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error) {
	return proxy.fetch(ctx, userID, pathTopTracks, params)
}

// TopArtists returns /me/top/artists.
func (proxy *Proxy) TopArtists(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error) {
	return proxy.fetch(ctx, userID, pathTopArtists, params)
}

// RecentlyPlayed returns /me/player/recently-played.
func (proxy *Proxy) RecentlyPlayed(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error) {
	return proxy.fetch(ctx, userID, pathRecentlyPlayed, params)
}

func (proxy *Proxy) fetch(ctx context.Context, userID int64, path string, params url.Values) (json.RawMessage, error) {
	user, err := proxy.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("spotify.proxy: %w", err)
	}
	if !user.SpotifyConnected {
		return nil, fmt.Errorf("spotify.proxy: %w", ErrNotConnected)
	}
	accessToken, err := proxy.tokens.EnsureValid(ctx, user)
	if err != nil {
		return nil, err
	}
	payload, err := proxy.api.Get(ctx, accessToken, path, params)
	if err != nil {
		proxy.recorder.Increment("spotify.proxy.failure")
		fields := []zap.Field{
			zap.String("code", "spotify.proxy.failure"),
			zap.String("path", path),
			zap.Int64("user_id", userID),
			zap.Error(err),
		}
		if upstreamErr, ok := asUpstreamError(err); ok {
			fields = append(fields, zap.Int("status", upstreamErr.StatusCode), zap.String("body", upstreamErr.Body))
		}
		proxy.logger.Warn("spotify proxy request failed", fields...)
		return nil, err
	}
	proxy.recorder.Increment("spotify.proxy.success")
	return payload, nil
}
