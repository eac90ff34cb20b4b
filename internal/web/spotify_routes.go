package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/spotify"
	"github.com/tyemirov/nownoise/pkg/sessionvalidator"
)

// Redirect targets used when SpotifyRoutesConfig leaves them empty.
const (
	DefaultSpotifySuccessURL = "nownoise://spotify-success"
	DefaultSpotifyErrorURL   = "nownoise://spotify-error"
)

// SpotifyRoutesConfig wires the Spotify handlers.
type SpotifyRoutesConfig struct {
	Flow       *spotify.Flow
	Proxy      *spotify.Proxy
	SuccessURL string
	ErrorURL   string
	// Validator, when set, requires a session on every POST route and binds user_id to it.
	Validator *sessionvalidator.Validator
	Logger    *zap.Logger
}

// userIDField accepts a JSON number or a numeric string.
type userIDField int64

func (field *userIDField) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if trimmed == "" || trimmed == "null" {
		*field = 0
		return nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return fmt.Errorf("web.user_id: %w", err)
	}
	*field = userIDField(value)
	return nil
}

type spotifyRequest struct {
	UserID    userIDField `json:"user_id"`
	Limit     *int        `json:"limit"`
	Offset    *int        `json:"offset"`
	TimeRange string      `json:"time_range"`
	Before    *int64      `json:"before"`
	After     *int64      `json:"after"`
}

func (inbound spotifyRequest) noParams() url.Values {
	return nil
}

func (inbound spotifyRequest) pageParams() url.Values {
	params := url.Values{}
	if inbound.Limit != nil {
		params.Set("limit", strconv.Itoa(*inbound.Limit))
	}
	if inbound.Offset != nil {
		params.Set("offset", strconv.Itoa(*inbound.Offset))
	}
	return params
}

func (inbound spotifyRequest) topParams() url.Values {
	params := inbound.pageParams()
	if strings.TrimSpace(inbound.TimeRange) != "" {
		params.Set("time_range", strings.TrimSpace(inbound.TimeRange))
	}
	return params
}

func (inbound spotifyRequest) historyParams() url.Values {
	params := url.Values{}
	if inbound.Limit != nil {
		params.Set("limit", strconv.Itoa(*inbound.Limit))
	}
	if inbound.Before != nil {
		params.Set("before", strconv.FormatInt(*inbound.Before, 10))
	}
	if inbound.After != nil {
		params.Set("after", strconv.FormatInt(*inbound.After, 10))
	}
	return params
}

type proxyEndpoint struct {
	path        string
	responseKey string
	fetch       func(ctx context.Context, userID int64, params url.Values) (json.RawMessage, error)
	params      func(spotifyRequest) url.Values
}

// MountSpotifyRoutes registers the callback plus the authorization and proxy POST routes at both /spotify and /api/spotify.
func MountSpotifyRoutes(router gin.IRouter, configuration SpotifyRoutesConfig) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if configuration.Flow == nil || configuration.Proxy == nil {
		panic("spotify routes require a flow and a proxy")
	}
	if strings.TrimSpace(configuration.SuccessURL) == "" {
		configuration.SuccessURL = DefaultSpotifySuccessURL
	}
	if strings.TrimSpace(configuration.ErrorURL) == "" {
		configuration.ErrorURL = DefaultSpotifyErrorURL
	}
	flow := configuration.Flow

	router.GET("/spotify/callback", func(contextGin *gin.Context) {
		result := flow.HandleCallback(contextGin.Request.Context(), contextGin.Request.URL.Query())
		if result.Outcome == spotify.OutcomeConnected {
			contextGin.Redirect(http.StatusFound, configuration.SuccessURL)
			return
		}
		contextGin.Redirect(http.StatusFound, withReason(configuration.ErrorURL, result.Reason()))
	})

	// The mobile client addresses every POST route below its /api base URL.
	for _, prefix := range spotifyRoutePrefixes {
		mountSpotifyActions(router.Group(prefix), configuration, logger)
	}
}

var spotifyRoutePrefixes = []string{"", "/api"}

func mountSpotifyActions(router gin.IRouter, configuration SpotifyRoutesConfig, logger *zap.Logger) {
	flow := configuration.Flow
	proxy := configuration.Proxy

	router.POST("/spotify/auth-url", func(contextGin *gin.Context) {
		inbound, ok := bindSpotifyRequest(contextGin)
		if !ok {
			return
		}
		userID, ok := resolveSpotifyUser(contextGin, configuration, inbound)
		if !ok {
			return
		}
		result, err := flow.BuildAuthorizeURL(contextGin.Request.Context(), userID)
		if err != nil {
			respondError(contextGin, logger, "spotify.auth_url", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"auth_url": result.URL, "state": result.State})
	})

	router.POST("/spotify/disconnect", func(contextGin *gin.Context) {
		inbound, ok := bindSpotifyRequest(contextGin)
		if !ok {
			return
		}
		userID, ok := resolveSpotifyUser(contextGin, configuration, inbound)
		if !ok {
			return
		}
		if err := flow.Disconnect(contextGin.Request.Context(), userID); err != nil {
			respondError(contextGin, logger, "spotify.disconnect", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Spotify disconnected"})
	})

	endpoints := []proxyEndpoint{
		{path: "/spotify/user-data", responseKey: "spotify_data", fetch: proxy.Profile, params: spotifyRequest.noParams},
		{path: "/spotify/playlists", responseKey: "playlists", fetch: proxy.Playlists, params: spotifyRequest.pageParams},
		{path: "/spotify/top-tracks", responseKey: "top_tracks", fetch: proxy.TopTracks, params: spotifyRequest.topParams},
		{path: "/spotify/top-artists", responseKey: "top_artists", fetch: proxy.TopArtists, params: spotifyRequest.topParams},
		{path: "/spotify/recently-played", responseKey: "recently_played", fetch: proxy.RecentlyPlayed, params: spotifyRequest.historyParams},
	}
	for _, endpoint := range endpoints {
		endpoint := endpoint
		router.POST(endpoint.path, func(contextGin *gin.Context) {
			inbound, ok := bindSpotifyRequest(contextGin)
			if !ok {
				return
			}
			userID, ok := resolveSpotifyUser(contextGin, configuration, inbound)
			if !ok {
				return
			}
			payload, err := endpoint.fetch(contextGin.Request.Context(), userID, endpoint.params(inbound))
			if err != nil {
				respondError(contextGin, logger, "spotify.proxy", err)
				return
			}
			contextGin.JSON(http.StatusOK, gin.H{endpoint.responseKey: payload})
		})
	}
}

func bindSpotifyRequest(contextGin *gin.Context) (spotifyRequest, bool) {
	var inbound spotifyRequest
	if contextGin.Request.ContentLength == 0 {
		return inbound, true
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortInvalidJSON(contextGin)
		return spotifyRequest{}, false
	}
	return inbound, true
}

// resolveSpotifyUser picks the acting user from the body, or from the session when one is required.
func resolveSpotifyUser(contextGin *gin.Context, configuration SpotifyRoutesConfig, inbound spotifyRequest) (int64, bool) {
	bodyUserID := int64(inbound.UserID)
	if configuration.Validator == nil {
		if bodyUserID <= 0 {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_user_id"})
			return 0, false
		}
		return bodyUserID, true
	}
	claims, err := configuration.Validator.ValidateRequest(contextGin.Request)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	claimedUserID, parseErr := strconv.ParseInt(claims.GetUserID(), 10, 64)
	if parseErr != nil || claimedUserID <= 0 {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	if bodyUserID != 0 && bodyUserID != claimedUserID {
		contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_mismatch"})
		return 0, false
	}
	return claimedUserID, true
}

func withReason(target string, reason string) string {
	if reason == "" {
		return target
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	query := parsed.Query()
	query.Set("reason", reason)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
