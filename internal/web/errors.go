package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/accounts"
	"github.com/tyemirov/nownoise/internal/spotify"
	"github.com/tyemirov/nownoise/internal/store"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: accounts.ErrInvalidCredentials, status: http.StatusUnauthorized, code: "invalid_credentials"},
	{target: accounts.ErrUsernameTaken, status: http.StatusBadRequest, code: "username_taken"},
	{target: accounts.ErrEmailTaken, status: http.StatusBadRequest, code: "email_taken"},
	{target: store.ErrDuplicateUser, status: http.StatusBadRequest, code: "duplicate_user"},
	{target: store.ErrUserNotFound, status: http.StatusNotFound, code: "user_not_found"},
	{target: spotify.ErrValidation, status: http.StatusBadRequest, code: "invalid_request"},
	{target: spotify.ErrStateInvalid, status: http.StatusBadRequest, code: "state_invalid"},
	{target: spotify.ErrNotConnected, status: http.StatusBadRequest, code: "spotify_not_connected"},
	{target: spotify.ErrTokenRefreshFailed, status: http.StatusUnauthorized, code: "spotify_token_refresh_failed"},
	{target: spotify.ErrUpstream, status: http.StatusInternalServerError, code: "spotify_upstream_error"},
	{target: spotify.ErrNetwork, status: http.StatusInternalServerError, code: "spotify_network_error"},
}

// respondError maps domain errors to a status and a stable error code.
func respondError(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	var validationErr *accounts.ValidationError
	if errors.As(err, &validationErr) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validationErr.Code})
		return
	}
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			if mapping.status >= http.StatusInternalServerError {
				logger.Error("request failed",
					zap.String("code", operation+".failed"),
					zap.Error(err))
			}
			contextGin.AbortWithStatusJSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}
	logger.Error("unexpected request failure",
		zap.String("code", operation+".internal_error"),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func abortInvalidJSON(contextGin *gin.Context) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
}
