package spotify

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed request or callback.
	ErrValidation = errors.New("spotify.validation")
	// ErrAuthorizationDenied indicates Spotify redirected back with an error parameter.
	ErrAuthorizationDenied = errors.New("spotify.authorization_denied")
	// ErrStateInvalid indicates an expired, used, or mismatched CSRF state. A fresh authorize request is required.
	ErrStateInvalid = errors.New("spotify.state_invalid")
	// ErrUpstream indicates Spotify answered with a non-200 status.
	ErrUpstream = errors.New("spotify.upstream_error")
	// ErrNetwork indicates no definitive answer was received from Spotify.
	ErrNetwork = errors.New("spotify.network_error")
	// ErrTokenRefreshFailed indicates the refresh grant failed; the user must authorize again.
	ErrTokenRefreshFailed = errors.New("spotify.token_refresh_failed")
	// ErrNotConnected indicates the user has no linked Spotify account.
	ErrNotConnected = errors.New("spotify.not_connected")
	// ErrProfileFetchFailed marks a callback that stored tokens but could not load the Spotify profile.
	ErrProfileFetchFailed = errors.New("spotify.profile_fetch_failed")
	// ErrMissingClientConfig indicates client id, secret, or redirect URI is empty.
	ErrMissingClientConfig = errors.New("spotify.missing_client_config")
)

// UpstreamError reports a non-200 Spotify response. Body is kept for logging only.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (upstreamErr *UpstreamError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", upstreamErr.Operation, upstreamErr.StatusCode, ErrUpstream.Error())
}

func (upstreamErr *UpstreamError) Unwrap() error {
	return ErrUpstream
}

const maxLoggedBodyBytes = 512

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBodyBytes {
		return string(body[:maxLoggedBodyBytes])
	}
	return string(body)
}

func asUpstreamError(err error) (*UpstreamError, bool) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr, true
	}
	return nil, false
}
