package spotify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
)

// Outcome is the terminal result of a callback.
type Outcome string

const (
	OutcomeConnected          Outcome = "connected"
	OutcomeProfileFetchFailed Outcome = "profile_fetch_failed"
	OutcomeError              Outcome = "error"
)

// AuthorizeResult carries the consent URL and the raw state token embedded in it.
type AuthorizeResult struct {
	URL   string
	State string
}

// CallbackResult describes how a callback ended. Err is set for every outcome except connected.
type CallbackResult struct {
	Outcome Outcome
	UserID  int64
	Err     error
}

// Reason is the redirect query value for non-connected outcomes.
func (result CallbackResult) Reason() string {
	switch result.Outcome {
	case OutcomeProfileFetchFailed:
		return "user_data_failed"
	case OutcomeError:
		return "callback_error"
	default:
		return ""
	}
}

// FlowConfig configures Flow.
type FlowConfig struct {
	Users    store.UserStore
	States   *StateManager
	Accounts AccountsClient
	API      WebAPIClient
	Clock    Clock
	Logger   *zap.Logger
	Metrics  metrics.Recorder
}

// Flow drives the authorization code grant for a local user.
type Flow struct {
	users    store.UserStore
	states   *StateManager
	accounts AccountsClient
	api      WebAPIClient
	clock    Clock
	logger   *zap.Logger
	recorder metrics.Recorder
}

// NewFlow builds a Flow.
func NewFlow(configuration FlowConfig) *Flow {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		users:    configuration.Users,
		states:   configuration.States,
		accounts: configuration.Accounts,
		api:      configuration.API,
		clock:    orSystemClock(configuration.Clock),
		logger:   logger,
		recorder: metrics.OrNoop(configuration.Metrics),
	}
}

// BuildAuthorizeURL issues a fresh state for the user and returns the consent URL.
func (flow *Flow) BuildAuthorizeURL(ctx context.Context, userID int64) (AuthorizeResult, error) {
	if _, err := flow.users.FindUserByID(ctx, userID); err != nil {
		return AuthorizeResult{}, fmt.Errorf("spotify.authorize: %w", err)
	}
	token, err := flow.states.Issue(ctx, userID)
	if err != nil {
		return AuthorizeResult{}, err
	}
	flow.recorder.Increment("spotify.authorize.url")
	return AuthorizeResult{
		URL:   flow.accounts.AuthorizeURL(ComposeState(userID, token)),
		State: token,
	}, nil
}

// HandleCallback validates the redirect, exchanges the code, and links the Spotify account.
func (flow *Flow) HandleCallback(ctx context.Context, query url.Values) CallbackResult {
	if providerError := strings.TrimSpace(query.Get("error")); providerError != "" {
		return flow.fail(0, "spotify.callback.denied", fmt.Errorf("spotify.callback: %w: %s", ErrAuthorizationDenied, providerError))
	}
	code := strings.TrimSpace(query.Get("code"))
	rawState := strings.TrimSpace(query.Get("state"))
	if code == "" || rawState == "" {
		return flow.fail(0, "spotify.callback.missing_params", fmt.Errorf("spotify.callback: %w: code and state required", ErrValidation))
	}
	userID, stateToken, parseErr := ParseState(rawState)
	if parseErr != nil {
		return flow.fail(0, "spotify.callback.malformed_state", parseErr)
	}

	user, findErr := flow.users.FindUserByID(ctx, userID)
	if findErr != nil {
		return flow.fail(userID, "spotify.callback.unknown_user", fmt.Errorf("spotify.callback: %w", findErr))
	}

	consumed, consumeErr := flow.states.ValidateAndConsume(ctx, userID, stateToken)
	if consumeErr != nil {
		return flow.fail(userID, "spotify.callback.state_store_failed", consumeErr)
	}
	if !consumed {
		return flow.fail(userID, "spotify.callback.state_invalid", fmt.Errorf("spotify.callback: %w", ErrStateInvalid))
	}

	grant, exchangeErr := flow.accounts.ExchangeCode(ctx, code)
	if exchangeErr != nil {
		return flow.fail(userID, "spotify.callback.exchange_failed", exchangeErr)
	}

	expiresAt := flow.clock.Now().UTC().Add(grant.ExpiresIn)
	linked := user.Clone()
	// A fresh grant may belong to a different Spotify account than the one linked before.
	linked.ClearSpotify()
	linked.SpotifyAccessToken = grant.AccessToken
	linked.SpotifyRefreshToken = grant.RefreshToken
	linked.SpotifyTokenExpiresAt = &expiresAt
	linked.SpotifyConnected = true

	profile, profileErr := flow.api.FetchProfile(ctx, grant.AccessToken)
	if profileErr != nil {
		if saveErr := flow.users.UpdateSpotifyFields(ctx, &linked); saveErr != nil {
			return flow.fail(userID, "spotify.callback.persist_failed", saveErr)
		}
		flow.recorder.Increment("spotify.callback.profile_fetch_failed")
		flow.logger.Warn("spotify profile fetch failed",
			zap.String("code", "spotify.callback.profile_fetch_failed"),
			zap.Int64("user_id", userID),
			zap.Error(profileErr),
		)
		return CallbackResult{
			Outcome: OutcomeProfileFetchFailed,
			UserID:  userID,
			Err:     fmt.Errorf("spotify.callback: %w: %w", ErrProfileFetchFailed, profileErr),
		}
	}

	spotifyID := profile.ID
	linked.SpotifyID = &spotifyID
	linked.SpotifyDisplayName = optionalString(profile.DisplayName)
	linked.SpotifyEmail = optionalString(profile.Email)
	linked.SpotifyProfileImage = optionalString(profile.FirstImageURL())
	if saveErr := flow.users.UpdateSpotifyFields(ctx, &linked); saveErr != nil {
		return flow.fail(userID, "spotify.callback.persist_failed", saveErr)
	}
	flow.recorder.Increment("spotify.callback.connected")
	flow.logger.Info("spotify account connected",
		zap.String("code", "spotify.callback.connected"),
		zap.Int64("user_id", userID),
	)
	return CallbackResult{Outcome: OutcomeConnected, UserID: userID}
}

// Disconnect clears every Spotify field of the user. Repeated calls succeed.
func (flow *Flow) Disconnect(ctx context.Context, userID int64) error {
	user, err := flow.users.FindUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("spotify.disconnect: %w", err)
	}
	user.ClearSpotify()
	if err := flow.users.UpdateSpotifyFields(ctx, user); err != nil {
		return fmt.Errorf("spotify.disconnect: %w", err)
	}
	flow.recorder.Increment("spotify.disconnect")
	return nil
}

func (flow *Flow) fail(userID int64, code string, err error) CallbackResult {
	flow.recorder.Increment("spotify.callback.error")
	fields := []zap.Field{zap.String("code", code), zap.Int64("user_id", userID), zap.Error(err)}
	if upstreamErr, ok := asUpstreamError(err); ok {
		fields = append(fields, zap.Int("status", upstreamErr.StatusCode), zap.String("body", upstreamErr.Body))
	}
	flow.logger.Warn("spotify callback failed", fields...)
	return CallbackResult{Outcome: OutcomeError, UserID: userID, Err: err}
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
