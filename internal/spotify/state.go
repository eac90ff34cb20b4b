package spotify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
)

// DefaultStateTTL bounds how long an issued state can complete a callback.
const DefaultStateTTL = 10 * time.Minute

const stateSeparator = ":"

// StateManagerConfig configures StateManager.
type StateManagerConfig struct {
	States  store.StateStore
	TTL     time.Duration
	Clock   Clock
	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// StateManager issues and consumes one-time CSRF states bound to a user.
type StateManager struct {
	states   store.StateStore
	ttl      time.Duration
	clock    Clock
	logger   *zap.Logger
	recorder metrics.Recorder
}

// NewStateManager builds a StateManager with defaults for unset fields.
func NewStateManager(configuration StateManagerConfig) *StateManager {
	ttl := configuration.TTL
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		states:   configuration.States,
		ttl:      ttl,
		clock:    orSystemClock(configuration.Clock),
		logger:   logger,
		recorder: metrics.OrNoop(configuration.Metrics),
	}
}

// Issue invalidates the user's unused states and returns a fresh opaque token.
func (manager *StateManager) Issue(ctx context.Context, userID int64) (string, error) {
	opaque, tokenHash, err := store.GenerateOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("spotify.state.issue: %w", err)
	}
	now := manager.clock.Now().UTC()
	record := store.OAuthState{
		ID:               uuid.NewString(),
		UserID:           userID,
		TokenHash:        tokenHash,
		CreatedUnixMilli: now.UnixMilli(),
		ExpiresUnixMilli: now.Add(manager.ttl).UnixMilli(),
	}
	if err := manager.states.ReplaceState(ctx, record); err != nil {
		return "", fmt.Errorf("spotify.state.issue: %w", err)
	}
	manager.recorder.Increment("spotify.state.issued")
	return opaque, nil
}

// ValidateAndConsume reports whether token is a live unused state of userID and marks it used.
// Store failures are returned as errors; rejected states return false with a nil error.
func (manager *StateManager) ValidateAndConsume(ctx context.Context, userID int64, token string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}
	err := manager.states.ConsumeState(ctx, userID, store.HashOpaque(token), manager.clock.Now().UTC())
	switch {
	case err == nil:
		manager.recorder.Increment("spotify.state.consumed")
		return true, nil
	case errors.Is(err, store.ErrStateNotFound), errors.Is(err, store.ErrStateExpired), errors.Is(err, store.ErrStateUsed):
		manager.recorder.Increment("spotify.state.rejected")
		manager.logger.Warn("state rejected",
			zap.String("code", "spotify.state.rejected"),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		return false, nil
	default:
		return false, fmt.Errorf("spotify.state.consume: %w", err)
	}
}

// ComposeState joins the user id and opaque token into the value sent to Spotify.
func ComposeState(userID int64, token string) string {
	return strconv.FormatInt(userID, 10) + stateSeparator + token
}

// ParseState splits a composed state into user id and opaque token.
func ParseState(raw string) (int64, string, error) {
	userPart, token, found := strings.Cut(raw, stateSeparator)
	if !found || strings.TrimSpace(token) == "" {
		return 0, "", fmt.Errorf("spotify.state.parse: %w", ErrValidation)
	}
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", fmt.Errorf("spotify.state.parse: %w", ErrValidation)
	}
	return userID, token, nil
}
