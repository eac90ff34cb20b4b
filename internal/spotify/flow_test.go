package spotify

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/tyemirov/nownoise/internal/store"
)

func authorizeState(t *testing.T, harness *testHarness, userID int64) string {
	t.Helper()
	result, err := harness.flow.BuildAuthorizeURL(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parsed, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("failed to parse authorize url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state != ComposeState(userID, result.State) {
		t.Fatalf("authorize url state %q does not embed token %q", state, result.State)
	}
	return state
}

func TestFlowConnectsAccountAndRejectsReplay(t *testing.T) {
	for _, backingCase := range backingCases() {
		t.Run(backingCase.name, func(t *testing.T) {
			harness := newTestHarness(t, backingCase.backing(t))
			user := harness.createUser(t, "listener")
			state := authorizeState(t, harness, user.ID)

			result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
			if result.Outcome != OutcomeConnected || result.Err != nil || result.UserID != user.ID {
				t.Fatalf("expected connected outcome, got %+v", result)
			}
			stored := harness.reload(t, user.ID)
			if !stored.SpotifyConnected || stored.SpotifyAccessToken != "access-abc" || stored.SpotifyRefreshToken != "refresh-abc" {
				t.Fatalf("tokens not persisted: %+v", stored)
			}
			if stored.SpotifyID == nil || *stored.SpotifyID != "spotify-user-1" {
				t.Fatalf("spotify id not persisted: %v", stored.SpotifyID)
			}
			if stored.SpotifyDisplayName == nil || *stored.SpotifyDisplayName != "Night Listener" {
				t.Fatalf("display name not persisted")
			}
			if stored.SpotifyProfileImage == nil || *stored.SpotifyProfileImage != "https://i.scdn.co/image/abc" {
				t.Fatalf("profile image not persisted")
			}
			expectedExpiry := harness.clock.Now().Add(time.Hour)
			if stored.SpotifyTokenExpiresAt == nil || !stored.SpotifyTokenExpiresAt.Equal(expectedExpiry) {
				t.Fatalf("expected expiry %s, got %v", expectedExpiry, stored.SpotifyTokenExpiresAt)
			}

			replay := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
			if replay.Outcome != OutcomeError || !errors.Is(replay.Err, ErrStateInvalid) {
				t.Fatalf("expected state_invalid on replay, got %+v", replay)
			}
			if replay.Reason() != "callback_error" {
				t.Fatalf("unexpected reason %q", replay.Reason())
			}
			if harness.fake.tokenCalls() != 1 {
				t.Fatalf("replay must not reach the token endpoint, got %d calls", harness.fake.tokenCalls())
			}
		})
	}
}

func TestFlowAccessDeniedMakesNoCalls(t *testing.T) {
	harness, memoryStore := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	state := authorizeState(t, harness, user.ID)

	result := harness.flow.HandleCallback(context.Background(), url.Values{"error": {"access_denied"}, "state": {state}})
	if result.Outcome != OutcomeError || !errors.Is(result.Err, ErrAuthorizationDenied) {
		t.Fatalf("expected denied error outcome, got %+v", result)
	}
	if harness.fake.tokenCalls() != 0 || len(harness.fake.apiCalls()) != 0 {
		t.Fatalf("denied callback must not call spotify")
	}
	for _, record := range memoryStore.States(user.ID) {
		if record.Used {
			t.Fatalf("denied callback must not consume state")
		}
	}
	if harness.reload(t, user.ID).SpotifyConnected {
		t.Fatalf("denied callback must not connect the user")
	}
}

func TestFlowCallbackRejectsMalformedInput(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	state := authorizeState(t, harness, user.ID)

	testCases := []struct {
		name     string
		query    url.Values
		expected error
	}{
		{name: "missing code", query: url.Values{"state": {state}}, expected: ErrValidation},
		{name: "missing state", query: url.Values{"code": {"abc"}}, expected: ErrValidation},
		{name: "no separator", query: url.Values{"code": {"abc"}, "state": {"opaque"}}, expected: ErrValidation},
		{name: "non integer user", query: url.Values{"code": {"abc"}, "state": {"me:opaque"}}, expected: ErrValidation},
		{name: "unknown user", query: url.Values{"code": {"abc"}, "state": {"999:opaque"}}, expected: store.ErrUserNotFound},
		{name: "wrong token", query: url.Values{"code": {"abc"}, "state": {ComposeState(user.ID, "forged")}}, expected: ErrStateInvalid},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result := harness.flow.HandleCallback(context.Background(), testCase.query)
			if result.Outcome != OutcomeError || !errors.Is(result.Err, testCase.expected) {
				t.Fatalf("expected error outcome wrapping %v, got %+v", testCase.expected, result)
			}
		})
	}
	if harness.fake.tokenCalls() != 0 {
		t.Fatalf("malformed callbacks must not reach the token endpoint")
	}
	valid := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
	if valid.Outcome != OutcomeConnected {
		t.Fatalf("untouched state must still connect, got %+v", valid)
	}
}

func TestFlowReissuedStateInvalidatesPrevious(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	firstState := authorizeState(t, harness, user.ID)
	secondState := authorizeState(t, harness, user.ID)

	if result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {firstState}}); !errors.Is(result.Err, ErrStateInvalid) {
		t.Fatalf("expected replaced state to be invalid, got %+v", result)
	}
	if result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {secondState}}); result.Outcome != OutcomeConnected {
		t.Fatalf("expected latest state to connect, got %+v", result)
	}
}

func TestFlowExpiredStateIsRejected(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	state := authorizeState(t, harness, user.ID)
	harness.clock.Advance(DefaultStateTTL + time.Second)

	result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
	if !errors.Is(result.Err, ErrStateInvalid) {
		t.Fatalf("expected expired state to be invalid, got %+v", result)
	}
}

func TestFlowExchangeFailureLeavesUserUntouched(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	state := authorizeState(t, harness, user.ID)
	harness.fake.setTokenStatus(http.StatusBadRequest)

	result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
	if result.Outcome != OutcomeError || !errors.Is(result.Err, ErrUpstream) {
		t.Fatalf("expected upstream error outcome, got %+v", result)
	}
	stored := harness.reload(t, user.ID)
	if stored.SpotifyConnected || stored.SpotifyAccessToken != "" {
		t.Fatalf("failed exchange must not mutate user")
	}

	harness.fake.setTokenStatus(http.StatusOK)
	retry := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
	if !errors.Is(retry.Err, ErrStateInvalid) {
		t.Fatalf("consumed state must stay consumed after a failed exchange, got %+v", retry)
	}
}

func TestFlowProfileFetchFailureIsSoft(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	state := authorizeState(t, harness, user.ID)
	harness.fake.setAPIStatus(http.StatusServiceUnavailable)

	result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {state}})
	if result.Outcome != OutcomeProfileFetchFailed || !errors.Is(result.Err, ErrProfileFetchFailed) {
		t.Fatalf("expected profile_fetch_failed outcome, got %+v", result)
	}
	if result.Reason() != "user_data_failed" {
		t.Fatalf("unexpected reason %q", result.Reason())
	}
	stored := harness.reload(t, user.ID)
	if !stored.SpotifyConnected || stored.SpotifyAccessToken != "access-abc" || stored.SpotifyRefreshToken != "refresh-abc" {
		t.Fatalf("tokens must be persisted on soft failure: %+v", stored)
	}
	if stored.SpotifyDisplayName != nil || stored.SpotifyID != nil {
		t.Fatalf("profile fields must stay unset on soft failure")
	}
	if harness.recorder.Count("spotify.callback.profile_fetch_failed") != 1 {
		t.Fatalf("expected soft failure metric")
	}
}

func TestFlowRejectsSpotifyAccountLinkedElsewhere(t *testing.T) {
	for _, backingCase := range backingCases() {
		t.Run(backingCase.name, func(t *testing.T) {
			harness := newTestHarness(t, backingCase.backing(t))
			first := harness.createUser(t, "first")
			second := harness.createUser(t, "second")

			firstResult := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"one"}, "state": {authorizeState(t, harness, first.ID)}})
			if firstResult.Outcome != OutcomeConnected {
				t.Fatalf("expected first link to succeed, got %+v", firstResult)
			}
			secondResult := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"two"}, "state": {authorizeState(t, harness, second.ID)}})
			if secondResult.Outcome != OutcomeError || !errors.Is(secondResult.Err, store.ErrSpotifyAccountTaken) {
				t.Fatalf("expected spotify account conflict, got %+v", secondResult)
			}
			if harness.reload(t, second.ID).SpotifyConnected {
				t.Fatalf("conflicting link must not connect the second user")
			}
		})
	}
}

func TestFlowBuildAuthorizeURLUnknownUser(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	if _, err := harness.flow.BuildAuthorizeURL(context.Background(), 404); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestFlowDisconnectIsIdempotent(t *testing.T) {
	harness, _ := newMemoryHarness(t)
	user := harness.createUser(t, "listener")
	result := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"abc"}, "state": {authorizeState(t, harness, user.ID)}})
	if result.Outcome != OutcomeConnected {
		t.Fatalf("expected connected, got %+v", result)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := harness.flow.Disconnect(context.Background(), user.ID); err != nil {
			t.Fatalf("disconnect attempt %d failed: %v", attempt, err)
		}
		stored := harness.reload(t, user.ID)
		if stored.SpotifyConnected || stored.SpotifyID != nil || stored.SpotifyAccessToken != "" ||
			stored.SpotifyRefreshToken != "" || stored.SpotifyTokenExpiresAt != nil || stored.SpotifyDisplayName != nil {
			t.Fatalf("disconnect left spotify fields behind: %+v", stored)
		}
	}
	if err := harness.flow.Disconnect(context.Background(), 404); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestFlowReconnectWithProfileFailureDropsPreviousIdentity(t *testing.T) {
	for _, backingCase := range backingCases() {
		t.Run(backingCase.name, func(t *testing.T) {
			harness := newTestHarness(t, backingCase.backing(t))
			user := harness.createUser(t, "listener")

			first := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"one"}, "state": {authorizeState(t, harness, user.ID)}})
			if first.Outcome != OutcomeConnected {
				t.Fatalf("expected first connection to succeed, got %+v", first)
			}
			if linked := harness.reload(t, user.ID); linked.SpotifyID == nil || linked.SpotifyDisplayName == nil {
				t.Fatalf("expected identity after first connection: %+v", linked)
			}

			harness.fake.setAPIStatus(http.StatusServiceUnavailable)
			second := harness.flow.HandleCallback(context.Background(), url.Values{"code": {"two"}, "state": {authorizeState(t, harness, user.ID)}})
			if second.Outcome != OutcomeProfileFetchFailed {
				t.Fatalf("expected profile_fetch_failed outcome, got %+v", second)
			}

			stored := harness.reload(t, user.ID)
			if !stored.SpotifyConnected || stored.SpotifyAccessToken != "access-two" || stored.SpotifyRefreshToken != "refresh-two" {
				t.Fatalf("expected the new grant to be stored: %+v", stored)
			}
			if stored.SpotifyID != nil || stored.SpotifyDisplayName != nil || stored.SpotifyEmail != nil || stored.SpotifyProfileImage != nil {
				t.Fatalf("identity of the previous grant must not survive a reconnect: id=%v display=%v", stored.SpotifyID, stored.SpotifyDisplayName)
			}
		})
	}
}
