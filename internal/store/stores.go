package store

import (
	"context"
	"time"
)

// UserStore persists and retrieves application users.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, userID int64) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	// UpdateAccountFields writes username, email, password hash, genres, and profile picture only.
	UpdateAccountFields(ctx context.Context, user *User) error
	// UpdateSpotifyFields writes the linked Spotify identity and tokens only.
	UpdateSpotifyFields(ctx context.Context, user *User) error
}

// StateStore manages one-time OAuth state records.
type StateStore interface {
	// ReplaceState deletes every unused state of state.UserID and inserts state as one operation.
	ReplaceState(ctx context.Context, state OAuthState) error
	// ConsumeState marks the matching unused state as used if it has not expired at now.
	ConsumeState(ctx context.Context, userID int64, tokenHash string, now time.Time) error
}
