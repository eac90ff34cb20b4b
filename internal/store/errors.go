package store

import "errors"

var (
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUsernameTaken indicates the username unique constraint was violated.
	ErrUsernameTaken = errors.New("user_store.username_taken")
	// ErrEmailTaken indicates the email unique constraint was violated.
	ErrEmailTaken = errors.New("user_store.email_taken")
	// ErrSpotifyAccountTaken indicates the Spotify account is already linked to another user.
	ErrSpotifyAccountTaken = errors.New("user_store.spotify_account_taken")
	// ErrDuplicateUser is returned when the database rejects a write on a unique index it cannot attribute.
	ErrDuplicateUser = errors.New("user_store.duplicate")

	// ErrStateNotFound indicates no unused state matched the user and token.
	ErrStateNotFound = errors.New("state_store.not_found")
	// ErrStateExpired indicates the matching state exceeded its expiry.
	ErrStateExpired = errors.New("state_store.expired")
	// ErrStateUsed indicates the matching state was already consumed.
	ErrStateUsed = errors.New("state_store.used")

	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("store.unsupported_no_scheme")
)
