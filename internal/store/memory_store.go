package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory UserStore and StateStore intended for tests and dev.
type MemoryStore struct {
	mutex      sync.Mutex
	users      map[int64]*User
	states     map[string]*OAuthState
	sequenceID int64
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*User),
		states: make(map[string]*OAuthState),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// CreateUser assigns an id and stores a copy of user.
func (store *MemoryStore) CreateUser(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if err := store.uniqueConflictLocked(user, 0); err != nil {
		return err
	}
	store.sequenceID++
	now := store.now()
	user.ID = store.sequenceID
	user.CreatedAt = now
	user.UpdatedAt = now
	record := user.Clone()
	store.users[user.ID] = &record
	return nil
}

// FindUserByID returns a copy of the user with the given id.
func (store *MemoryStore) FindUserByID(ctx context.Context, userID int64) (*User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	found := record.Clone()
	return &found, nil
}

// FindUserByUsername returns a copy of the user with the given username.
func (store *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return store.findBy(func(record *User) bool { return record.Username == username })
}

// FindUserByEmail returns a copy of the user with the given email.
func (store *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return store.findBy(func(record *User) bool { return record.Email == email })
}

// ListUsers returns copies of all users ordered by id.
func (store *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	users := make([]User, 0, len(store.users))
	for _, record := range store.users {
		users = append(users, record.Clone())
	}
	sort.Slice(users, func(left, right int) bool { return users[left].ID < users[right].ID })
	return users, nil
}

// UpdateAccountFields copies the account fields of user onto the stored record.
func (store *MemoryStore) UpdateAccountFields(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing, ok := store.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	for recordID, record := range store.users {
		if recordID == user.ID {
			continue
		}
		if record.Username == user.Username {
			return ErrUsernameTaken
		}
		if record.Email == user.Email {
			return ErrEmailTaken
		}
	}
	source := user.Clone()
	existing.Username = source.Username
	existing.Email = source.Email
	existing.PasswordHash = source.PasswordHash
	existing.Genres = source.Genres
	existing.ProfilePicture = source.ProfilePicture
	existing.UpdatedAt = store.now()
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

// UpdateSpotifyFields copies the Spotify fields of user onto the stored record.
func (store *MemoryStore) UpdateSpotifyFields(ctx context.Context, user *User) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	existing, ok := store.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if user.SpotifyID != nil {
		for recordID, record := range store.users {
			if recordID != user.ID && record.SpotifyID != nil && *record.SpotifyID == *user.SpotifyID {
				return ErrSpotifyAccountTaken
			}
		}
	}
	source := user.Clone()
	existing.SpotifyID = source.SpotifyID
	existing.SpotifyAccessToken = source.SpotifyAccessToken
	existing.SpotifyRefreshToken = source.SpotifyRefreshToken
	existing.SpotifyTokenExpiresAt = source.SpotifyTokenExpiresAt
	existing.SpotifyConnected = source.SpotifyConnected
	existing.SpotifyDisplayName = source.SpotifyDisplayName
	existing.SpotifyEmail = source.SpotifyEmail
	existing.SpotifyProfileImage = source.SpotifyProfileImage
	existing.UpdatedAt = store.now()
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

// ReplaceState drops the user's unused states and stores state.
func (store *MemoryStore) ReplaceState(ctx context.Context, state OAuthState) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.users[state.UserID]; !ok {
		return ErrUserNotFound
	}
	for stateID, record := range store.states {
		if record.UserID == state.UserID && !record.Used {
			delete(store.states, stateID)
		}
	}
	record := state
	store.states[state.ID] = &record
	return nil
}

// ConsumeState marks the matching unused, unexpired state as used.
func (store *MemoryStore) ConsumeState(ctx context.Context, userID int64, tokenHash string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, record := range store.states {
		if record.UserID != userID || record.TokenHash != tokenHash {
			continue
		}
		if record.Used {
			return ErrStateUsed
		}
		if now.UTC().After(record.ExpiresAt()) {
			return ErrStateExpired
		}
		record.Used = true
		return nil
	}
	return ErrStateNotFound
}

// States returns copies of the states held for userID.
func (store *MemoryStore) States(userID int64) []OAuthState {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	states := make([]OAuthState, 0)
	for _, record := range store.states {
		if record.UserID == userID {
			states = append(states, *record)
		}
	}
	return states
}

func (store *MemoryStore) findBy(match func(record *User) bool) (*User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, record := range store.users {
		if match(record) {
			found := record.Clone()
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (store *MemoryStore) uniqueConflictLocked(user *User, selfID int64) error {
	for recordID, record := range store.users {
		if recordID == selfID {
			continue
		}
		if record.Username == user.Username {
			return ErrUsernameTaken
		}
		if record.Email == user.Email {
			return ErrEmailTaken
		}
		if user.SpotifyID != nil && record.SpotifyID != nil && *record.SpotifyID == *user.SpotifyID {
			return ErrSpotifyAccountTaken
		}
	}
	return nil
}
