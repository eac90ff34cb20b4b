package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// DatabaseStore persists users and OAuth states using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// OpenDatabaseStore connects to databaseURL and migrates the schema.
func OpenDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == driverSQLite {
		// SQLite permits one writer at a time.
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("store.open.%s: %w", driverLabel, sqlErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&User{}, &OAuthState{}); migrateErr != nil {
		return nil, fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// CreateUser inserts a new user, enforcing username and email uniqueness.
func (store *DatabaseStore) CreateUser(ctx context.Context, user *User) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conflictErr := store.uniqueConflict(tx, user, 0); conflictErr != nil {
			return conflictErr
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, store.translate(err))
	}
	return nil
}

// FindUserByID loads a user by primary key.
func (store *DatabaseStore) FindUserByID(ctx context.Context, userID int64) (*User, error) {
	return store.findUser(ctx, "find_by_id", "id = ?", userID)
}

// FindUserByUsername loads a user by exact username.
func (store *DatabaseStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return store.findUser(ctx, "find_by_username", "username = ?", username)
}

// FindUserByEmail loads a user by email.
func (store *DatabaseStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return store.findUser(ctx, "find_by_email", "email = ?", email)
}

// ListUsers returns all users ordered by id.
func (store *DatabaseStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := store.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("user_store.list.%s: %w", store.driverLabel, err)
	}
	return users, nil
}

// UpdateAccountFields writes the account columns of an existing user and leaves Spotify columns alone.
func (store *DatabaseStore) UpdateAccountFields(ctx context.Context, user *User) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conflictErr := store.accountConflict(tx, user); conflictErr != nil {
			return conflictErr
		}
		return store.updateColumns(tx, user, accountColumns)
	})
	if err != nil {
		return fmt.Errorf("user_store.update_account.%s: %w", store.driverLabel, store.translate(err))
	}
	return nil
}

// UpdateSpotifyFields writes the Spotify columns of an existing user and leaves account columns alone.
func (store *DatabaseStore) UpdateSpotifyFields(ctx context.Context, user *User) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if conflictErr := store.spotifyConflict(tx, user); conflictErr != nil {
			return conflictErr
		}
		return store.updateColumns(tx, user, spotifyColumns)
	})
	if err != nil {
		return fmt.Errorf("user_store.update_spotify.%s: %w", store.driverLabel, store.translate(err))
	}
	return nil
}

func (store *DatabaseStore) updateColumns(tx *gorm.DB, user *User, columns []string) error {
	result := tx.Model(&User{ID: user.ID}).Select(columns).Updates(user)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ReplaceState drops the user's unused states and inserts state while holding the user row lock.
func (store *DatabaseStore) ReplaceState(ctx context.Context, state OAuthState) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner User
		lockErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", state.UserID).Take(&owner).Error
		if lockErr != nil {
			if errors.Is(lockErr, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return lockErr
		}
		if deleteErr := tx.Where("user_id = ? AND used = ?", state.UserID, false).Delete(&OAuthState{}).Error; deleteErr != nil {
			return deleteErr
		}
		return tx.Create(&state).Error
	})
	if err != nil {
		return fmt.Errorf("state_store.replace.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ConsumeState flips used=false to used=true in a single conditional update.
func (store *DatabaseStore) ConsumeState(ctx context.Context, userID int64, tokenHash string, now time.Time) error {
	result := store.db.WithContext(ctx).Model(&OAuthState{}).
		Where("user_id = ? AND token_hash = ? AND used = ? AND expires_unix_ms >= ?", userID, tokenHash, false, now.UTC().UnixMilli()).
		Update("used", true)
	if result.Error != nil {
		return fmt.Errorf("state_store.consume.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}
	var record OAuthState
	findErr := store.db.WithContext(ctx).Where("user_id = ? AND token_hash = ?", userID, tokenHash).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("state_store.consume.%s: %w", store.driverLabel, ErrStateNotFound)
	}
	if findErr != nil {
		return fmt.Errorf("state_store.consume.%s: %w", store.driverLabel, findErr)
	}
	if record.Used {
		return fmt.Errorf("state_store.consume.%s: %w", store.driverLabel, ErrStateUsed)
	}
	return fmt.Errorf("state_store.consume.%s: %w", store.driverLabel, ErrStateExpired)
}

func (store *DatabaseStore) findUser(ctx context.Context, operation string, query string, argument any) (*User, error) {
	var user User
	err := store.db.WithContext(ctx).Where(query, argument).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, ErrUserNotFound)
		}
		return nil, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return &user, nil
}

// uniqueConflict reports which unique column another user already holds.
func (store *DatabaseStore) uniqueConflict(tx *gorm.DB, user *User, selfID int64) error {
	if err := store.columnTaken(tx, "username", user.Username, selfID, ErrUsernameTaken); err != nil {
		return err
	}
	if err := store.columnTaken(tx, "email", user.Email, selfID, ErrEmailTaken); err != nil {
		return err
	}
	if user.SpotifyID == nil {
		return nil
	}
	return store.columnTaken(tx, "spotify_id", *user.SpotifyID, selfID, ErrSpotifyAccountTaken)
}

func (store *DatabaseStore) accountConflict(tx *gorm.DB, user *User) error {
	if err := store.columnTaken(tx, "username", user.Username, user.ID, ErrUsernameTaken); err != nil {
		return err
	}
	return store.columnTaken(tx, "email", user.Email, user.ID, ErrEmailTaken)
}

func (store *DatabaseStore) spotifyConflict(tx *gorm.DB, user *User) error {
	if user.SpotifyID == nil {
		return nil
	}
	return store.columnTaken(tx, "spotify_id", *user.SpotifyID, user.ID, ErrSpotifyAccountTaken)
}

func (store *DatabaseStore) columnTaken(tx *gorm.DB, column string, value string, selfID int64, taken error) error {
	var count int64
	if err := tx.Model(&User{}).Where(column+" = ? AND id <> ?", value, selfID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return taken
	}
	return nil
}

func (store *DatabaseStore) translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateUser
	}
	return err
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), driverPostgres, nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), driverSQLite, nil
	default:
		return nil, "", fmt.Errorf("store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
