package store

import "time"

// User is an application account with an optional linked Spotify identity.
type User struct {
	ID             int64    `gorm:"column:id;primaryKey;autoIncrement"`
	Username       string   `gorm:"column:username;size:80;uniqueIndex;not null"`
	Email          string   `gorm:"column:email;size:120;uniqueIndex;not null"`
	PasswordHash   string   `gorm:"column:password_hash;not null"`
	Genres         []string `gorm:"column:genres;serializer:json"`
	ProfilePicture string   `gorm:"column:profile_picture;not null;default:''"`

	SpotifyID             *string    `gorm:"column:spotify_id;uniqueIndex"`
	SpotifyAccessToken    string     `gorm:"column:spotify_access_token;type:text;not null;default:''"`
	SpotifyRefreshToken   string     `gorm:"column:spotify_refresh_token;type:text;not null;default:''"`
	SpotifyTokenExpiresAt *time.Time `gorm:"column:spotify_token_expires_at"`
	SpotifyConnected      bool       `gorm:"column:spotify_connected;not null;default:false"`
	SpotifyDisplayName    *string    `gorm:"column:spotify_display_name"`
	SpotifyEmail          *string    `gorm:"column:spotify_email"`
	SpotifyProfileImage   *string    `gorm:"column:spotify_profile_image"`

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string {
	return "users"
}

var accountColumns = []string{"username", "email", "password_hash", "genres", "profile_picture", "updated_at"}

var spotifyColumns = []string{
	"spotify_id",
	"spotify_access_token",
	"spotify_refresh_token",
	"spotify_token_expires_at",
	"spotify_connected",
	"spotify_display_name",
	"spotify_email",
	"spotify_profile_image",
	"updated_at",
}

// ClearSpotify resets every Spotify-related field.
func (user *User) ClearSpotify() {
	user.SpotifyID = nil
	user.SpotifyAccessToken = ""
	user.SpotifyRefreshToken = ""
	user.SpotifyTokenExpiresAt = nil
	user.SpotifyConnected = false
	user.SpotifyDisplayName = nil
	user.SpotifyEmail = nil
	user.SpotifyProfileImage = nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (user User) Clone() User {
	cloned := user
	if user.Genres != nil {
		cloned.Genres = append([]string(nil), user.Genres...)
	}
	cloned.SpotifyID = cloneString(user.SpotifyID)
	cloned.SpotifyDisplayName = cloneString(user.SpotifyDisplayName)
	cloned.SpotifyEmail = cloneString(user.SpotifyEmail)
	cloned.SpotifyProfileImage = cloneString(user.SpotifyProfileImage)
	if user.SpotifyTokenExpiresAt != nil {
		expiresAt := *user.SpotifyTokenExpiresAt
		cloned.SpotifyTokenExpiresAt = &expiresAt
	}
	return cloned
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// OAuthState is one pending Spotify authorization attempt.
type OAuthState struct {
	ID               string `gorm:"column:id;primaryKey"`
	UserID           int64  `gorm:"column:user_id;index;not null"`
	TokenHash        string `gorm:"column:token_hash;uniqueIndex;not null"`
	CreatedUnixMilli int64  `gorm:"column:created_unix_ms;not null"`
	ExpiresUnixMilli int64  `gorm:"column:expires_unix_ms;not null"`
	Used             bool   `gorm:"column:used;not null;default:false"`
}

func (OAuthState) TableName() string {
	return "oauth_states"
}

// ExpiresAt returns the expiry as a UTC instant.
func (state OAuthState) ExpiresAt() time.Time {
	return time.UnixMilli(state.ExpiresUnixMilli).UTC()
}
