package web

import (
	"time"

	"github.com/tyemirov/nownoise/internal/store"
)

// UserView is the client representation of a user. Tokens and hashes are never included.
type UserView struct {
	ID             int64       `json:"id"`
	Username       string      `json:"username"`
	Email          string      `json:"email"`
	Genres         []string    `json:"genres"`
	ProfilePicture string      `json:"profile_picture"`
	CreatedAt      time.Time   `json:"created_at"`
	Spotify        SpotifyView `json:"spotify"`

	// Flat copies of the Spotify summary read by the mobile client.
	SpotifyConnected    bool    `json:"spotify_connected"`
	SpotifyID           *string `json:"spotify_id"`
	SpotifyDisplayName  *string `json:"spotify_display_name"`
	SpotifyEmail        *string `json:"spotify_email"`
	SpotifyProfileImage *string `json:"spotify_profile_image"`
}

// SpotifyView summarizes the linked Spotify account.
type SpotifyView struct {
	Connected    bool    `json:"connected"`
	ID           *string `json:"id"`
	DisplayName  *string `json:"display_name"`
	Email        *string `json:"email"`
	ProfileImage *string `json:"profile_image"`
}

// NewUserView projects a stored user for responses.
func NewUserView(user store.User) UserView {
	genres := user.Genres
	if genres == nil {
		genres = []string{}
	}
	return UserView{
		ID:             user.ID,
		Username:       user.Username,
		Email:          user.Email,
		Genres:         genres,
		ProfilePicture: user.ProfilePicture,
		CreatedAt:      user.CreatedAt.UTC(),
		Spotify: SpotifyView{
			Connected:    user.SpotifyConnected,
			ID:           user.SpotifyID,
			DisplayName:  user.SpotifyDisplayName,
			Email:        user.SpotifyEmail,
			ProfileImage: user.SpotifyProfileImage,
		},
		SpotifyConnected:    user.SpotifyConnected,
		SpotifyID:           user.SpotifyID,
		SpotifyDisplayName:  user.SpotifyDisplayName,
		SpotifyEmail:        user.SpotifyEmail,
		SpotifyProfileImage: user.SpotifyProfileImage,
	}
}
