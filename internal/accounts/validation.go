package accounts

import (
	"regexp"
	"strings"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 80
	minPasswordLength = 6
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	maxGenres        = 5
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// IsEmail reports whether value looks like an email address.
func IsEmail(value string) bool {
	return emailPattern.MatchString(value)
}

func normalizeUsername(username string) (string, error) {
	trimmed := strings.TrimSpace(username)
	if len([]rune(trimmed)) < minUsernameLength {
		return "", invalid("username", "username_too_short")
	}
	if len([]rune(trimmed)) > maxUsernameLength {
		return "", invalid("username", "username_too_long")
	}
	return trimmed, nil
}

func normalizeEmail(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if !IsEmail(normalized) {
		return "", invalid("email", "invalid_email")
	}
	return normalized, nil
}

func validatePassword(password string) error {
	if len([]rune(password)) < minPasswordLength {
		return invalid("password", "password_too_short")
	}
	if len(password) > maxPasswordBytes {
		return invalid("password", "password_too_long")
	}
	return nil
}

// normalizeGenres trims, drops blanks and duplicates, and keeps the first-seen order.
func normalizeGenres(genres []string) ([]string, error) {
	normalized := make([]string, 0, len(genres))
	seen := make(map[string]struct{}, len(genres))
	for _, genre := range genres {
		trimmed := strings.TrimSpace(genre)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	if len(normalized) > maxGenres {
		return nil, invalid("genres", "too_many_genres")
	}
	return normalized, nil
}
