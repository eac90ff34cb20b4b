package accounts

import "errors"

var (
	// ErrValidation indicates invalid signup, login, or profile input.
	ErrValidation = errors.New("accounts.validation")
	// ErrUsernameTaken indicates another account already uses the username.
	ErrUsernameTaken = errors.New("accounts.username_taken")
	// ErrEmailTaken indicates another account already uses the email.
	ErrEmailTaken = errors.New("accounts.email_taken")
	// ErrInvalidCredentials covers both unknown identifiers and wrong passwords.
	ErrInvalidCredentials = errors.New("accounts.invalid_credentials")
	// ErrMissingSigningKey indicates the session signing key is empty.
	ErrMissingSigningKey = errors.New("accounts.missing_signing_key")
	// ErrMissingIssuer indicates the session issuer is empty.
	ErrMissingIssuer = errors.New("accounts.missing_issuer")
)

// ValidationError names the rule an input broke. Code is safe to return to clients.
type ValidationError struct {
	Field string
	Code  string
}

func (validationErr *ValidationError) Error() string {
	return "accounts.validation." + validationErr.Code
}

func (validationErr *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field string, code string) error {
	return &ValidationError{Field: field, Code: code}
}
