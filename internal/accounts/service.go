package accounts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/store"
	"github.com/tyemirov/nownoise/pkg/sessionvalidator"
)

// DefaultSessionTTL is used when Config.SessionTTL is unset.
const DefaultSessionTTL = 24 * time.Hour

// DefaultBcryptCost is used when Config.BcryptCost is zero.
const DefaultBcryptCost = bcrypt.DefaultCost

// SignupInput carries a new account request.
type SignupInput struct {
	Username       string
	Email          string
	Password       string
	Genres         []string
	ProfilePicture string
}

// LoginInput accepts a username or an email as Identifier.
type LoginInput struct {
	Identifier string
	Password   string
}

// ProfileUpdate changes only the non-nil fields.
type ProfileUpdate struct {
	Username       *string
	Email          *string
	Password       *string
	Genres         *[]string
	ProfilePicture *string
}

// Session is a signed session token.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Config configures Service.
type Config struct {
	Users      store.UserStore
	SigningKey []byte
	Issuer     string
	SessionTTL time.Duration
	BcryptCost int
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    metrics.Recorder
}

// Service implements signup, login, and profile management.
type Service struct {
	users      store.UserStore
	signingKey []byte
	issuer     string
	sessionTTL time.Duration
	bcryptCost int
	now        func() time.Time
	logger     *zap.Logger
	recorder   metrics.Recorder
	decoyHash  []byte
}

// NewService validates configuration and builds a Service.
func NewService(configuration Config) (*Service, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("accounts.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("accounts.new: %w", ErrMissingIssuer)
	}
	sessionTTL := configuration.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	bcryptCost := configuration.BcryptCost
	if bcryptCost == 0 {
		bcryptCost = DefaultBcryptCost
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("accounts.new: bcrypt cost %d out of range", bcryptCost)
	}
	now := configuration.Now
	if now == nil {
		now = func() time.Time {
			return time.Now().UTC()
		}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	decoyHash, err := bcrypt.GenerateFromPassword([]byte("nownoise-decoy-password"), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("accounts.new: %w", err)
	}
	return &Service{
		users:      configuration.Users,
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		sessionTTL: sessionTTL,
		bcryptCost: bcryptCost,
		now:        now,
		logger:     logger,
		recorder:   metrics.OrNoop(configuration.Metrics),
		decoyHash:  decoyHash,
	}, nil
}

// Signup validates input, hashes the password, and stores a new user.
func (service *Service) Signup(ctx context.Context, input SignupInput) (*store.User, error) {
	username, err := normalizeUsername(input.Username)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}
	genres, err := normalizeGenres(input.Genres)
	if err != nil {
		return nil, err
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(input.Password), service.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("accounts.signup.hash: %w", err)
	}
	user := &store.User{
		Username:       username,
		Email:          email,
		PasswordHash:   string(passwordHash),
		Genres:         genres,
		ProfilePicture: strings.TrimSpace(input.ProfilePicture),
	}
	if err := service.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("accounts.signup: %w", translateStoreError(err))
	}
	service.recorder.Increment("accounts.signup.success")
	service.logger.Info("account created", zap.String("code", "accounts.signup.success"), zap.Int64("user_id", user.ID))
	return user, nil
}

// Login resolves the identifier as an email when it looks like one, otherwise as a username.
func (service *Service) Login(ctx context.Context, input LoginInput) (*store.User, error) {
	identifier := strings.TrimSpace(input.Identifier)
	if identifier == "" {
		return nil, invalid("username", "missing_identifier")
	}
	if input.Password == "" {
		return nil, invalid("password", "missing_password")
	}

	var (
		user    *store.User
		findErr error
	)
	if IsEmail(identifier) {
		user, findErr = service.users.FindUserByEmail(ctx, strings.ToLower(identifier))
	} else {
		user, findErr = service.users.FindUserByUsername(ctx, identifier)
	}
	if findErr != nil {
		if !errors.Is(findErr, store.ErrUserNotFound) {
			return nil, fmt.Errorf("accounts.login: %w", findErr)
		}
		_ = bcrypt.CompareHashAndPassword(service.decoyHash, []byte(input.Password))
		service.recorder.Increment("accounts.login.failure")
		return nil, fmt.Errorf("accounts.login: %w", ErrInvalidCredentials)
	}
	if compareErr := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); compareErr != nil {
		service.recorder.Increment("accounts.login.failure")
		service.logger.Info("login rejected", zap.String("code", "accounts.login.invalid_password"), zap.Int64("user_id", user.ID))
		return nil, fmt.Errorf("accounts.login: %w", ErrInvalidCredentials)
	}
	service.recorder.Increment("accounts.login.success")
	return user, nil
}

// GetUser loads a user by id.
func (service *Service) GetUser(ctx context.Context, userID int64) (*store.User, error) {
	user, err := service.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("accounts.get_user: %w", err)
	}
	return user, nil
}

// ListUsers returns every account ordered by id.
func (service *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	users, err := service.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("accounts.list_users: %w", err)
	}
	return users, nil
}

// UpdateProfile applies a partial update with the signup validation rules.
func (service *Service) UpdateProfile(ctx context.Context, userID int64, update ProfileUpdate) (*store.User, error) {
	user, err := service.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("accounts.update_profile: %w", err)
	}
	if update.Username != nil {
		if user.Username, err = normalizeUsername(*update.Username); err != nil {
			return nil, err
		}
	}
	if update.Email != nil {
		if user.Email, err = normalizeEmail(*update.Email); err != nil {
			return nil, err
		}
	}
	if update.Genres != nil {
		if user.Genres, err = normalizeGenres(*update.Genres); err != nil {
			return nil, err
		}
	}
	if update.ProfilePicture != nil {
		user.ProfilePicture = strings.TrimSpace(*update.ProfilePicture)
	}
	if update.Password != nil {
		if err := validatePassword(*update.Password); err != nil {
			return nil, err
		}
		passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(*update.Password), service.bcryptCost)
		if hashErr != nil {
			return nil, fmt.Errorf("accounts.update_profile.hash: %w", hashErr)
		}
		user.PasswordHash = string(passwordHash)
	}
	if err := service.users.UpdateAccountFields(ctx, user); err != nil {
		return nil, fmt.Errorf("accounts.update_profile: %w", translateStoreError(err))
	}
	service.recorder.Increment("accounts.profile.updated")
	// Spotify columns may have moved since the load above.
	updated, err := service.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("accounts.update_profile.reload: %w", err)
	}
	return updated, nil
}

// MintSession creates a signed HS256 session token for user.
func (service *Service) MintSession(user *store.User) (Session, error) {
	if user == nil {
		return Session{}, fmt.Errorf("accounts.mint_session: %w", store.ErrUserNotFound)
	}
	issuedAt := service.now().UTC()
	expiresAt := issuedAt.Add(service.sessionTTL)
	userID := strconv.FormatInt(user.ID, 10)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:        userID,
		Username:      user.Username,
		UserEmail:     user.Email,
		UserAvatarURL: user.ProfilePicture,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    service.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(service.signingKey)
	if err != nil {
		return Session{}, fmt.Errorf("accounts.mint_session: %w", err)
	}
	return Session{Token: signed, ExpiresAt: expiresAt}, nil
}

func translateStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		return fmt.Errorf("%w: %w", ErrUsernameTaken, err)
	case errors.Is(err, store.ErrEmailTaken):
		return fmt.Errorf("%w: %w", ErrEmailTaken, err)
	default:
		return err
	}
}
