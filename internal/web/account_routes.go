package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/nownoise/internal/accounts"
	"github.com/tyemirov/nownoise/internal/store"
	"github.com/tyemirov/nownoise/pkg/sessionvalidator"
)

const claimsContextKey = sessionvalidator.DefaultContextKey

// AccountRoutesConfig wires the account handlers.
type AccountRoutesConfig struct {
	Accounts  *accounts.Service
	Validator *sessionvalidator.Validator
	Cookie    SessionCookie
	// RateLimit, when set, guards signup and login.
	RateLimit gin.HandlerFunc
	Logger    *zap.Logger
}

// pictureField accepts a URI string, a bundled avatar asset number, or null.
type pictureField string

func (field *pictureField) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*field = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("web.profile_picture: %w", err)
		}
		*field = pictureField(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("web.profile_picture: %w", err)
	}
	*field = pictureField(number.String())
	return nil
}

type signupRequest struct {
	Username       string       `json:"username"`
	Email          string       `json:"email"`
	Password       string       `json:"password"`
	Genres         []string     `json:"genres"`
	ProfilePicture pictureField `json:"profile_picture"`
	// Mobile clients send camelCase.
	ProfilePictureCamel pictureField `json:"profilePicture"`
}

func (inbound signupRequest) picture() string {
	if strings.TrimSpace(string(inbound.ProfilePicture)) != "" {
		return string(inbound.ProfilePicture)
	}
	return string(inbound.ProfilePictureCamel)
}

type loginRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profileUpdateRequest struct {
	Username       *string       `json:"username"`
	Email          *string       `json:"email"`
	Password       *string       `json:"password"`
	Genres         *[]string     `json:"genres"`
	ProfilePicture *pictureField `json:"profile_picture"`
	// ProfilePictureCamel is used when profile_picture is absent.
	ProfilePictureCamel *pictureField `json:"profilePicture"`
}

func (inbound profileUpdateRequest) picture() *string {
	field := inbound.ProfilePicture
	if field == nil {
		field = inbound.ProfilePictureCamel
	}
	if field == nil {
		return nil
	}
	value := string(*field)
	return &value
}

// MountAccountRoutes registers /api/health, /api/signup, /api/login, /api/logout, /api/users, and /api/users/me.
func MountAccountRoutes(router gin.IRouter, configuration AccountRoutesConfig) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if configuration.Accounts == nil || configuration.Validator == nil {
		panic("account routes require an accounts service and a session validator")
	}
	if strings.TrimSpace(configuration.Cookie.Name) == "" {
		configuration.Cookie.Name = configuration.Validator.CookieName()
	}
	service := configuration.Accounts
	guarded := []gin.HandlerFunc{}
	if configuration.RateLimit != nil {
		guarded = append(guarded, configuration.RateLimit)
	}

	router.GET("/api/health", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "healthy", "message": "nownoise backend is running"})
	})

	router.POST("/api/signup", chain(guarded, func(contextGin *gin.Context) {
		var inbound signupRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortInvalidJSON(contextGin)
			return
		}
		user, err := service.Signup(contextGin.Request.Context(), accounts.SignupInput{
			Username:       inbound.Username,
			Email:          inbound.Email,
			Password:       inbound.Password,
			Genres:         inbound.Genres,
			ProfilePicture: inbound.picture(),
		})
		if err != nil {
			respondError(contextGin, logger, "api.signup", err)
			return
		}
		respondWithSession(contextGin, logger, configuration, http.StatusCreated, "User created successfully", user)
	})...)

	router.POST("/api/login", chain(guarded, func(contextGin *gin.Context) {
		var inbound loginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortInvalidJSON(contextGin)
			return
		}
		identifier := inbound.Username
		if strings.TrimSpace(identifier) == "" {
			identifier = inbound.Email
		}
		user, err := service.Login(contextGin.Request.Context(), accounts.LoginInput{Identifier: identifier, Password: inbound.Password})
		if err != nil {
			respondError(contextGin, logger, "api.login", err)
			return
		}
		respondWithSession(contextGin, logger, configuration, http.StatusOK, "Login successful", user)
	})...)

	router.POST("/api/logout", func(contextGin *gin.Context) {
		configuration.Cookie.clear(contextGin)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/api/users", func(contextGin *gin.Context) {
		users, err := service.ListUsers(contextGin.Request.Context())
		if err != nil {
			respondError(contextGin, logger, "api.users.list", err)
			return
		}
		views := make([]UserView, 0, len(users))
		for _, user := range users {
			views = append(views, NewUserView(user))
		}
		contextGin.JSON(http.StatusOK, gin.H{"users": views})
	})

	authenticated := configuration.Validator.GinMiddleware(claimsContextKey)

	router.GET("/api/users/me", authenticated, func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin, logger)
		if !ok {
			return
		}
		user, err := service.GetUser(contextGin.Request.Context(), userID)
		if err != nil {
			respondError(contextGin, logger, "api.users.me", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": NewUserView(*user)})
	})

	router.PATCH("/api/users/me", authenticated, func(contextGin *gin.Context) {
		userID, ok := sessionUserID(contextGin, logger)
		if !ok {
			return
		}
		var inbound profileUpdateRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			abortInvalidJSON(contextGin)
			return
		}
		user, err := service.UpdateProfile(contextGin.Request.Context(), userID, accounts.ProfileUpdate{
			Username:       inbound.Username,
			Email:          inbound.Email,
			Password:       inbound.Password,
			Genres:         inbound.Genres,
			ProfilePicture: inbound.picture(),
		})
		if err != nil {
			respondError(contextGin, logger, "api.users.update", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": "Profile updated", "user": NewUserView(*user)})
	})
}

func chain(prefix []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(prefix)+1)
	handlers = append(handlers, prefix...)
	return append(handlers, handler)
}

func respondWithSession(contextGin *gin.Context, logger *zap.Logger, configuration AccountRoutesConfig, status int, message string, user *store.User) {
	session, err := configuration.Accounts.MintSession(user)
	if err != nil {
		respondError(contextGin, logger, "api.session", err)
		return
	}
	configuration.Cookie.write(contextGin, session.Token, session.ExpiresAt)
	contextGin.JSON(status, gin.H{
		"message":            message,
		"user":               NewUserView(*user),
		"session_token":      session.Token,
		"session_expires_at": session.ExpiresAt,
	})
}

// sessionUserID reads the numeric user id from validated claims.
func sessionUserID(contextGin *gin.Context, logger *zap.Logger) (int64, bool) {
	claims, found := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	if !found {
		logger.Warn("missing auth claims on context", zap.String("code", "api.session.missing_claims"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	userID, err := strconv.ParseInt(claims.GetUserID(), 10, 64)
	if err != nil || userID <= 0 {
		logger.Warn("invalid auth claims on context", zap.String("code", "api.session.invalid_claims"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}
