package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin = errors.New("cors: wildcard origin not allowed with session cookies")
	errNoOrigins      = errors.New("cors: no origins configured and lan origins disabled")
	errInvalidOrigin  = errors.New("cors: invalid origin")
)

// corsMethods covers every method the account and Spotify routes are mounted with.
var corsMethods = []string{"GET", "POST", "PATCH", "OPTIONS"}

// CORSConfig describes which browser origins may call the API with credentials.
type CORSConfig struct {
	AllowedOrigins []string
	// AllowLANOrigins admits http origins on loopback and private network addresses,
	// which is where Expo web and Metro serve the client during development.
	AllowLANOrigins bool
	Logger          *zap.Logger
}

// NewCORS builds the credentialed CORS middleware.
func NewCORS(configuration CORSConfig) (gin.HandlerFunc, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make([]string, 0, len(configuration.AllowedOrigins))
	for _, raw := range configuration.AllowedOrigins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		if slices.Contains(origins, origin.String()) {
			continue
		}
		if origin.Scheme == "http" && !isLANHost(origin.Hostname()) {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "cors.origin.insecure"),
				zap.String("origin", origin.String()))
		}
		origins = append(origins, origin.String())
	}
	if len(origins) == 0 && !configuration.AllowLANOrigins {
		return nil, errNoOrigins
	}

	corsConfig := cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     corsMethods,
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if configuration.AllowLANOrigins {
		corsConfig.AllowOriginFunc = allowLANOrigin
	}
	return cors.New(corsConfig), nil
}

// normalizeOrigin reduces a configured origin to scheme://host[:port].
func normalizeOrigin(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "*" {
		return nil, errWildcardOrigin
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidOrigin, trimmed)
	}
	switch {
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return nil, fmt.Errorf("%w: %s must use http or https", errInvalidOrigin, trimmed)
	case strings.TrimSuffix(parsed.Path, "/") != "":
		return nil, fmt.Errorf("%w: %s contains a path", errInvalidOrigin, trimmed)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return nil, fmt.Errorf("%w: %s contains more than scheme and host", errInvalidOrigin, trimmed)
	}
	return &url.URL{Scheme: parsed.Scheme, Host: strings.ToLower(parsed.Host)}, nil
}

func allowLANOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme != "http" {
		return false
	}
	return isLANHost(parsed.Hostname())
}

func isLANHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	address := net.ParseIP(host)
	return address != nil && (address.IsLoopback() || address.IsPrivate())
}
