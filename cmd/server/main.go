package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/nownoise/internal/accounts"
	"github.com/tyemirov/nownoise/internal/metrics"
	"github.com/tyemirov/nownoise/internal/spotify"
	"github.com/tyemirov/nownoise/internal/store"
	"github.com/tyemirov/nownoise/internal/web"
	"github.com/tyemirov/nownoise/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "nownoise",
		Short:   "Account backend for nownoise with Spotify account linking and API proxying",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":5000", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().String("session_signing_key", "", "HS256 signing secret for session tokens")
	rootCmd.Flags().Duration("session_ttl", accounts.DefaultSessionTTL, "Session token TTL")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("state_ttl", spotify.DefaultStateTTL, "Lifetime of a Spotify authorization state")
	rootCmd.Flags().String("spotify_client_id", "", "Spotify application client ID")
	rootCmd.Flags().String("spotify_client_secret", "", "Spotify application client secret")
	rootCmd.Flags().String("spotify_redirect_uri", "", "Redirect URI registered with Spotify")
	rootCmd.Flags().String("spotify_accounts_url", spotify.DefaultAccountsURL, "Spotify accounts service base URL")
	rootCmd.Flags().String("spotify_api_url", spotify.DefaultAPIURL, "Spotify Web API base URL")
	rootCmd.Flags().Duration("spotify_timeout", spotify.DefaultTimeout, "Timeout for outbound Spotify requests")
	rootCmd.Flags().String("spotify_success_url", web.DefaultSpotifySuccessURL, "Redirect target after a successful Spotify connection")
	rootCmd.Flags().String("spotify_error_url", web.DefaultSpotifyErrorURL, "Redirect target after a failed Spotify connection")
	rootCmd.Flags().Bool("spotify_require_session", false, "Require a session on Spotify routes and bind user_id to it")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (sets SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true unless cors_allow_lan is set)")
	rootCmd.Flags().Bool("cors_allow_lan", false, "Also allow http origins on loopback and private network addresses (Expo web development)")
	rootCmd.Flags().Int("auth_rate_limit", 30, "Signup and login requests per minute per client IP; 0 disables")
	rootCmd.Flags().Bool("enable_metrics", false, "Expose Prometheus metrics on /metrics")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow session cookies over plain HTTP for local dev")
	rootCmd.Flags().Int("bcrypt_cost", accounts.DefaultBcryptCost, "bcrypt cost for password hashes")

	for _, flagName := range []string{
		"listen_addr", "database_url", "session_signing_key", "session_ttl", "cookie_domain",
		"state_ttl", "spotify_client_id", "spotify_client_secret", "spotify_redirect_uri",
		"spotify_accounts_url", "spotify_api_url", "spotify_timeout", "spotify_success_url",
		"spotify_error_url", "spotify_require_session", "enable_cors", "cors_allowed_origins",
		"cors_allow_lan", "auth_rate_limit", "enable_metrics", "dev_insecure_http", "bcrypt_cost",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	logger.Info("configuration loaded", serverConfig.LogFields()...)

	gin.SetMode(gin.ReleaseMode)
	router, closeStore, buildErr := buildRouter(commandContext, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer closeStore()

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildRouter wires storage, services, and routes. The returned func releases the store.
func buildRouter(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userStore, stateStore, closeStore, storeErr := openStores(ctx, serverConfig.DatabaseURL, logger)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	router, wireErr := wireRouter(serverConfig, userStore, stateStore, logger)
	if wireErr != nil {
		closeStore()
		return nil, nil, wireErr
	}
	return router, closeStore, nil
}

func openStores(ctx context.Context, databaseURL string, logger *zap.Logger) (store.UserStore, store.StateStore, func(), error) {
	if databaseURL == "" {
		logger.Info("using in-memory store", zap.String("code", "server.store.memory"))
		memoryStore := store.NewMemoryStore()
		return memoryStore, memoryStore, func() {}, nil
	}
	databaseStore, openErr := store.OpenDatabaseStore(ctx, databaseURL)
	if openErr != nil {
		return nil, nil, nil, openErr
	}
	logger.Info("using persistent store", zap.String("code", "server.store.database"), zap.String("driver", databaseStore.Driver()))
	closeStore := func() {
		if err := databaseStore.Close(); err != nil {
			logger.Warn("store close failed", zap.String("code", "server.store.close"), zap.Error(err))
		}
	}
	return databaseStore, databaseStore, closeStore, nil
}

func wireRouter(serverConfig ServerConfig, userStore store.UserStore, stateStore store.StateStore, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.NewCORS(web.CORSConfig{
			AllowedOrigins:  serverConfig.CORSAllowedOrigins,
			AllowLANOrigins: serverConfig.CORSAllowLAN,
			Logger:          logger,
		})
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	var recorder metrics.Recorder = metrics.NewNoop()
	if serverConfig.EnableMetrics {
		prometheusMetrics := metrics.NewPrometheusMetrics()
		recorder = prometheusMetrics
		router.GET("/metrics", gin.WrapH(prometheusMetrics.Handler()))
	}

	accountService, accountsErr := accounts.NewService(accounts.Config{
		Users:      userStore,
		SigningKey: serverConfig.SessionSigningKey,
		Issuer:     sessionIssuer,
		SessionTTL: serverConfig.SessionTTL,
		BcryptCost: serverConfig.BcryptCost,
		Logger:     logger,
		Metrics:    recorder,
	})
	if accountsErr != nil {
		return nil, accountsErr
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.SessionSigningKey,
		Issuer:     sessionIssuer,
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	var rateLimit gin.HandlerFunc
	if serverConfig.AuthRateLimit > 0 {
		limiterMiddleware, limiterErr := web.NewRateLimiter(serverConfig.AuthRateLimit)
		if limiterErr != nil {
			return nil, limiterErr
		}
		rateLimit = limiterMiddleware
	}

	sameSite := http.SameSiteLaxMode
	if serverConfig.EnableCORS {
		sameSite = http.SameSiteNoneMode
	}
	web.MountAccountRoutes(router, web.AccountRoutesConfig{
		Accounts:  accountService,
		Validator: validator,
		Cookie: web.SessionCookie{
			Name:     validator.CookieName(),
			Domain:   serverConfig.CookieDomain,
			Secure:   !serverConfig.DevInsecureHTTP || serverConfig.EnableCORS,
			SameSite: sameSite,
		},
		RateLimit: rateLimit,
		Logger:    logger,
	})

	spotifyClient, clientErr := spotify.NewClient(spotify.ClientConfig{
		ClientID:     serverConfig.SpotifyClientID,
		ClientSecret: serverConfig.SpotifyClientSecret,
		RedirectURL:  serverConfig.SpotifyRedirectURI,
		AccountsURL:  serverConfig.SpotifyAccountsURL,
		APIURL:       serverConfig.SpotifyAPIURL,
		Timeout:      serverConfig.SpotifyTimeout,
	})
	if clientErr != nil {
		return nil, clientErr
	}
	stateManager := spotify.NewStateManager(spotify.StateManagerConfig{
		States:  stateStore,
		TTL:     serverConfig.StateTTL,
		Logger:  logger,
		Metrics: recorder,
	})
	tokenManager := spotify.NewTokenManager(spotify.TokenManagerConfig{
		Users:    userStore,
		Accounts: spotifyClient,
		Logger:   logger,
		Metrics:  recorder,
	})
	flow := spotify.NewFlow(spotify.FlowConfig{
		Users:    userStore,
		States:   stateManager,
		Accounts: spotifyClient,
		API:      spotifyClient,
		Logger:   logger,
		Metrics:  recorder,
	})
	proxy := spotify.NewProxy(spotify.ProxyConfig{
		Users:   userStore,
		Tokens:  tokenManager,
		API:     spotifyClient,
		Logger:  logger,
		Metrics: recorder,
	})

	spotifyRoutes := web.SpotifyRoutesConfig{
		Flow:       flow,
		Proxy:      proxy,
		SuccessURL: serverConfig.SpotifySuccessURL,
		ErrorURL:   serverConfig.SpotifyErrorURL,
		Logger:     logger,
	}
	if serverConfig.SpotifyRequireSession {
		spotifyRoutes.Validator = validator
	}
	web.MountSpotifyRoutes(router, spotifyRoutes)

	return router, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
