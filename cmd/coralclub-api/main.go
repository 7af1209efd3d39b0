package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coralclub/tents/internal/auth"
	"github.com/coralclub/tents/internal/config"
	"github.com/coralclub/tents/internal/database"
	"github.com/coralclub/tents/internal/gateway"
	"github.com/coralclub/tents/internal/kv"
	"github.com/coralclub/tents/internal/logging"
	"github.com/coralclub/tents/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coralclub-api",
		Short: "Coral Club shared-state gateway",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newAgentCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("state-key", defaults.GetString("state.key"), "Key holding the shared document")
	cmd.PersistentFlags().String("rev-key", defaults.GetString("state.rev_key"), "Key holding the revision counter")
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("kv-backend", defaults.GetString("kv.backend"), "Store backend (rest, redis, sqlite)")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path for the sqlite backend")
	cmd.Flags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis backend")
	cmd.Flags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindPersistentFlag(cmd, "log.level", "log-level")
	bindPersistentFlag(cmd, "state.key", "state-key")
	bindPersistentFlag(cmd, "state.rev_key", "rev-key")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "kv.backend", "kv-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func bindPersistentFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher := server.NewRevisionDispatcher()

	gatewayService, err := gateway.NewService(gateway.ServiceConfig{
		Store:    store,
		Notifier: dispatcher,
		Logger:   logger.Named("gateway"),
	})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "coralclub-gateway",
		Audience:      "coralclub-admin",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:         gatewayService,
		TokenManager:    tokenManager,
		Dispatcher:      dispatcher,
		StateKey:        appConfig.StateKey,
		DefaultAdminPIN: appConfig.DefaultAdminPIN,
		RateLimit: server.RateLimitConfig{
			PerSecond: appConfig.RatePerSecond,
			Burst:     appConfig.RateBurst,
		},
		Logger: logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("kv_backend", appConfig.KVBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore builds the configured backend and returns a function releasing its resources.
func openStore(appConfig config.AppConfig, logger *zap.Logger) (kv.Store, func(), error) {
	switch appConfig.KVBackend {
	case config.BackendRedis:
		client, err := kv.NewRedisClient(kv.RedisConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv.NewRedisStore(client), func() { _ = client.Close() }, nil
	case config.BackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := kv.NewSQLiteStore(db, time.Now)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, func() { _ = sqlDB.Close() }, nil
	default:
		if appConfig.KVRestURL == "" || appConfig.KVRestToken == "" {
			logger.Warn("hosted store credentials are missing; every store call will fail")
		}
		return kv.NewRESTStore(kv.RESTConfig{
			BaseURL: appConfig.KVRestURL,
			Token:   appConfig.KVRestToken,
		}), func() {}, nil
	}
}
