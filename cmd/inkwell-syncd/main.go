package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkwellhq/inkwell-sync/internal/auth"
	"github.com/inkwellhq/inkwell-sync/internal/cache"
	"github.com/inkwellhq/inkwell-sync/internal/config"
	"github.com/inkwellhq/inkwell-sync/internal/crdt"
	"github.com/inkwellhq/inkwell-sync/internal/database"
	"github.com/inkwellhq/inkwell-sync/internal/document"
	"github.com/inkwellhq/inkwell-sync/internal/logging"
	"github.com/inkwellhq/inkwell-sync/internal/queue"
	"github.com/inkwellhq/inkwell-sync/internal/remote"
	"github.com/inkwellhq/inkwell-sync/internal/repository"
	"github.com/inkwellhq/inkwell-sync/internal/server"
	"github.com/inkwellhq/inkwell-sync/internal/storage"
	"github.com/inkwellhq/inkwell-sync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkwell-syncd",
		Short: "Inkwell offline-first document sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("control-address", defaults.GetString("control.address"), "Control API listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote document API base URL")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Remote request timeout in seconds")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("auto-sync", defaults.GetBool("sync.auto"), "Run periodic background sync")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Background sync interval in seconds")
	cmd.PersistentFlags().Int("sync-max-attempts", defaults.GetInt("sync.max_attempts"), "Retry budget before an operation is skipped")
	cmd.PersistentFlags().Int("cache-ttl-seconds", defaults.GetInt("cache.ttl_seconds"), "Cache entry TTL in seconds")
	cmd.PersistentFlags().Int("cache-max-entries", defaults.GetInt("cache.max_entries"), "Cache entry budget")
	cmd.PersistentFlags().String("device-id", defaults.GetString("auth.device_id"), "Stable device identifier")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "control.address", "control-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.auto", "auto-sync")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.max_attempts", "sync-max-attempts")
	bindFlag(cmd, "cache.ttl_seconds", "cache-ttl-seconds")
	bindFlag(cmd, "cache.max_entries", "cache-max-entries")
	bindFlag(cmd, "auth.device_id", "device-id")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	keyValue, err := storage.NewSQLStore(db)
	if err != nil {
		return err
	}

	documentStore, err := document.NewStore(document.StoreConfig{
		Actor:          appConfig.DeviceID,
		PayloadFactory: crdt.NewPayload,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer documentStore.Dispose()

	queueStore, err := queue.NewStore(queue.StoreConfig{
		Storage: keyValue,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	cacheStore, err := cache.NewStore(cache.StoreConfig{
		Storage:    keyValue,
		TTL:        appConfig.CacheTTL,
		MaxEntries: appConfig.CacheMaxEntries,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		DeviceID:      appConfig.DeviceID,
		TokenTTL:      appConfig.DeviceTokenTTL,
		Clock:         time.Now,
	})
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Tokens:  tokenIssuer,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ledger, err := repository.NewLedger(repository.LedgerConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	documentRepository, err := repository.New(repository.Config{
		Remote:     remoteClient,
		Cache:      cacheStore,
		Documents:  documentStore,
		Queue:      queueStore,
		Ledger:     ledger,
		IDProvider: repository.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := syncer.New(syncer.Config{
		Documents:    documentStore,
		Queue:        queueStore,
		Repository:   documentRepository,
		MaxAttempts:  appConfig.MaxSyncAttempts,
		SyncInterval: appConfig.SyncInterval,
		AutoSync:     appConfig.AutoSync,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	orchestrator.Start()
	defer orchestrator.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Documents:    documentStore,
		Queue:        queueStore,
		Orchestrator: orchestrator,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.ControlAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api starting", zap.String("address", appConfig.ControlAddress))
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
