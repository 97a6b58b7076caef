package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/longessay/writer-agent/internal/auth"
	"github.com/longessay/writer-agent/internal/backend"
	"github.com/longessay/writer-agent/internal/clock"
	"github.com/longessay/writer-agent/internal/config"
	"github.com/longessay/writer-agent/internal/database"
	"github.com/longessay/writer-agent/internal/entity"
	"github.com/longessay/writer-agent/internal/essaysync"
	"github.com/longessay/writer-agent/internal/logging"
	"github.com/longessay/writer-agent/internal/server"
	"github.com/longessay/writer-agent/internal/storage"
	"github.com/longessay/writer-agent/internal/stores"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "writer-agent",
		Short: "Offline-first writer agent for long essays",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newStatusCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the local API and synchronize with the essay backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userKey, environmentKey string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if userKey == "" {
				userKey = appConfig.Launch.UserKey
			}
			if environmentKey == "" {
				environmentKey = appConfig.Launch.EnvironmentKey
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.SessionSubject{
				UserKey:        userKey,
				EnvironmentKey: environmentKey,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&userKey, "user", "", "User key of the writer (defaults to launch.user_key)")
	cmd.Flags().StringVar(&environmentKey, "environment", "", "Environment key (defaults to launch.environment_key)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the unsent local data of the writer session",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, closeStore, err := openStorage(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			set, err := stores.New(stores.Config{Storage: store, Logger: logger})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			set.Changes.LoadFromStorage(ctx)
			set.Essay.LoadFromStorage(ctx)
			return writeJSON(cmd, map[string]any{
				"pending_changes":      set.Changes.CountChanges(),
				"pending_notes":        set.Changes.CountChangesFor(entity.ChangeTypeNotes),
				"pending_annotations":  set.Changes.CountChangesFor(entity.ChangeTypeAnnotations),
				"pending_preferences":  set.Changes.CountChangesFor(entity.ChangeTypePreferences),
				"open_sendings":        set.Essay.OpenSendings(),
				"last_save":            set.Changes.LastSave(),
				"last_sending_success": set.Changes.LastSendingSuccess(),
			})
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origin", nil, "Browser origin of the writing UI (repeatable)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Bool("ephemeral", defaults.GetBool("database.ephemeral"), "Keep the local state in memory only")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("api.token_ttl_minutes"), "Local API token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotated JSON log file")
	cmd.PersistentFlags().String("signing-secret", "", "Local API signing secret (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval of the backend synchronization")
	cmd.PersistentFlags().String("backend-url", "", "Backend url of the launch context")
	cmd.PersistentFlags().String("return-url", "", "Return url of the launch context")
	cmd.PersistentFlags().String("user-key", "", "User key of the launch context")
	cmd.PersistentFlags().String("environment-key", "", "Environment key of the launch context")
	cmd.PersistentFlags().String("data-token", "", "Data token of the launch context")
	cmd.PersistentFlags().String("hash", "", "Hash of the last submission known to the backend")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origin")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.ephemeral", "ephemeral")
	bindFlag(cmd, "api.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "api.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "launch.backend_url", "backend-url")
	bindFlag(cmd, "launch.return_url", "return-url")
	bindFlag(cmd, "launch.user_key", "user-key")
	bindFlag(cmd, "launch.environment_key", "environment-key")
	bindFlag(cmd, "launch.data_token", "data-token")
	bindFlag(cmd, "launch.hash", "hash")
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

func openStorage(appConfig config.AppConfig, logger *zap.Logger) (storage.Store, func(), error) {
	if appConfig.Ephemeral {
		logger.Warn("local state is kept in memory only")
		return storage.NewMemoryStore(), func() {}, nil
	}
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewSQLiteStore(db, time.Now)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStorage(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	serverClock := clock.New(nil)
	realtime := server.NewRealtimeDispatcher()

	set, err := stores.New(stores.Config{
		Storage:           store,
		Clock:             serverClock,
		Logger:            logger,
		Notify:            realtime.Notify,
		NotesPollInterval: appConfig.NotesPollInterval,
	})
	if err != nil {
		return err
	}

	backendClient, err := backend.NewClient(backend.Config{
		RequestTimeout: appConfig.RequestTimeout,
		FileTimeout:    appConfig.FileTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := essaysync.New(essaysync.Config{
		Backend:      backendClient,
		Stores:       set,
		Session:      store.Namespace(storage.NamespaceSession),
		Clock:        serverClock,
		Logger:       logger,
		Notify:       realtime.Notify,
		SyncInterval: appConfig.SyncInterval,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator:   orchestrator,
		Stores:         set,
		Validator:      validator,
		Realtime:       realtime,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return orchestrator.Run(groupCtx)
	})
	group.Go(func() error {
		set.Notes.Watch(groupCtx)
		return nil
	})
	if appConfig.Launch.Present() {
		group.Go(func() error {
			launch := appConfig.Launch
			outcome := orchestrator.Init(groupCtx, essaysync.Launch{
				BackendURL:     launch.BackendURL,
				ReturnURL:      launch.ReturnURL,
				UserKey:        launch.UserKey,
				EnvironmentKey: launch.EnvironmentKey,
				DataToken:      launch.DataToken,
				Hash:           launch.Hash,
			})
			logger.Info("configured launch applied", zap.String("outcome", string(outcome)))
			return nil
		})
	}

	return group.Wait()
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
