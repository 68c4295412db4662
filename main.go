package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatsync/config"
	"chatsync/crypto"
	"chatsync/drafts"
	"chatsync/engine"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/notify"
	"chatsync/pagination"
	"chatsync/scheduler"
	"chatsync/storage"
)

func main() {
	var (
		a              *app
		conversationID string
	)

	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Optimistic chat client backed by a local SQLite store",
		Long: `chatsync drives the client synchronization engine against a local
SQLite store that plays the remote backend.

Every change is applied locally first and reconciled with the store:
  - messages are shown while sending and age through sent, delivered and read
  - reactions and poll votes update instantly and roll back on failure
  - history is paged backwards with a cursor
  - drafts are kept per conversation, sealed in Redis when configured`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load(".env")

			cfg, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err = newApp(cfg, cfgPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&conversationID, "conversation", "c", "general", "Conversation to act on")

	current := func() *app { return a }
	rootCmd.AddCommand(createInfoCmd(current))
	rootCmd.AddCommand(createJoinCmd(current, &conversationID))
	rootCmd.AddCommand(createSendCmd(current, &conversationID))
	rootCmd.AddCommand(createHistoryCmd(current, &conversationID))
	rootCmd.AddCommand(createEditCmd(current, &conversationID))
	rootCmd.AddCommand(createDeleteCmd(current, &conversationID))
	rootCmd.AddCommand(createPinCmd(current, &conversationID))
	rootCmd.AddCommand(createReactCmd(current, &conversationID))
	rootCmd.AddCommand(createVoteCmd(current, &conversationID))
	rootCmd.AddCommand(createDraftCmd(current, &conversationID))
	rootCmd.AddCommand(createNotificationsCmd(current))
	rootCmd.AddCommand(createWatchCmd(current, &conversationID))

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// app holds the wired components for one CLI invocation.
type app struct {
	cfg     *config.Config
	cfgPath string
	dbPath  string

	logger   *zap.Logger
	store    *storage.Store
	client   *storage.Client
	redis    *drafts.RedisStore
	notifier *notify.Async
	metrics  *metrics.Metrics
	engine   *engine.Engine
}

func newApp(cfg *config.Config, cfgPath string) (*app, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger}

	store, dbPath, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store, a.dbPath = store, dbPath

	viewer := models.UserSummary{ID: cfg.Viewer.ID, Handle: cfg.Viewer.Handle, DisplayName: cfg.Viewer.DisplayName}
	if err := store.UpsertUser(context.Background(), viewer); err != nil {
		a.Close()
		return nil, err
	}
	a.client = store.Client(viewer)

	var draftStore engine.DraftStore = a.client.Drafts()
	if cfg.RedisURL != "" {
		secret, err := crypto.EnsureSecret(cfg.DraftSecretPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("prepare draft secret: %w", err)
		}
		sealer, err := crypto.NewSealer(secret)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis, err = drafts.NewRedisStore(cfg.RedisURL, sealer)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect draft store: %w", err)
		}
		draftStore = a.redis
	}

	a.metrics, err = metrics.New(prometheus.NewRegistry())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.notifier = notify.NewAsync(notify.Fanout{notify.Log{Logger: logger}, a.client}, notify.AsyncOptions{
		Logger: logger,
		OnDrop: func(notify.Event, error) { a.metrics.NotificationDropped() },
	})

	a.engine, err = engine.New(engine.Options{
		Viewer:      viewer,
		Messages:    a.client,
		Notifier:    a.notifier,
		Previews:    a.client,
		Drafts:      draftStore,
		Logger:      logger,
		Metrics:     a.metrics,
		SendTimeout: cfg.Engine.SendTimeout(),
		LockWait:    cfg.Engine.LockWait(),
		Delays: scheduler.Delays{
			DeliveredAfter: cfg.Engine.DeliveredAfter(),
			ReadAfter:      cfg.Engine.ReadAfter(),
		},
		Pagination: pagination.Options{
			PageSize:         cfg.Engine.PageSize,
			OlderPageSize:    cfg.Engine.OlderPageSize,
			FetchesPerSecond: cfg.Engine.FetchesPerSecond,
			FetchBurst:       cfg.Engine.FetchBurst,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// open opens the conversation view and loads its newest page.
func (a *app) open(ctx context.Context, conversationID string) (models.Page, error) {
	conversation, err := a.client.Conversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Page{}, fmt.Errorf("conversation %q does not exist; run `chatsync join -c %s <handle>...` first", conversationID, conversationID)
		}
		return models.Page{}, err
	}
	if err := a.engine.Open(conversation); err != nil {
		return models.Page{}, err
	}
	return a.engine.LoadInitial(ctx, conversationID)
}

// Close stops background work in dependency order.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("draft_store_close_failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("database_close_failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	if atomicLevel.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = atomicLevel
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
