package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"loomchat/engine/internal/batch"
	"loomchat/engine/internal/config"
	"loomchat/engine/internal/database"
	"loomchat/engine/internal/notify"
	"loomchat/engine/internal/ratelimit"
	"loomchat/engine/internal/remote"
	"loomchat/engine/internal/repository"
	"loomchat/engine/internal/service"
	"loomchat/engine/internal/stream"
)

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	logConfigSource()

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}()
	slog.Info("Successfully connected to SQLite database.")

	repo := repository.NewSQLiteRepository(db)
	queue := batch.NewQueue(repo, cfg.FlushInterval(), slog.Default())

	// The store and its collaborators reference each other: the notifier
	// delivers to the store, the scheduler downgrades the store's sync mode.
	// Both are wired through closures over this late-bound variable.
	var store *service.ChatStore

	notifier := buildNotifier(cfg, func(msg notify.Message) {
		if store != nil {
			store.HandleNotification(msg)
		}
	})

	var scheduler *remote.Scheduler
	if cfg.RemoteURL != "" {
		tier := ratelimit.ForTier(ratelimit.Tier(cfg.RemoteTier))
		if err := tier.Validate(); err != nil {
			slog.Error("Invalid rate tier configuration", "tier", cfg.RemoteTier, "error", err)
			return 1
		}
		client := remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, tier.Limiter())
		scheduler = remote.NewScheduler(client, repo, cfg.SyncDebounce(), func() {
			if store != nil {
				store.DowngradeToLocal()
			}
		}, slog.Default())
	}

	runner := stream.NewClient(cfg.GenerationURL, slog.Default())

	store = service.NewChatStore(repo, queue, notifier, scheduler, runner, slog.Default())
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Load(ctx); err != nil {
		slog.Error("Failed to load chat state", "error", err)
		return 1
	}

	settingsService := service.NewSettingsService(repo, slog.Default())
	settings, err := settingsService.InitAndGet(ctx, service.Settings{
		CurrentModel: "llama3.2",
		ChatMode:     "balanced",
	})
	if err != nil {
		slog.Error("Failed to initialize application settings", "error", err)
		return 1
	}
	slog.Info("Loaded application settings", "current_model", settings.CurrentModel)

	if settings.LastThreadID != "" {
		if err := store.SwitchThread(ctx, settings.LastThreadID); err != nil {
			slog.Warn("Could not restore last open thread", "thread_id", settings.LastThreadID, "error", err)
		}
	}

	if scheduler != nil {
		if err := store.EnableRemoteSync(ctx); err != nil {
			slog.Warn("Remote sync unavailable, staying local-only", "error", err)
		} else {
			slog.Info("Remote sync enabled", "url", cfg.RemoteURL)
		}
	}

	slog.Info("Engine running", "database", cfg.DatabasePath)
	<-ctx.Done()
	slog.Info("Shutting down")

	if current := store.CurrentThreadID(); current != "" {
		saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := settingsService.SetLastThreadID(saveCtx, current); err != nil {
			slog.Warn("Could not save last open thread", "error", err)
		}
	}

	return 0
}

// buildNotifier prefers the websocket hub (first instance hosts, later ones
// join) and falls back to the shared-file transport when the hub port cannot
// be used at all. Returns nil when cross-context notification is disabled.
func buildNotifier(cfg *config.Config, handler notify.Handler) *notify.Notifier {
	if cfg.HubAddr != "" {
		transport, err := notify.NewHubTransport(cfg.HubAddr, slog.Default())
		if err == nil {
			return notify.New(transport, handler, cfg.NotifyDebounce(), slog.Default())
		}
		slog.Warn("Hub transport unavailable", "addr", cfg.HubAddr, "error", err)
	}
	if cfg.NotifyDir != "" {
		transport, err := notify.NewFileTransport(cfg.NotifyDir, slog.Default())
		if err == nil {
			return notify.New(transport, handler, cfg.NotifyDebounce(), slog.Default())
		}
		slog.Warn("File transport unavailable", "dir", cfg.NotifyDir, "error", err)
	}
	slog.Info("Cross-context notifications disabled")
	return nil
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
