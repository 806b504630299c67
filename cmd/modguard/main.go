package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modguard/internal/analytics"
	"modguard/internal/bot"
	"modguard/internal/config"
	"modguard/internal/metrics"
	"modguard/internal/modules/antiinvite"
	"modguard/internal/modules/antiraid"
	"modguard/internal/modules/antispam"
	"modguard/internal/modules/audit"
	"modguard/internal/modules/badwords"
	"modguard/internal/modules/dehoist"
	"modguard/internal/modules/mentions"
	"modguard/internal/punishment"
	"modguard/internal/redis"
	"modguard/internal/storage"
	"modguard/internal/timeout"
	"modguard/internal/utils"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const auditRetentionDays = 90

func main() {
	app := &cli.Command{
		Name:  "modguard",
		Usage: "Discord moderation bot with persistent temporary punishments",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file (overrides CONFIG_PATH)",
			},
		},
		Action: runBot,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Connect to the gateway and start moderating",
				Action: runBot,
			},
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: runMigrate,
			},
			{
				Name:  "report",
				Usage: "Summarise a guild's recent moderation activity",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "guild", Usage: "Guild id", Required: true},
					&cli.IntFlag{Name: "days", Value: 7, Usage: "How many days back to count"},
				},
				Action: runReport,
			},
			{
				Name:   "timeouts",
				Usage:  "List pending temporary punishment reversals",
				Action: runListTimeouts,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func setup(c *cli.Command) (config.Config, *zap.Logger, error) {
	if path := c.String("config"); path != "" {
		if err := os.Setenv("CONFIG_PATH", path); err != nil {
			return config.Config{}, nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return store, nil
}

func runMigrate(_ context.Context, c *cli.Command) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	store.Close()
	logger.Info("migrations applied", zap.String("database", cfg.DatabasePath))
	return nil
}

func runListTimeouts(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	redisClient, err := redis.New(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	manager := timeout.New(redisClient, logger, cfg.Timeouts.Workers)
	pending, err := manager.Pending(ctx)
	if err != nil {
		return err
	}
	for _, record := range pending {
		fmt.Printf("%s\t%s\t%s\tdue %s\n", record.Task, record.GuildID, record.UserID, record.DueAt().Format(time.RFC3339))
	}
	fmt.Printf("%d pending\n", len(pending))
	return nil
}

func runReport(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	since := time.Now().AddDate(0, 0, -int(c.Int("days")))
	report, err := analytics.New(store).Report(ctx, c.String("guild"), since)
	if err != nil {
		return err
	}
	fmt.Printf("audit entries: %d\n", report.Total)
	for event, count := range report.ByEvent {
		fmt.Printf("  %s\t%d\n", event, count)
	}
	fmt.Printf("cases: %d\n", report.Cases)
	for kind, count := range report.CaseKinds {
		fmt.Printf("  %s\t%d\n", kind, count)
	}
	return nil
}

func runBot(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	redisClient, err := redis.New(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	session, err := bot.NewSession(cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("bot init: %w", err)
	}
	client := bot.NewClient(session, cfg.Retry, logger)
	auditLogger := audit.NewLogger(store, logger)

	manager := timeout.New(redisClient, logger, cfg.Timeouts.Workers)
	defer manager.Stop()
	engine := punishment.New(cfg, client, store, manager, auditLogger, logger)
	manager.SetReverser(engine)

	raid := antiraid.New(cfg.Automod, redisClient, engine, client, auditLogger, logger)
	accountAge := antiraid.NewAccountAge(cfg.Automod, redisClient, engine, client, auditLogger, logger)
	names := dehoist.New(engine, client, auditLogger, logger)
	router := bot.NewRouter().
		OnMessage(
			antispam.New(cfg.Automod, utils.NewTracker(), engine, client, auditLogger, logger),
			antiinvite.New(engine, client, auditLogger, logger),
			badwords.New(engine, client, auditLogger, logger),
			mentions.New(engine, client, auditLogger, logger),
		).
		OnJoin(raid.HandleJoin, accountAge.HandleJoin, names.HandleMember).
		OnMemberUpdate(names.HandleMember)

	botSvc := bot.New(cfg, logger, session, client, router, manager, engine, auditLogger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return botSvc.Run(ctx)
	})
	group.Go(func() error {
		pruneAuditLogs(ctx, store, logger)
		return nil
	})
	if cfg.Health.Enabled {
		group.Go(func() error {
			return serveHealth(ctx, cfg.Health.Addr, logger)
		})
	}

	err = group.Wait()
	logger.Info("shutdown complete")
	return err
}

func serveHealth(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("health endpoint enabled", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func pruneAuditLogs(ctx context.Context, store *storage.Store, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := store.CleanupAuditLogs(ctx, auditRetentionDays); err != nil && ctx.Err() == nil {
			logger.Warn("audit log cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
