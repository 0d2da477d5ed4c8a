package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/internal/api"
	"github.com/atendezap/atendezap/internal/delivery"
	"github.com/atendezap/atendezap/internal/lockfile"
	"github.com/atendezap/atendezap/internal/messaging"
	"github.com/atendezap/atendezap/internal/notify"
	"github.com/atendezap/atendezap/internal/schedule"
	"github.com/atendezap/atendezap/internal/store"
	"github.com/atendezap/atendezap/internal/twiliowhatsapp"
	"github.com/atendezap/atendezap/internal/util"
	"github.com/atendezap/atendezap/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AtendeZap state data
	DefaultStateDir = "/var/lib/atendezap"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "atendezap.db"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	WhatsAppDSN   string
	RedisURL      string
	StateDir      string
	APIAddr       string
	Provider      string
	SweepInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput *string
	numeric  *bool
	stateDir *string
	dbDSN    *string
	redisURL *string
	apiAddr  *string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping AtendeZap scheduled message service")
	if err := run(config, flags); err != nil {
		slog.Error("AtendeZap failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AtendeZap exited successfully")
}

// initializeLogger sets up structured logging
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		RedisURL:      os.Getenv("REDIS_URL"),
		StateDir:      os.Getenv("ATENDEZAP_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		Provider:      os.Getenv("MESSAGING_PROVIDER"),
		SweepInterval: util.ParseDurationEnv("SWEEP_INTERVAL", schedule.DefaultSweepInterval),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Provider == "" {
		config.Provider = "whatsmeow"
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_set", config.DatabaseURL != "",
		"REDIS_URL_set", config.RedisURL != "",
		"ATENDEZAP_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MESSAGING_PROVIDER", config.Provider,
		"SWEEP_INTERVAL", config.SweepInterval)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput: flag.String("qr-output", "", "path to write login QR code"),
		numeric:  flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for AtendeZap data (overrides $ATENDEZAP_STATE_DIR)"),
		dbDSN:    flag.String("db-dsn", config.DatabaseURL, "database DSN for the message store (overrides $DATABASE_URL)"),
		redisURL: flag.String("redis-url", config.RedisURL, "Redis URL for the durable queue and notifications (overrides $REDIS_URL)"),
		apiAddr:  flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}
	flag.Parse()
	return flags
}

func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two delivery processes over the same state would double-arm timers
	// and double-sweep; refuse to start when the directory is locked.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	sender, closeSender, err := buildSender(config, flags)
	if err != nil {
		return err
	}
	defer closeSender()

	// Redis serves both the durable queue and the change-notification
	// fan-out; without it the service degrades to in-process timers and an
	// in-memory notifier.
	var rdb *redis.Client
	var notifier notify.Notifier = notify.NewMemoryNotifier()
	if *flags.redisURL != "" {
		opts, err := redis.ParseURL(*flags.redisURL)
		if err != nil {
			slog.Error("Invalid Redis URL, continuing without durable queue", "error", err)
		} else {
			rdb = redis.NewClient(opts)
			notifier = notify.NewRedisNotifier(rdb)
		}
	}

	serializer := delivery.NewSerializer()
	executor := delivery.NewExecutor(st, sender, serializer, notifier)

	fallback := schedule.NewFallbackBackend(executor.Deliver, executor.Fail)
	defer fallback.Stop()

	var durable *schedule.DurableBackend
	if rdb != nil {
		durable = schedule.NewDurableBackend(rdb, executor.Deliver, executor.Fail)
		go durable.Run(ctx)
	}

	sched := schedule.NewDualScheduler(durable, fallback)
	svc := schedule.NewService(st, schedule.NewNormalizer(), sched, notifier)

	sweeper := schedule.NewSweeper(st, sched)
	if err := sweeper.Start(ctx, config.SweepInterval); err != nil {
		return err
	}
	defer sweeper.Stop()

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(svc, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore selects the store backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSender constructs the outbound send capability for the configured
// messaging provider: a directly linked device (whatsmeow) or the Twilio
// WhatsApp API.
func buildSender(config Config, flags Flags) (messaging.Sender, func(), error) {
	switch config.Provider {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	case "whatsmeow":
		var waOpts []whatsapp.Option
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		if config.WhatsAppDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", config.Provider)
	}
}

// Compile-time checks that both transports satisfy the send abstraction.
var (
	_ messaging.Sender = (*whatsapp.Client)(nil)
	_ messaging.Sender = (*twiliowhatsapp.Client)(nil)
)
