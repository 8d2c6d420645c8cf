package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftq/driftq/internal/backoff"
	"github.com/driftq/driftq/internal/engine"
	"github.com/driftq/driftq/internal/lockfile"
	"github.com/driftq/driftq/internal/models"
	"github.com/driftq/driftq/internal/store"
	"github.com/driftq/driftq/internal/transport"
	"github.com/driftq/driftq/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for driftq state data
	DefaultStateDir = "/var/lib/driftq"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "driftq.db"
	// DefaultServerURL is the default chat server websocket endpoint
	DefaultServerURL = "ws://localhost:8080/ws"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.Debug)

	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags, config)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	cfg := backoff.DefaultConfig()
	tr := transport.NewWebSocketTransport(*flags.serverURL, cfg)
	eng := engine.New(st, tr, cfg, engine.WithRetention(*flags.retention))

	if *flags.metricsAddr != "" {
		go serveMetrics(*flags.metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		slog.Error("driftq failed to start", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	slog.Info("driftq started", "server", *flags.serverURL, "stateDir", *flags.stateDir)
	runConsole(ctx, eng)
	slog.Info("driftq exiting")
}

// Config holds environment configuration
type Config struct {
	Debug         bool
	DbDriver      string
	DatabaseURL   string
	ServerURL     string
	StateDir      string
	MetricsAddr   string
	Retention     time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Flags holds command line flag values
type Flags struct {
	dbDriver    *string
	dbDSN       *string
	serverURL   *string
	stateDir    *string
	metricsAddr *string
	redisAddr   *string
	retention   *time.Duration
}

// initializeLogger sets up structured logging
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	godotenv.Load()

	config := Config{
		Debug:         util.ParseBoolEnv("DRIFTQ_DEBUG", false),
		DbDriver:      os.Getenv("DRIFTQ_DB_DRIVER"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ServerURL:     os.Getenv("DRIFTQ_SERVER_URL"),
		StateDir:      os.Getenv("DRIFTQ_STATE_DIR"),
		MetricsAddr:   os.Getenv("DRIFTQ_METRICS_ADDR"),
		Retention:     util.ParseDurationEnv("DRIFTQ_CACHE_RETENTION", store.DefaultRetention),
		RedisAddr:     os.Getenv("DRIFTQ_REDIS_ADDR"),
		RedisPassword: os.Getenv("DRIFTQ_REDIS_PASSWORD"),
		RedisDB:       util.ParseIntEnv("DRIFTQ_REDIS_DB", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.ServerURL == "" {
		config.ServerURL = DefaultServerURL
	}
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDriver:    flag.String("db-driver", config.DbDriver, "database driver: sqlite3 or postgres"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN (file path for sqlite3)"),
		serverURL:   flag.String("server-url", config.ServerURL, "chat server websocket URL"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory"),
		metricsAddr: flag.String("metrics-addr", config.MetricsAddr, "prometheus metrics listen address, empty to disable"),
		redisAddr:   flag.String("redis-addr", config.RedisAddr, "redis address for the message cache, empty to keep it on SQL"),
		retention:   flag.Duration("retention", config.Retention, "message cache retention window"),
	}
	flag.Parse()

	slog.Debug("configuration resolved",
		"db_driver", *flags.dbDriver,
		"dsn_set", *flags.dbDSN != "",
		"server_url", *flags.serverURL,
		"state_dir", *flags.stateDir,
		"metrics_addr", *flags.metricsAddr,
		"redis_addr", *flags.redisAddr,
		"retention", *flags.retention)
	return flags
}

// buildStore selects storage backends from the configured driver and DSN.
// With a redis address, the message cache moves to redis while the send
// queue stays on SQL.
func buildStore(flags Flags, config Config) (store.Store, error) {
	dsn := *flags.dbDSN
	driver := detectDriver(*flags.dbDriver, dsn)

	var sqlStore store.Store
	var err error
	switch driver {
	case "postgres":
		sqlStore, err = store.NewPostgresStore(store.WithDSN(dsn), store.WithRetention(*flags.retention))
	default:
		if dsn == "" {
			dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		sqlStore, err = store.NewSQLiteStore(store.WithDSN(dsn), store.WithRetention(*flags.retention))
	}
	if err != nil {
		return nil, err
	}

	if *flags.redisAddr == "" {
		return sqlStore, nil
	}

	cache, err := store.NewRedisCacheStore(*flags.redisAddr, config.RedisPassword, config.RedisDB,
		store.WithRetention(*flags.retention))
	if err != nil {
		sqlStore.Close()
		return nil, err
	}
	slog.Info("Message cache on redis", "addr", *flags.redisAddr)
	return store.NewSplitStore(sqlStore, cache), nil
}

// detectDriver infers the SQL driver from the DSN when none is configured.
func detectDriver(driver, dsn string) string {
	if driver != "" {
		return driver
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("Metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics server failed", "error", err)
	}
}

// runConsole is a line-based demo shell: "send <target> <text>" queues a
// channel message, "dm <conversation> <text>" a direct one, "show <target>"
// prints the queued rows for a target.
func runConsole(ctx context.Context, eng *engine.Engine) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleCommand(eng, line)
		}
	}
}

func handleCommand(eng *engine.Engine, line string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	switch parts[0] {
	case "send":
		if len(parts) < 3 {
			fmt.Println("usage: send <channel> <text>")
			return
		}
		id := eng.Enqueue(models.Draft{Content: parts[2], TargetID: parts[1], TargetType: models.TargetTypeChannel})
		fmt.Println("queued", id)
	case "dm":
		if len(parts) < 3 {
			fmt.Println("usage: dm <conversation> <text>")
			return
		}
		id := eng.Enqueue(models.Draft{Content: parts[2], TargetID: parts[1], TargetType: models.TargetTypeDirect})
		fmt.Println("queued", id)
	case "show":
		if len(parts) < 2 {
			fmt.Println("usage: show <target>")
			return
		}
		view := eng.QueueView(parts[1])
		snapshot := <-view.Updates()
		view.Close()
		for _, m := range snapshot {
			fmt.Printf("%s  %-8s retries=%d  %s\n", m.ClientID, m.Status, m.RetryCount, m.Content)
		}
	case "retry":
		eng.RetryNow()
	case "":
	default:
		fmt.Println("commands: send, dm, show, retry")
	}
}
