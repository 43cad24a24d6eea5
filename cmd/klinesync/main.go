// klinesync downloads Binance USDT-margined futures klines into a local
// database and keeps them fresh, checked, and repaired.
//
// Usage:
//
//	klinesync download --interval 1d --symbol BTCUSDT --days 30
//	klinesync check --interval 1d
//	klinesync serve --addr :8080
//
// For detailed help on any command, use: klinesync <command> --help
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/klinesync/klinesync/internal/config"
	"github.com/klinesync/klinesync/internal/downloader"
	"github.com/klinesync/klinesync/internal/exchange"
	"github.com/klinesync/klinesync/internal/logger"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
	"github.com/klinesync/klinesync/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := cli.NewApp()
	app.Name = "klinesync"
	app.Version = config.DefaultConfig().Version
	app.Usage = "download, audit, and serve Binance futures kline data"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a JSON config file",
			EnvVars: []string{"KLINESYNC_CONFIG_PATH"},
		},
		&cli.StringFlag{
			Name:  "db-driver",
			Usage: "database driver: sqlite3, duckdb, or postgres",
		},
		&cli.StringFlag{
			Name:  "db-dsn",
			Usage: "database connection string",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level: debug, info, warn, or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format: json or text",
		},
	}
	app.Commands = []*cli.Command{
		downloadCommand,
		updateCommand,
		downloadMissingCommand,
		checkCommand,
		reportCommand,
		recheckCommand,
		symbolsCommand,
		serveCommand,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "klinesync: %v\n", err)
		os.Exit(1)
	}
}

// appEnv bundles the pieces every command needs: validated configuration, the
// shared logger, an initialized store, and the exchange client.
type appEnv struct {
	cfg    *config.AppConfig
	logs   *logger.LoggerManager
	logger *slog.Logger
	store  *storage.SQLStore
	source *exchange.BinanceSource
}

// newEnv loads configuration and opens the database. Close releases both.
func newEnv(c *cli.Context) (*appEnv, error) {
	applyFlagOverrides(c)

	cm := config.NewConfigManager(c.String("config"), slog.Default())
	cfg, err := cm.LoadConfig(c.Context)
	if err != nil {
		return nil, err
	}

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLStore(cfg.Database, logs.GetComponentLogger("storage").Logger)
	if err != nil {
		logs.Close()
		return nil, err
	}
	if err := store.Initialize(c.Context); err != nil {
		store.Close()
		logs.Close()
		return nil, err
	}

	source := exchange.NewBinanceSource(exchange.Config{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Timeout:           cfg.Exchange.TimeoutDuration(),
		Logger:            logs.GetComponentLogger("exchange").Logger,
	})

	return &appEnv{
		cfg:    cfg,
		logs:   logs,
		logger: logs.GetLogger(),
		store:  store,
		source: source,
	}, nil
}

func (e *appEnv) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing store failed", "error", err)
	}
	e.logs.Close()
}

// startDownloader builds and starts the download lane; the caller owns Stop.
func (e *appEnv) startDownloader(ctx context.Context, m *metrics.Metrics) (*downloader.Service, error) {
	svc := downloader.New(e.store, e.source, nil, m, e.cfg.Downloader, e.logs.GetComponentLogger("downloader").Logger)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// applyFlagOverrides maps global flags onto the environment variables the
// config loader already reads, keeping one override path.
func applyFlagOverrides(c *cli.Context) {
	for flag, envKey := range map[string]string{
		"db-driver":  "KLINESYNC_DB_DRIVER",
		"db-dsn":     "KLINESYNC_DB_DSN",
		"log-level":  "KLINESYNC_LOG_LEVEL",
		"log-format": "KLINESYNC_LOG_FORMAT",
	} {
		if c.IsSet(flag) {
			os.Setenv(envKey, c.String(flag))
		}
	}
}

// requireInterval parses the mandatory --interval flag.
func requireInterval(c *cli.Context) (models.Interval, error) {
	raw := c.String("interval")
	if raw == "" {
		return "", fmt.Errorf("--interval is required")
	}
	return models.ParseInterval(raw)
}

// cliDateLayouts are the date forms accepted by --start and --end.
var cliDateLayouts = []string{models.TradeDateLayout, "2006-01-02 15:04", "2006-01-02"}

// parseDateArg parses a CLI date in UTC to Unix milliseconds. A date-only end
// bound extends to the day's last second; empty stays zero (unset).
func parseDateArg(s string, endOfDay bool) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, layout := range cliDateLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			continue
		}
		if endOfDay && layout == "2006-01-02" {
			t = t.Add(24*time.Hour - time.Second)
		}
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("unrecognized date %q, use YYYY-MM-DD", s)
}

// waitForTask polls the lane until the task finishes. Interrupts cancel the
// task before returning so the lane is not left working on a dead request.
func waitForTask(ctx context.Context, svc *downloader.Service, id string) (*models.DownloadTask, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, ok := svc.Task(id)
		if !ok {
			return nil, fmt.Errorf("task %s disappeared from the lane", id)
		}
		if task.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			svc.Cancel(id)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func jsonOutput(in any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(in)
}
