package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/klinesync/klinesync/internal/downloader"
	"github.com/klinesync/klinesync/internal/integrity"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/models"
)

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "download historical klines for one symbol or every tracked one",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "interval", Aliases: []string{"i"}, Usage: "kline interval, e.g. 1d, 4h, 5m", Required: true},
		&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "single symbol to download; empty means all tracked symbols"},
		&cli.StringFlag{Name: "start", Usage: "window start (YYYY-MM-DD)"},
		&cli.StringFlag{Name: "end", Usage: "window end (YYYY-MM-DD, inclusive)"},
		&cli.IntFlag{Name: "days", Aliases: []string{"d"}, Usage: "lookback in days when --start is not given"},
		&cli.IntFlag{Name: "limit", Usage: "rows per exchange call (max 1500)"},
		&cli.BoolFlag{Name: "update-existing", Usage: "overwrite rows already stored"},
		&cli.BoolFlag{Name: "missing-only", Usage: "only download symbols that hold no data yet"},
		&cli.DurationFlag{Name: "request-delay", Usage: "pause between exchange calls", Value: 100 * time.Millisecond},
		&cli.IntFlag{Name: "batch-size", Usage: "symbols per pacing batch"},
		&cli.DurationFlag{Name: "batch-delay", Usage: "pause after each pacing batch"},
	},
	Action: runDownload,
}

var updateCommand = &cli.Command{
	Name:  "update",
	Usage: "bring every stored series of an interval up to the latest complete bar",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "interval", Aliases: []string{"i"}, Usage: "kline interval to refresh", Required: true},
		&cli.IntFlag{Name: "limit", Usage: "rows per exchange call (max 1500)"},
		&cli.DurationFlag{Name: "request-delay", Usage: "pause between exchange calls", Value: 100 * time.Millisecond},
		&cli.IntFlag{Name: "batch-size", Usage: "symbols per pacing batch"},
		&cli.DurationFlag{Name: "batch-delay", Usage: "pause after each pacing batch"},
	},
	Action: runUpdate,
}

var downloadMissingCommand = &cli.Command{
	Name:  "download-missing",
	Usage: "check for gaps and empty series, download what is absent, then re-check",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "interval", Aliases: []string{"i"}, Usage: "kline interval to heal", Required: true},
		&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "limit healing to one symbol"},
		&cli.StringFlag{Name: "start", Usage: "window start (YYYY-MM-DD)"},
		&cli.StringFlag{Name: "end", Usage: "window end (YYYY-MM-DD, inclusive)"},
	},
	Action: runDownloadMissing,
}

func runDownload(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	interval, err := requireInterval(c)
	if err != nil {
		return err
	}
	startMs, err := parseDateArg(c.String("start"), false)
	if err != nil {
		return err
	}
	endMs, err := parseDateArg(c.String("end"), true)
	if err != nil {
		return err
	}

	kind := models.TaskKindDownload
	if c.Bool("missing-only") {
		kind = models.TaskKindMissingOnly
	}

	return submitAndWait(c, env, downloader.Intent{
		Kind:           kind,
		Interval:       interval,
		Symbol:         c.String("symbol"),
		StartMs:        startMs,
		EndMs:          endMs,
		DaysBack:       c.Int("days"),
		PageLimit:      c.Int("limit"),
		UpdateExisting: c.Bool("update-existing"),
		MissingOnly:    c.Bool("missing-only"),
		Pacing:         pacingFromFlags(c),
	})
}

func runUpdate(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	interval, err := requireInterval(c)
	if err != nil {
		return err
	}

	return submitAndWait(c, env, downloader.Intent{
		Kind:      models.TaskKindAutoUpdate,
		Interval:  interval,
		PageLimit: c.Int("limit"),
		Pacing:    pacingFromFlags(c),
	})
}

func runDownloadMissing(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	interval, err := requireInterval(c)
	if err != nil {
		return err
	}
	startMs, err := parseDateArg(c.String("start"), false)
	if err != nil {
		return err
	}
	endMs, err := parseDateArg(c.String("end"), true)
	if err != nil {
		return err
	}

	m := metrics.New()
	svc, err := env.startDownloader(c.Context, m)
	if err != nil {
		return err
	}
	defer svc.Stop()

	checker := integrity.NewChecker(env.store, m, env.logs.GetComponentLogger("integrity").Logger)
	healer := integrity.NewHealer(checker, svc, env.logs.GetComponentLogger("integrity").Logger)

	result, err := healer.DownloadMissing(c.Context, integrity.CheckRequest{
		Symbol:   c.String("symbol"),
		Interval: interval,
		StartMs:  startMs,
		EndMs:    endMs,
	})
	if err != nil {
		return err
	}
	return jsonOutput(result)
}

// submitAndWait runs a single task through the lane and prints its final
// state.
func submitAndWait(c *cli.Context, env *appEnv, intent downloader.Intent) error {
	svc, err := env.startDownloader(c.Context, metrics.New())
	if err != nil {
		return err
	}
	defer svc.Stop()

	task, err := svc.Submit(intent)
	if err != nil {
		return err
	}
	env.logger.Info("task submitted", "task_id", task.ID, "kind", task.Kind)

	final, err := waitForTask(c.Context, svc, task.ID)
	if err != nil {
		return err
	}
	return jsonOutput(final)
}

func pacingFromFlags(c *cli.Context) downloader.Pacing {
	var pacing downloader.Pacing
	if d := c.Duration("request-delay"); d > 0 {
		pacing.RequestDelay = d
	}
	if n := c.Int("batch-size"); n > 0 {
		pacing.BatchSize = n
	}
	if d := c.Duration("batch-delay"); d > 0 {
		pacing.BatchDelay = d
	}
	return pacing
}
