package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/klinesync/klinesync/internal/integrity"
	"github.com/klinesync/klinesync/internal/metrics"
)

var checkFlags = []cli.Flag{
	&cli.StringFlag{Name: "interval", Aliases: []string{"i"}, Usage: "kline interval to audit", Required: true},
	&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "limit the audit to one symbol"},
	&cli.StringFlag{Name: "start", Usage: "window start (YYYY-MM-DD)"},
	&cli.StringFlag{Name: "end", Usage: "window end (YYYY-MM-DD, inclusive)"},
	&cli.BoolFlag{Name: "duplicates", Usage: "check for duplicated open times", Value: true},
	&cli.BoolFlag{Name: "missing", Usage: "check for gaps in the bar cadence", Value: true},
	&cli.BoolFlag{Name: "quality", Usage: "check OHLCV consistency rules", Value: true},
}

var checkCommand = &cli.Command{
	Name:   "check",
	Usage:  "audit stored series for duplicates, gaps, and bad values",
	Flags:  checkFlags,
	Action: runCheck,
}

var reportCommand = &cli.Command{
	Name:  "report",
	Usage: "audit stored series and render the findings as a document",
	Flags: append([]cli.Flag{
		&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output format: text, json, html, or markdown", Value: "text"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the report to a file instead of stdout"},
	}, checkFlags...),
	Action: runReport,
}

var recheckCommand = &cli.Command{
	Name:   "recheck",
	Usage:  "compare flagged series against a fresh exchange download",
	Flags:  checkFlags,
	Action: runRecheck,
}

func checkRequestFromFlags(c *cli.Context) (integrity.CheckRequest, error) {
	interval, err := requireInterval(c)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	startMs, err := parseDateArg(c.String("start"), false)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	endMs, err := parseDateArg(c.String("end"), true)
	if err != nil {
		return integrity.CheckRequest{}, err
	}
	return integrity.CheckRequest{
		Symbol:          c.String("symbol"),
		Interval:        interval,
		StartMs:         startMs,
		EndMs:           endMs,
		CheckDuplicates: c.Bool("duplicates"),
		CheckMissing:    c.Bool("missing"),
		CheckQuality:    c.Bool("quality"),
	}, nil
}

func runCheck(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	req, err := checkRequestFromFlags(c)
	if err != nil {
		return err
	}

	checker := integrity.NewChecker(env.store, metrics.New(), env.logs.GetComponentLogger("integrity").Logger)
	report, err := checker.Check(c.Context, req)
	if err != nil {
		return err
	}
	return jsonOutput(report)
}

func runReport(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	req, err := checkRequestFromFlags(c)
	if err != nil {
		return err
	}
	format, err := integrity.ParseFormat(c.String("format"))
	if err != nil {
		return err
	}

	checker := integrity.NewChecker(env.store, metrics.New(), env.logs.GetComponentLogger("integrity").Logger)
	report, err := checker.Check(c.Context, req)
	if err != nil {
		return err
	}

	rendered, err := integrity.RenderReport(report, format, integrity.ReportOptions{
		CheckDuplicates: req.CheckDuplicates,
		CheckMissing:    req.CheckMissing,
		CheckQuality:    req.CheckQuality,
	})
	if err != nil {
		return err
	}

	if path := c.String("output"); path != "" {
		if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		env.logger.Info("report written", "path", path, "format", format)
		return nil
	}
	fmt.Println(rendered)
	return nil
}

func runRecheck(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	req, err := checkRequestFromFlags(c)
	if err != nil {
		return err
	}

	checker := integrity.NewChecker(env.store, metrics.New(), env.logs.GetComponentLogger("integrity").Logger)
	report, err := checker.Check(c.Context, req)
	if err != nil {
		return err
	}
	if len(report.SymbolsWithIssues) == 0 {
		env.logger.Info("no flagged symbols to recheck", "interval", req.Interval)
		return jsonOutput(report)
	}

	reconciler := integrity.NewReconciler(env.store, env.source, env.logs.GetComponentLogger("integrity").Logger)
	result, err := reconciler.Recheck(c.Context, report, req.StartMs, req.EndMs)
	if err != nil {
		return err
	}
	return jsonOutput(result)
}
