package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/klinesync/klinesync/internal/models"
)

var symbolsCommand = &cli.Command{
	Name:  "symbols",
	Usage: "manage the tracked symbol registry",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list tracked symbols, optionally filtered by status",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Usage: "filter by status, e.g. TRADING, BREAK, DELISTED"},
			},
			Action: runSymbolsList,
		},
		{
			Name:  "sync",
			Usage: "reconcile the registry with the exchange trading listing",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dry-run", Usage: "report what would change without writing"},
			},
			Action: runSymbolsSync,
		},
		{
			Name:      "add",
			Usage:     "track a symbol",
			ArgsUsage: "<symbol>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "status", Usage: "initial status", Value: string(models.StatusTrading)},
			},
			Action: runSymbolsAdd,
		},
		{
			Name:      "status",
			Usage:     "change a tracked symbol's status",
			ArgsUsage: "<symbol> <status>",
			Action:    runSymbolsStatus,
		},
		{
			Name:      "remove",
			Usage:     "stop tracking a symbol",
			ArgsUsage: "<symbol>",
			Action:    runSymbolsRemove,
		},
		{
			Name:   "stats",
			Usage:  "show registry totals by status",
			Action: runSymbolsStats,
		},
	},
}

func runSymbolsList(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	status := models.SymbolStatus(strings.ToUpper(c.String("status")))
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", c.String("status"))
	}
	infos, err := env.store.ListSymbols(c.Context, status)
	if err != nil {
		return err
	}
	return jsonOutput(infos)
}

func runSymbolsSync(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	listing, err := env.source.TradingSymbols(c.Context)
	if err != nil {
		return err
	}
	result, err := env.store.SyncSymbols(c.Context, listing, c.Bool("dry-run"))
	if err != nil {
		return err
	}
	return jsonOutput(result)
}

func runSymbolsAdd(c *cli.Context) error {
	symbol := strings.ToUpper(c.Args().First())
	if symbol == "" {
		return fmt.Errorf("usage: klinesync symbols add <symbol>")
	}
	status := models.SymbolStatus(strings.ToUpper(c.String("status")))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", c.String("status"))
	}

	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.store.PutSymbol(c.Context, symbol, status); err != nil {
		return err
	}
	env.logger.Info("symbol tracked", "symbol", symbol, "status", status)
	return nil
}

func runSymbolsStatus(c *cli.Context) error {
	symbol := strings.ToUpper(c.Args().Get(0))
	status := models.SymbolStatus(strings.ToUpper(c.Args().Get(1)))
	if symbol == "" || status == "" {
		return fmt.Errorf("usage: klinesync symbols status <symbol> <status>")
	}
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", c.Args().Get(1))
	}

	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.store.UpdateSymbolStatus(c.Context, symbol, status); err != nil {
		return err
	}
	env.logger.Info("symbol status updated", "symbol", symbol, "status", status)
	return nil
}

func runSymbolsRemove(c *cli.Context) error {
	symbol := strings.ToUpper(c.Args().First())
	if symbol == "" {
		return fmt.Errorf("usage: klinesync symbols remove <symbol>")
	}

	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.store.DeleteSymbol(c.Context, symbol); err != nil {
		return err
	}
	env.logger.Info("symbol removed", "symbol", symbol)
	return nil
}

func runSymbolsStats(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.store.SymbolStats(c.Context)
	if err != nil {
		return err
	}
	return jsonOutput(stats)
}
