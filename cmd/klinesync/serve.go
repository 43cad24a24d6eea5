package main

import (
	"github.com/urfave/cli/v2"

	"github.com/klinesync/klinesync/internal/downloader"
	"github.com/klinesync/klinesync/internal/integrity"
	"github.com/klinesync/klinesync/internal/metrics"
	"github.com/klinesync/klinesync/internal/server"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the HTTP API with the download lane and optional auto-updater",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen address override, e.g. :8080"},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	env, err := newEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if c.IsSet("addr") {
		env.cfg.HTTP.Addr = c.String("addr")
	}

	m := metrics.New()
	svc, err := env.startDownloader(c.Context, m)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if env.cfg.Updater.Enabled {
		upd := downloader.NewUpdater(svc, env.cfg.Updater, env.logs.GetComponentLogger("updater").Logger)
		if err := upd.Start(c.Context); err != nil {
			return err
		}
		defer upd.Stop()
	}

	integrityLogger := env.logs.GetComponentLogger("integrity").Logger
	checker := integrity.NewChecker(env.store, m, integrityLogger)
	handler := server.NewHandler(server.Deps{
		Store:      env.store,
		Lister:     env.source,
		Downloader: svc,
		Checker:    checker,
		Reconciler: integrity.NewReconciler(env.store, env.source, integrityLogger),
		Healer:     integrity.NewHealer(checker, svc, integrityLogger),
		Metrics:    m,
		Logger:     env.logs.GetComponentLogger("http").Logger,
	})

	srv := server.New(env.cfg.HTTP, handler.Routes(), env.logs.GetComponentLogger("http").Logger)
	return srv.Run(c.Context)
}
