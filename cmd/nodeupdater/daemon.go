package main

import (
	"context"
	"net/http"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/metrics"
	"github.com/overlaynode/nodeupdater/node"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
)

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start the updater daemon",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "offline",
			Usage: "only fetch from gateways; don't start a libp2p host",
		},
		&cli.StringFlag{
			Name:  "manifest",
			Usage: "override the manifest path from the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()

		cfg, err := loadConfig(cctx)
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		if m := cctx.String("manifest"); m != "" {
			cfg.Manifest.Path = m
		}

		for sub, lvl := range cfg.Logging.SubsystemLevels {
			if err := logging.SetLogLevel(sub, lvl); err != nil {
				return xerrors.Errorf("setting log level of %s: %w", sub, err)
			}
		}

		repo, err := repoPath(cctx)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(repo, 0755); err != nil {
			return xerrors.Errorf("creating repo dir: %w", err)
		}

		var shutdownChan dtypes.ShutdownChan
		stop, err := node.New(ctx,
			node.Repo(repo),
			node.If(!cctx.Bool("offline"), node.Online()),
			node.ConfigUpdater(cfg),
			node.Populate(&shutdownChan),
		)
		if err != nil {
			return xerrors.Errorf("initializing node: %w", err)
		}

		handlers := []node.ShutdownHandler{{Component: "node", StopFunc: stop}}

		if cfg.Metrics.ListenAddress != "" {
			exporter, err := metrics.Exporter("nodeupdater")
			if err != nil {
				_ = stop(ctx)
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/debug/metrics", exporter)
			srv := &http.Server{
				Addr:              cfg.Metrics.ListenAddress,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorw("metrics endpoint failed", "error", err)
				}
			}()
			log.Infow("serving metrics", "addr", cfg.Metrics.ListenAddress)

			handlers = append([]node.ShutdownHandler{{Component: "metrics endpoint", StopFunc: srv.Shutdown}}, handlers...)
		}

		log.Infow("updater daemon started", "manifest", cfg.Manifest.Path, "dependencies", cfg.Manifest.DependencyDir)

		<-node.MonitorShutdown(shutdownChan, handlers...)
		return nil
	},
}
