package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/deploy"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/retrieval/gateway"
	"github.com/overlaynode/nodeupdater/updater"
)

var fetchCmd = &cli.Command{
	Name:      "fetch",
	Usage:     "Fetch the dependencies of a manifest from gateways and exit",
	ArgsUsage: "[manifest]",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "build",
			Usage: "build number of the manifest (default: the manifest's own)",
		},
		&cli.IntFlag{
			Name:  "max-attempts",
			Usage: "give up on a dependency after this many gateway requests (0: config value)",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "progress report interval",
			Value: 2 * time.Second,
		},
		&cli.BoolFlag{
			Name:  "stage",
			Usage: "write the ready file to the state directory once done",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt)
		defer cancel()

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		path := cfg.Manifest.Path
		if cctx.Args().Present() {
			path = cctx.Args().First()
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return xerrors.Errorf("reading manifest: %w", err)
		}

		b := updater.Build(cctx.Uint64("build"))
		if b == 0 {
			b, _ = manifest.BuildOf(raw)
		}

		store := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
		res, err := manifest.NewResolver(cfg.Manifest.DependencyDir, store)
		if err != nil {
			return err
		}

		gcfg := gateway.Config{
			Gateways:    cfg.Gateway.Gateways,
			MaxAttempts: cfg.Gateway.MaxAttempts,
			MinBackoff:  time.Duration(cfg.Gateway.MinBackoff),
			MaxBackoff:  time.Duration(cfg.Gateway.MaxBackoff),
		}
		if n := cctx.Int("max-attempts"); n > 0 {
			gcfg.MaxAttempts = n
		}

		dep := &oneShot{done: make(chan struct{})}
		if cctx.Bool("stage") {
			dep.next = deploy.NewStager(cfg.Manifest.StateDir, store, "")
		}

		orch := updater.NewOrchestrator(ctx, updater.Params{
			Resolver: res,
			Primary:  gateway.New(gcfg),
			Deployer: dep,
		})
		defer orch.Close() //nolint:errcheck

		out, err := orch.Handle(ctx, raw, b)
		if err != nil {
			return err
		}

		switch out.Status {
		case updater.StatusBroken:
			return xerrors.Errorf("manifest of build %d can't be satisfied", out.Build)
		case updater.StatusReady:
			dep.OnDependenciesReady(out.Build, out.Ready)
		}

		tick := time.NewTicker(cctx.Duration("interval"))
		defer tick.Stop()

		// wait for optional dependencies too, a one-shot fetch has no later
		// chance to retrieve them
		done := dep.done
		for {
			select {
			case <-done:
				done = nil
			case <-tick.C:
			case <-ctx.Done():
				return ctx.Err()
			}

			active := 0
			for d, p := range orch.RenderProgress() {
				active++
				fmt.Println(progressLine(d, p))
			}
			if active > 0 {
				continue
			}

			printResults(orch.Results())
			if !orch.Ready() {
				return xerrors.Errorf("build %d: %w", out.Build, updater.ErrEssentialDependencyUnavailable)
			}
			fmt.Printf("build %d: %s\n", out.Build, color.GreenString("ready"))
			return nil
		}
	},
}

// oneShot signals the first ready build and forwards it.
type oneShot struct {
	next updater.Deployer
	once sync.Once
	done chan struct{}
}

func (o *oneShot) OnDependenciesReady(b updater.Build, deps []updater.DependencyDescriptor) {
	if o.next != nil {
		o.next.OnDependenciesReady(b, deps)
	}
	o.once.Do(func() { close(o.done) })
}

func (o *oneShot) OnBroken(b updater.Build, err error) {
	if o.next != nil {
		o.next.OnBroken(b, err)
	}
}

func progressLine(d updater.DependencyDescriptor, p updater.ProgressSnapshot) string {
	pct := 0
	if p.Total > 0 {
		pct = p.Succeeded * 100 / p.Total
	}
	line := fmt.Sprintf("%s: %d/%d blocks (%d%%) of %s", d.Name, p.Succeeded, p.Total, pct, humanize.IBytes(uint64(d.Size)))
	if p.Failed > 0 {
		line += color.YellowString(" %d failed", p.Failed)
	}
	return line
}

func printResults(rs []updater.FetchResult) {
	for _, r := range rs {
		if r.Succeeded() {
			fmt.Printf("%s: %s from %s\n", r.Descriptor.Name, color.GreenString("fetched"), r.Source)
			continue
		}
		tag := color.YellowString("failed")
		if r.Descriptor.Essential {
			tag = color.RedString("failed")
		}
		fmt.Printf("%s: %s: %s\n", r.Descriptor.Name, tag, r.Err)
	}
}

var _ updater.Deployer = (*oneShot)(nil)
