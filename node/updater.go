package node

import (
	"bytes"
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/node/config"
	"github.com/overlaynode/nodeupdater/node/modules/helpers"
	"github.com/overlaynode/nodeupdater/updater"
)

// Updater watches the manifest file and hands every changed version of it to
// the orchestrator.
type Updater struct {
	path     string
	build    updater.Build
	interval time.Duration

	orch     *updater.Orchestrator
	deployer updater.Deployer

	last    []byte
	handled bool
}

func NewUpdater(cfg config.Manifest, orch *updater.Orchestrator, deployer updater.Deployer) *Updater {
	interval := time.Duration(cfg.PollInterval)
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return &Updater{
		path:     cfg.Path,
		build:    updater.Build(cfg.Build),
		interval: interval,
		orch:     orch,
		deployer: deployer,
	}
}

// Poll reads the manifest once. It reports whether the manifest changed and
// was handed to the orchestrator.
func (u *Updater) Poll(ctx context.Context) (updater.Outcome, bool, error) {
	raw, err := os.ReadFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugw("no manifest yet", "path", u.path)
			return updater.Outcome{}, false, nil
		}
		return updater.Outcome{}, false, xerrors.Errorf("reading manifest: %w", err)
	}
	if u.handled && bytes.Equal(raw, u.last) {
		return updater.Outcome{}, false, nil
	}

	b := u.buildOf(raw)
	out, err := u.orch.Handle(ctx, raw, b)
	switch {
	case errors.Is(err, updater.ErrStaleBuild):
		log.Warnw("ignoring manifest of an older build", "build", b, "path", u.path)
		u.last, u.handled = raw, true
		return updater.Outcome{}, false, nil
	case err != nil:
		return updater.Outcome{}, false, err
	}
	u.last, u.handled = raw, true

	log.Infow("handled manifest", "build", out.Build, "status", out.Status)

	// builds with nothing essential to fetch are ready without a fetcher
	// completing, so nothing else tells the deployer
	if out.Status == updater.StatusReady {
		u.deployer.OnDependenciesReady(out.Build, out.Ready)
	}
	return out, true, nil
}

// buildOf picks the build number of raw: the configured one, else the one the
// manifest declares. Undecodable manifests are attributed to the current
// build so they mark it broken.
func (u *Updater) buildOf(raw []byte) updater.Build {
	if u.build != 0 {
		return u.build
	}
	if b, ok := manifest.BuildOf(raw); ok {
		return b
	}
	cur, _ := u.orch.CurrentBuild()
	return cur
}

// Run polls until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	t := build.Clock.Ticker(u.interval)
	defer t.Stop()

	for {
		if _, _, err := u.Poll(ctx); err != nil {
			log.Errorw("polling manifest", "path", u.path, "error", err)
		}
		u.orch.JournalProgress()

		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}

func RunUpdater(mctx helpers.MetricsCtx, lc fx.Lifecycle, u *Updater) {
	ctx, cancel := context.WithCancel(mctx)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				u.Run(ctx)
			}()
			return nil
		},
		OnStop: func(sctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-sctx.Done():
				return sctx.Err()
			}
		},
	})
}
