package modules

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/overlaynode/nodeupdater/deploy"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/journal"
	"github.com/overlaynode/nodeupdater/journal/alerting"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/node/config"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
	"github.com/overlaynode/nodeupdater/node/modules/helpers"
	"github.com/overlaynode/nodeupdater/retrieval/gateway"
	"github.com/overlaynode/nodeupdater/retrieval/peerfetch"
	"github.com/overlaynode/nodeupdater/updater"
)

func DepStore(ds dtypes.MetadataDS) *depstore.Store {
	return depstore.New(ds)
}

func Resolver(dir dtypes.DependencyDir, store *depstore.Store) (*manifest.Resolver, error) {
	return manifest.NewResolver(string(dir), store)
}

func GatewayEngine(cfg config.Gateway) func() *gateway.Engine {
	return func() *gateway.Engine {
		return gateway.New(gateway.Config{
			Gateways:    cfg.Gateways,
			MaxAttempts: cfg.MaxAttempts,
			MinBackoff:  time.Duration(cfg.MinBackoff),
			MaxBackoff:  time.Duration(cfg.MaxBackoff),
		})
	}
}

// Stager returns the staging deployer. With cleanup enabled, files of
// superseded builds are pruned from the dependency directory.
func Stager(cleanup bool) func(state dtypes.StateDir, dir dtypes.DependencyDir, store *depstore.Store) *deploy.Stager {
	return func(state dtypes.StateDir, dir dtypes.DependencyDir, store *depstore.Store) *deploy.Stager {
		var prune string
		if cleanup {
			prune = string(dir)
		}
		return deploy.NewStager(string(state), store, prune)
	}
}

type OrchestratorIn struct {
	fx.In

	Resolver updater.ManifestResolver
	Primary  *gateway.Engine
	Fallback *peerfetch.Client `optional:"true"`
	Deployer updater.Deployer

	Journal  journal.Journal
	Alerting *alerting.Alerting
}

func Orchestrator(mctx helpers.MetricsCtx, lc fx.Lifecycle, in OrchestratorIn) *updater.Orchestrator {
	p := updater.Params{
		Resolver: in.Resolver,
		Primary:  in.Primary,
		Deployer: in.Deployer,
		Journal:  in.Journal,
		Alerting: in.Alerting,
	}
	if in.Fallback != nil {
		p.Fallback = in.Fallback
	}

	o := updater.NewOrchestrator(helpers.LifecycleCtx(mctx, lc), p)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return o.Close()
		},
	})

	return o
}
