package node

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/deploy"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/journal"
	"github.com/overlaynode/nodeupdater/journal/alerting"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/node/config"
	"github.com/overlaynode/nodeupdater/node/modules"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
	"github.com/overlaynode/nodeupdater/node/modules/helpers"
	"github.com/overlaynode/nodeupdater/node/modules/lp2p"
	"github.com/overlaynode/nodeupdater/retrieval/gateway"
	"github.com/overlaynode/nodeupdater/retrieval/peerfetch"
	"github.com/overlaynode/nodeupdater/updater"
)

//nolint:deadcode,varcheck
var log = logging.Logger("builder")

// special is a type used to give keys to modules which
//
//	can't really be identified by the returned type
type special struct{ id int }

//nolint:golint
var (
	ListenAddrsKey       = special{0} // Libp2p option
	BandwidthReporterKey = special{1} // Libp2p option
)

type invoke int

// Invokes are called in the order they are defined.
//
//nolint:golint
const (
	CheckDependencyDirKey = invoke(iota)

	// libp2p
	BootstrapKey

	// peer transfer
	RunPeerFetchServerKey
	RunPeerFetchFallbackKey

	RunUpdaterKey

	PopulateKey

	_nInvokes // keep this last
)

type Settings struct {
	// modules is a map of constructors for DI
	//
	// In most cases the index will be a reflect. Type of element returned by
	// the constructor, but for some 'constructors' it's hard to specify what's
	// the return type should be (or the constructor returns fx group)
	modules map[interface{}]fx.Option

	// invokes are separate from modules as they can't be referenced by return
	// type, and must be applied in correct order
	invokes []fx.Option

	Online bool // Online option applied
	Config bool // Config option applied
	Base   bool // Repo option applied
}

func defaults() []Option {
	return []Option{
		// global system journal.
		Override(new(journal.DisabledEvents), journal.EnvDisabledEvents),
		Override(new(journal.Journal), modules.OpenFilesystemJournal),
		Override(new(*alerting.Alerting), alerting.NewAlertingSystem),

		Override(new(helpers.MetricsCtx), context.Background),
		Override(new(dtypes.ShutdownChan), make(chan struct{})),
	}
}

func libp2p(cfg config.Libp2p) Option {
	return Options(
		Override(new(crypto.PrivKey), lp2p.PrivKey),
		Override(new(host.Host), lp2p.Host),

		Override(ListenAddrsKey, lp2p.ListenAddresses(cfg.ListenAddresses)),
		Override(BandwidthReporterKey, lp2p.BandwidthCounter),

		Override(new(dtypes.BootstrapPeers), lp2p.BuiltinBootstrap(cfg.BootstrapPeers)),
		Override(BootstrapKey, lp2p.Bootstrap),
	)
}

// Online marks the node as connected to the peer network. Config options
// then set up the libp2p host and the peer transfer services; without it
// dependencies are only fetched from gateways.
func Online() Option {
	return Options(
		func(s *Settings) error { s.Online = true; return nil },
		ApplyIf(func(s *Settings) bool { return s.Config },
			Error(xerrors.New("the Online option must be set before Config option")),
		),
	)
}

func isOnline(s *Settings) bool { return s.Online }

func peerTransfer(cfg config.Libp2p) Option {
	return Options(
		If(cfg.ServeDependencies || cfg.EnableFallback, libp2p(cfg)),

		If(cfg.ServeDependencies,
			Override(RunPeerFetchServerKey, modules.RunPeerFetchServer),
		),
		If(cfg.EnableFallback,
			Override(new(*peerfetch.Client), modules.PeerFetchClient),
			Override(RunPeerFetchFallbackKey, modules.RunPeerFetchFallback),
		),
	)
}

// ConfigUpdater applies the daemon config to the dependency fetch pipeline.
func ConfigUpdater(cfg *config.Updater) Option {
	return Options(
		func(s *Settings) error { s.Config = true; return nil },
		ApplyIf(func(s *Settings) bool { return !s.Base },
			Error(xerrors.New("the Repo option must be set before Config option")),
		),

		Override(new(journal.DisabledEvents), func() (journal.DisabledEvents, error) {
			return journal.ParseDisabledEvents(cfg.Journal.DisabledEvents)
		}),

		Override(new(config.Manifest), cfg.Manifest),
		Override(new(dtypes.DependencyDir), dtypes.DependencyDir(cfg.Manifest.DependencyDir)),
		Override(new(dtypes.StateDir), dtypes.StateDir(cfg.Manifest.StateDir)),
		Override(CheckDependencyDirKey, modules.CheckDependencyDir),

		Override(new(*gateway.Engine), modules.GatewayEngine(cfg.Gateway)),

		Override(new(*manifest.Resolver), modules.Resolver),
		Override(new(updater.ManifestResolver), From(new(*manifest.Resolver))),

		Override(new(*deploy.Stager), modules.Stager(cfg.Manifest.Cleanup)),
		Override(new(updater.Deployer), From(new(*deploy.Stager))),

		Override(new(*updater.Orchestrator), modules.Orchestrator),

		Override(new(*Updater), NewUpdater),
		Override(RunUpdaterKey, RunUpdater),

		ApplyIf(isOnline, peerTransfer(cfg.Libp2p)),
	)
}

// Repo opens the node's metadata datastore under path.
func Repo(path string) Option {
	return Options(
		func(s *Settings) error { s.Base = true; return nil },

		Override(new(dtypes.RepoPath), dtypes.RepoPath(path)),
		Override(new(dtypes.MetadataDS), modules.Datastore),
		Override(new(*depstore.Store), modules.DepStore),
	)
}

type StopFunc func(context.Context) error

// New builds and starts a new node updater
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	settings := Settings{
		modules: map[interface{}]fx.Option{},
		invokes: make([]fx.Option, _nInvokes),
	}

	// apply module options in the right order
	if err := Options(Options(defaults()...), Options(opts...))(&settings); err != nil {
		return nil, xerrors.Errorf("applying node options failed: %w", err)
	}

	// gather constructors for fx.Options
	ctors := make([]fx.Option, 0, len(settings.modules))
	for _, opt := range settings.modules {
		ctors = append(ctors, opt)
	}

	// fill holes in invokes for use in fx.Options
	for i, opt := range settings.invokes {
		if opt == nil {
			settings.invokes[i] = fx.Options()
		}
	}

	app := fx.New(
		fx.Options(ctors...),
		fx.Options(settings.invokes...),

		fx.NopLogger,
	)

	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	return app.Stop, nil
}

// In-memory / testing

// MockHost puts the node on a mock network instead of a real libp2p host.
func MockHost(mn mocknet.Mocknet) Option {
	return Options(
		ApplyIf(func(s *Settings) bool { return !s.Config },
			Error(xerrors.New("MockHost must be specified after Config option")),
		),

		Override(new(mocknet.Mocknet), mn),
		Override(new(host.Host), lp2p.MockHost),
		Unset(BootstrapKey),
	)
}

// Populate extracts components of the built node into the given pointers.
func Populate(targets ...interface{}) Option {
	return func(s *Settings) error {
		s.invokes[PopulateKey] = fx.Populate(targets...)
		return nil
	}
}
