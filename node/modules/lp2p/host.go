package lp2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
	"github.com/overlaynode/nodeupdater/node/modules/helpers"
)

const bootstrapTimeout = 30 * time.Second

type P2PHostIn struct {
	fx.In

	Key crypto.PrivKey

	Opts [][]libp2p.Option `group:"libp2p"`
}

func Host(mctx helpers.MetricsCtx, lc fx.Lifecycle, params P2PHostIn) (host.Host, error) {
	opts := []libp2p.Option{
		libp2p.Identity(params.Key),
		libp2p.Ping(true),
		libp2p.UserAgent("nodeupdater-" + build.UserVersion()),
	}
	for _, o := range params.Opts {
		opts = append(opts, o...)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, xerrors.Errorf("creating libp2p host: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.Close()
		},
	})

	log.Infow("libp2p host started", "id", h.ID(), "addrs", h.Addrs())
	return h, nil
}

func MockHost(mn mocknet.Mocknet) (host.Host, error) {
	return mn.GenPeer()
}

// BuiltinBootstrap combines the compiled-in bootstrap list with the extra
// peers from the config.
func BuiltinBootstrap(extra []string) func() (dtypes.BootstrapPeers, error) {
	return func() (dtypes.BootstrapPeers, error) {
		pis, err := build.BuiltinBootstrap()
		if err != nil {
			return nil, xerrors.Errorf("loading builtin bootstrap peers: %w", err)
		}
		cfgPeers, err := build.ParseAddrInfos(extra)
		if err != nil {
			return nil, xerrors.Errorf("parsing configured bootstrap peers: %w", err)
		}
		return append(pis, cfgPeers...), nil
	}
}

// Bootstrap dials every bootstrap peer in the background once the node starts.
// Failures are logged; dependency fetches don't depend on them.
func Bootstrap(mctx helpers.MetricsCtx, lc fx.Lifecycle, h host.Host, peers dtypes.BootstrapPeers) {
	ctx := helpers.LifecycleCtx(mctx, lc)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, pi := range peers {
				if pi.ID == h.ID() {
					continue
				}
				go func(pi peer.AddrInfo) {
					cctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
					defer cancel()
					if err := h.Connect(cctx, pi); err != nil {
						log.Warnw("failed to connect to bootstrap peer", "peer", pi.ID, "error", err)
						return
					}
					log.Debugw("connected to bootstrap peer", "peer", pi.ID)
				}(pi)
			}
			return nil
		},
	})
}
