package modules

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/retrieval/peerfetch"
	"github.com/overlaynode/nodeupdater/updater"
)

func PeerFetchClient(lc fx.Lifecycle, h host.Host) *peerfetch.Client {
	c := peerfetch.NewClient(h)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start()
		},
		OnStop: func(context.Context) error {
			return c.Stop()
		},
	})

	return c
}

// RunPeerFetchFallback hands essential fetches to peers as soon as one that
// serves dependencies is connected.
func RunPeerFetchFallback(c *peerfetch.Client, o *updater.Orchestrator) {
	c.OnAvailable(o.OnFallbackSourceAvailable)
}

func RunPeerFetchServer(lc fx.Lifecycle, h host.Host, store *depstore.Store) {
	srv := peerfetch.NewServer(h, store)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			srv.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			srv.Stop()
			return nil
		},
	})
}
