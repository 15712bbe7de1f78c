package lp2p

import (
	"crypto/rand"
	"errors"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
	"github.com/overlaynode/nodeupdater/node/modules/helpers"
)

var log = logging.Logger("p2pnode")

var identityKey = datastore.NewKey("/libp2p/identity")

type Libp2pOpts struct {
	fx.Out

	Opts []libp2p.Option `group:"libp2p"`
}

// PrivKey loads the host identity from the metadata datastore, generating
// and persisting a new ed25519 key on first start.
func PrivKey(mctx helpers.MetricsCtx, ds dtypes.MetadataDS) (crypto.PrivKey, error) {
	kb, err := ds.Get(mctx, identityKey)
	if err == nil {
		return crypto.UnmarshalPrivateKey(kb)
	}
	if !errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("loading libp2p identity: %w", err)
	}

	pk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	kb, err = crypto.MarshalPrivateKey(pk)
	if err != nil {
		return nil, err
	}
	if err := ds.Put(mctx, identityKey, kb); err != nil {
		return nil, xerrors.Errorf("storing libp2p identity: %w", err)
	}
	if err := ds.Sync(mctx, identityKey); err != nil {
		return nil, xerrors.Errorf("syncing libp2p identity: %w", err)
	}

	log.Info("generated new libp2p identity")
	return pk, nil
}

func ListenAddresses(addresses []string) func() (opts Libp2pOpts, err error) {
	return func() (opts Libp2pOpts, err error) {
		listen := make([]ma.Multiaddr, 0, len(addresses))
		for _, addr := range addresses {
			maddr, err := ma.NewMultiaddr(addr)
			if err != nil {
				return opts, xerrors.Errorf("failure to parse config.Libp2p.ListenAddresses: %w", err)
			}
			listen = append(listen, maddr)
		}

		opts.Opts = append(opts.Opts, libp2p.ListenAddrs(listen...))
		return
	}
}
