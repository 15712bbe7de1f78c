package modules

import (
	"context"
	"os"
	"path/filepath"

	levelds "github.com/ipfs/go-ds-leveldb"
	logging "github.com/ipfs/go-log/v2"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/journal"
	"github.com/overlaynode/nodeupdater/journal/fsjournal"
	"github.com/overlaynode/nodeupdater/node/modules/dtypes"
)

var log = logging.Logger("modules")

const metadataDir = "metadata"

func OpenFilesystemJournal(repo dtypes.RepoPath, lc fx.Lifecycle, disabled journal.DisabledEvents) (journal.Journal, error) {
	jrnl, err := fsjournal.OpenFSJournal(string(repo), disabled)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return jrnl.Close() },
	})

	return jrnl, err
}

// Datastore opens the leveldb metadata datastore under the repo.
func Datastore(lc fx.Lifecycle, repo dtypes.RepoPath) (dtypes.MetadataDS, error) {
	p := filepath.Join(string(repo), metadataDir)
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, xerrors.Errorf("creating metadata dir: %w", err)
	}

	ds, err := levelds.NewDatastore(p, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
	})
	if err != nil {
		return nil, xerrors.Errorf("opening metadata datastore: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return ds.Close()
		},
	})

	return ds, nil
}
