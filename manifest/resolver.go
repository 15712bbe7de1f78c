package manifest

import (
	"context"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/updater"
)

var log = logging.Logger("manifest")

const (
	verifyParallelism = 4
	verifiedCacheSize = 1024
)

type verifiedKey struct {
	path  string
	cid   cid.Cid
	size  int64
	mtime int64
}

// Resolver validates manifests and checks which dependencies are already
// installed under a dependency directory.
type Resolver struct {
	dir   string
	store *depstore.Store

	verified *lru.Cache[verifiedKey, struct{}]
}

var _ updater.ManifestResolver = (*Resolver)(nil)

// NewResolver creates a resolver for dir. Locally satisfied dependencies are
// registered in store, which may be nil.
func NewResolver(dir string, store *depstore.Store) (*Resolver, error) {
	cache, err := lru.New[verifiedKey, struct{}](verifiedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		dir:      dir,
		store:    store,
		verified: cache,
	}, nil
}

func (r *Resolver) Dir() string {
	return r.dir
}

func (r *Resolver) Resolve(ctx context.Context, raw []byte, build updater.Build) (*updater.Resolution, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	deps, err := m.Descriptors(r.dir, build)
	if err != nil {
		return nil, err
	}

	present := make([]bool, len(deps))
	var lk sync.Mutex
	var toRegister []updater.DependencyDescriptor

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(verifyParallelism)
	for i, d := range deps {
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			ok, err := r.installed(d)
			if err != nil {
				return err
			}
			present[i] = ok
			if ok {
				lk.Lock()
				toRegister = append(toRegister, d)
				lk.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, xerrors.Errorf("checking installed dependencies: %w", err)
	}

	if r.store != nil {
		for _, d := range toRegister {
			if err := r.store.Put(ctx, d); err != nil {
				log.Warnw("registering installed dependency", "dep", d.Name, "error", err)
			}
		}
	}

	res := &updater.Resolution{Build: build}
	for i, d := range deps {
		if present[i] {
			res.Satisfied = append(res.Satisfied, d)
		} else {
			res.Fetch = append(res.Fetch, d)
		}
	}

	log.Debugw("resolved manifest", "build", build,
		"fetch", len(res.Fetch),
		"satisfied", len(res.Satisfied),
		"essential", lo.CountBy(deps, func(d updater.DependencyDescriptor) bool { return d.Essential }))

	return res, nil
}

// installed reports whether d is present and verified at its path. Only
// unexpected I/O errors are returned.
func (r *Resolver) installed(d updater.DependencyDescriptor) (bool, error) {
	st, err := os.Stat(d.Path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("stat %s: %w", d.Path, err)
	}
	if st.IsDir() || st.Size() != d.Size {
		return false, nil
	}

	k := verifiedKey{path: d.Path, cid: d.Cid, size: d.Size, mtime: st.ModTime().UnixNano()}
	if r.verified.Contains(k) {
		return true, nil
	}

	if err := updater.Verify(d.Path, d); err != nil {
		if xerrors.Is(err, updater.ErrVerificationFailed) {
			log.Infow("installed dependency is outdated", "dep", d.Name, "path", d.Path)
			return false, nil
		}
		return false, err
	}

	r.verified.Add(k, struct{}{})
	return true, nil
}
