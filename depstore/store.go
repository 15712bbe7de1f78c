package depstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/updater"
)

var log = logging.Logger("depstore")

var ErrNotFound = xerrors.New("dependency not in store")

func init() {
	cbor.RegisterCborType(Entry{})
}

// Entry records one verified artifact present on this node.
type Entry struct {
	Cid   cid.Cid
	Name  string
	Path  string
	Size  int64
	Build uint64
	Added int64 // unix seconds
}

func (e Entry) Descriptor() updater.DependencyDescriptor {
	return updater.DependencyDescriptor{
		Name:  e.Name,
		Cid:   e.Cid,
		Size:  e.Size,
		Path:  e.Path,
		Build: updater.Build(e.Build),
	}
}

// Store is the ledger of dependency artifacts available locally, keyed by
// content address. It backs the resolver's local check and the set of
// artifacts served to peers.
type Store struct {
	ds datastore.Batching
}

func New(ds datastore.Batching) *Store {
	return &Store{ds: namespace.Wrap(ds, datastore.NewKey("/deps"))}
}

func key(c cid.Cid) datastore.Key {
	return datastore.NewKey(c.String())
}

// Put registers d as present at d.Path. The caller must have verified it.
func (s *Store) Put(ctx context.Context, d updater.DependencyDescriptor) error {
	e := Entry{
		Cid:   d.Cid,
		Name:  d.Name,
		Path:  d.Path,
		Size:  d.Size,
		Build: uint64(d.Build),
		Added: build.Clock.Now().Unix(),
	}
	b, err := cbor.DumpObject(e)
	if err != nil {
		return xerrors.Errorf("encoding entry for %s: %w", d.Name, err)
	}
	if err := s.ds.Put(ctx, key(d.Cid), b); err != nil {
		return xerrors.Errorf("storing entry for %s: %w", d.Name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, c cid.Cid) (*Entry, error) {
	b, err := s.ds.Get(ctx, key(c))
	if err == datastore.ErrNotFound {
		return nil, xerrors.Errorf("%s: %w", c, ErrNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("getting entry %s: %w", c, err)
	}

	var e Entry
	if err := cbor.DecodeInto(b, &e); err != nil {
		return nil, xerrors.Errorf("decoding entry %s: %w", c, err)
	}
	return &e, nil
}

func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.ds.Has(ctx, key(c))
}

func (s *Store) Remove(ctx context.Context, c cid.Cid) error {
	return s.ds.Delete(ctx, key(c))
}

func (s *Store) List(ctx context.Context) ([]Entry, error) {
	res, err := s.ds.Query(ctx, query.Query{})
	if err != nil {
		return nil, xerrors.Errorf("query entries: %w", err)
	}
	defer res.Close() //nolint:errcheck

	var out []Entry
	for r := range res.Next() {
		if r.Error != nil {
			return nil, xerrors.Errorf("r.Error: %w", r.Error)
		}

		var e Entry
		if err := cbor.DecodeInto(r.Value, &e); err != nil {
			log.Warnw("skipping undecodable entry", "key", r.Key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune drops every entry whose content address is not in keep. Files of
// dropped entries are deleted when they live under dir and no kept
// dependency is installed at the same path.
func (s *Store) Prune(ctx context.Context, keep []updater.DependencyDescriptor, dir string) ([]Entry, error) {
	ents, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	keepCids := map[cid.Cid]struct{}{}
	keepPaths := map[string]struct{}{}
	for _, d := range keep {
		keepCids[d.Cid] = struct{}{}
		keepPaths[filepath.Clean(d.Path)] = struct{}{}
	}

	b, err := s.ds.Batch(ctx)
	if err != nil {
		return nil, xerrors.Errorf("creating batch: %w", err)
	}

	var pruned []Entry
	for _, e := range ents {
		if _, ok := keepCids[e.Cid]; ok {
			continue
		}
		if err := b.Delete(ctx, key(e.Cid)); err != nil {
			return nil, xerrors.Errorf("deleting entry %s: %w", e.Cid, err)
		}
		pruned = append(pruned, e)
	}

	if err := b.Commit(ctx); err != nil {
		return nil, xerrors.Errorf("committing prune: %w", err)
	}

	for _, e := range pruned {
		p := filepath.Clean(e.Path)
		if _, ok := keepPaths[p]; ok || !within(dir, p) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnw("removing obsolete dependency", "path", p, "error", err)
			continue
		}
		log.Infow("removed obsolete dependency", "name", e.Name, "cid", e.Cid, "build", e.Build)
	}

	return pruned, nil
}

func within(dir, p string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), p)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
