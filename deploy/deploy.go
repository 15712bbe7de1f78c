package deploy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/updater"
)

var log = logging.Logger("deploy")

const ReadyFile = "ready.json"

// Record is the content of the ready file: the dependency set a build may
// be deployed with.
type Record struct {
	Build        uint64
	Ready        time.Time
	Dependencies []Dependency
}

type Dependency struct {
	Name      string
	Cid       string
	Path      string
	Size      int64
	Essential bool
}

// Stager is a Deployer that publishes ready dependency sets to a ready file
// in its state directory, for the process that restarts the node into the
// new build. It also registers the dependencies in the ledger so peers can
// fetch them.
type Stager struct {
	stateDir string
	store    *depstore.Store
	// pruneDir, if set, is the dependency directory obsolete artifacts are
	// removed from once a newer build is ready.
	pruneDir string

	lk     sync.Mutex
	last   *Record
	broken map[updater.Build]error
	ready  chan struct{}
}

var (
	_ updater.Deployer      = (*Stager)(nil)
	_ updater.FetchObserver = (*Stager)(nil)
)

func NewStager(stateDir string, store *depstore.Store, pruneDir string) *Stager {
	return &Stager{
		stateDir: stateDir,
		store:    store,
		pruneDir: pruneDir,
		broken:   map[updater.Build]error{},
		ready:    make(chan struct{}),
	}
}

// OnDependenciesReady publishes the ready set of b. A build older than the
// last published one is ignored, so a late call never replaces a newer
// ready file.
func (s *Stager) OnDependenciesReady(b updater.Build, deps []updater.DependencyDescriptor) {
	ctx := context.Background()

	s.lk.Lock()
	defer s.lk.Unlock()

	if s.last != nil && s.last.Build > uint64(b) {
		log.Warnw("ignoring ready dependencies of superseded build", "build", b, "current", s.last.Build)
		return
	}

	s.registerLocked(ctx, b, deps...)

	rec := &Record{
		Build: uint64(b),
		Ready: build.Clock.Now().UTC(),
	}
	for _, d := range deps {
		rec.Dependencies = append(rec.Dependencies, Dependency{
			Name:      d.Name,
			Cid:       d.Cid.String(),
			Path:      d.Path,
			Size:      d.Size,
			Essential: d.Essential,
		})
	}

	if err := writeRecord(s.stateDir, rec); err != nil {
		log.Errorw("writing ready file", "build", b, "error", err)
		return
	}

	s.last = rec
	close(s.ready)
	s.ready = make(chan struct{})

	log.Infow("build ready for deployment", "build", b, "dependencies", len(deps))

	if s.store != nil && s.pruneDir != "" {
		pruned, err := s.store.Prune(ctx, deps, s.pruneDir)
		if err != nil {
			log.Warnw("pruning obsolete dependencies", "error", err)
		} else if len(pruned) > 0 {
			log.Infow("pruned obsolete dependencies", "count", len(pruned))
		}
	}
}

// OnDependencyFetched registers an optional dependency that arrived after
// its build was published, so peers can fetch it too.
func (s *Stager) OnDependencyFetched(b updater.Build, d updater.DependencyDescriptor) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if s.last == nil || s.last.Build != uint64(b) {
		log.Debugw("not registering dependency of unpublished build", "dep", d.Name, "build", b)
		return
	}
	s.registerLocked(context.Background(), b, d)
}

func (s *Stager) registerLocked(ctx context.Context, b updater.Build, deps ...updater.DependencyDescriptor) {
	if s.store == nil {
		return
	}
	for _, d := range deps {
		if err := s.store.Put(ctx, d); err != nil {
			log.Warnw("registering dependency", "dep", d.Name, "build", b, "error", err)
		}
	}
}

func (s *Stager) OnBroken(b updater.Build, err error) {
	s.lk.Lock()
	s.broken[b] = err
	s.lk.Unlock()

	log.Errorw("manifest cannot be satisfied, not deploying", "build", b, "error", err)
}

// Last returns the most recent ready record.
func (s *Stager) Last() (*Record, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.last, s.last != nil
}

// Broken returns the error a build was marked broken with.
func (s *Stager) Broken(b updater.Build) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.broken[b]
}

// Wait blocks until a build at least min is ready or ctx is done.
func (s *Stager) Wait(ctx context.Context, min updater.Build) (*Record, error) {
	for {
		s.lk.Lock()
		last, ch := s.last, s.ready
		s.lk.Unlock()

		if last != nil && updater.Build(last.Build) >= min {
			return last, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func writeRecord(dir string, rec *Record) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return xerrors.Errorf("marshaling ready record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ReadyFile+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ReadyFile))
}

// ReadRecord loads the ready file from dir.
func ReadRecord(dir string) (*Record, error) {
	b, err := os.ReadFile(filepath.Join(dir, ReadyFile))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, xerrors.Errorf("decoding %s: %w", ReadyFile, err)
	}
	return &rec, nil
}
