package node

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multihash"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/build"
	"github.com/overlaynode/nodeupdater/deploy"
	"github.com/overlaynode/nodeupdater/depstore"
	"github.com/overlaynode/nodeupdater/manifest"
	"github.com/overlaynode/nodeupdater/node/config"
	"github.com/overlaynode/nodeupdater/updater"
)

// memSource serves dependencies from memory, completing immediately.
type memSource struct {
	lk    sync.Mutex
	data  map[cid.Cid][]byte
	calls int
}

func (s *memSource) Retrieve(_ context.Context, req updater.Request, _ updater.ProgressFunc) <-chan updater.Completion {
	s.lk.Lock()
	s.calls++
	b, ok := s.data[req.Descriptor.Cid]
	s.lk.Unlock()

	out := make(chan updater.Completion, 1)
	if !ok {
		out <- updater.Completion{Err: xerrors.Errorf("%s not found", req.Descriptor.Cid)}
		return out
	}
	err := os.WriteFile(req.Path, b, 0644)
	out <- updater.Completion{Written: int64(len(b)), Err: err}
	return out
}

func (s *memSource) count() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.calls
}

type updaterHarness struct {
	dir    string
	path   string
	src    *memSource
	stager *deploy.Stager
	orch   *updater.Orchestrator
	u      *Updater
}

func newUpdaterHarness(t *testing.T, data map[string][]byte) *updaterHarness {
	root := t.TempDir()
	h := &updaterHarness{
		dir:  filepath.Join(root, "deps"),
		path: filepath.Join(root, "manifest.toml"),
		src:  &memSource{data: map[cid.Cid][]byte{}},
	}
	require.NoError(t, os.MkdirAll(h.dir, 0755))
	for _, b := range data {
		h.src.data[cidOf(t, b)] = b
	}

	store := depstore.New(dssync.MutexWrap(datastore.NewMapDatastore()))
	res, err := manifest.NewResolver(h.dir, store)
	require.NoError(t, err)

	h.stager = deploy.NewStager(filepath.Join(root, "state"), store, "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h.orch = updater.NewOrchestrator(ctx, updater.Params{
		Resolver: res,
		Primary:  h.src,
		Deployer: h.stager,
	})
	h.u = NewUpdater(config.Manifest{
		Path:         h.path,
		PollInterval: config.Duration(time.Minute),
	}, h.orch, h.stager)
	return h
}

func (h *updaterHarness) write(t *testing.T, m *manifest.Manifest) {
	raw, err := manifest.Encode(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.path, raw, 0644))
}

func cidOf(t *testing.T, data []byte) cid.Cid {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func dep(t *testing.T, name string, data []byte, essential bool) manifest.Dependency {
	return manifest.Dependency{
		Name:      name,
		Cid:       cidOf(t, data).String(),
		Size:      int64(len(data)),
		Essential: essential,
	}
}

func TestUpdaterPoll(t *testing.T) {
	core := []byte("core v1")
	h := newUpdaterHarness(t, map[string][]byte{"core.jar": core})
	ctx := context.Background()

	// nothing to do until the manifest shows up
	_, handled, err := h.u.Poll(ctx)
	require.NoError(t, err)
	require.False(t, handled)

	h.write(t, &manifest.Manifest{Build: 5, Dependency: []manifest.Dependency{dep(t, "core.jar", core, true)}})
	out, handled, err := h.u.Poll(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, updater.StatusPending, out.Status)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := h.stager.Wait(wctx, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(5), rec.Build)
	require.Len(t, rec.Dependencies, 1)

	// unchanged file
	_, handled, err = h.u.Poll(ctx)
	require.NoError(t, err)
	require.False(t, handled)
	require.Equal(t, 1, h.src.count())

	// the next build reuses the installed dependency, so it is ready at once
	h.write(t, &manifest.Manifest{Build: 6, Dependency: []manifest.Dependency{dep(t, "core.jar", core, true)}})
	out, handled, err = h.u.Poll(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, updater.StatusReady, out.Status)
	require.Equal(t, 1, h.src.count())

	rec, ok := h.stager.Last()
	require.True(t, ok)
	require.Equal(t, uint64(6), rec.Build)
}

func TestUpdaterStaleManifest(t *testing.T) {
	h := newUpdaterHarness(t, nil)
	ctx := context.Background()

	h.write(t, &manifest.Manifest{Build: 9})
	out, handled, err := h.u.Poll(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, updater.StatusReady, out.Status)

	h.write(t, &manifest.Manifest{Build: 3})
	_, handled, err = h.u.Poll(ctx)
	require.NoError(t, err)
	require.False(t, handled)

	b, ok := h.orch.CurrentBuild()
	require.True(t, ok)
	require.Equal(t, updater.Build(9), b)
}

func TestUpdaterBrokenManifest(t *testing.T) {
	h := newUpdaterHarness(t, nil)
	ctx := context.Background()

	h.write(t, &manifest.Manifest{Build: 2})
	_, _, err := h.u.Poll(ctx)
	require.NoError(t, err)
	require.False(t, h.orch.IsBroken())

	// undecodable manifests break the current build
	require.NoError(t, os.WriteFile(h.path, []byte("Build = = 3"), 0644))
	out, handled, err := h.u.Poll(ctx)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, updater.StatusBroken, out.Status)
	require.True(t, h.orch.IsBroken())
	require.Error(t, h.stager.Broken(2))
}

func TestUpdaterRun(t *testing.T) {
	mock := clock.NewMock()
	orig := build.Clock
	build.Clock = mock
	t.Cleanup(func() { build.Clock = orig })

	core := []byte("core v2")
	h := newUpdaterHarness(t, map[string][]byte{"core.jar": core})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.u.Run(ctx)
	}()

	h.write(t, &manifest.Manifest{Build: 1, Dependency: []manifest.Dependency{dep(t, "core.jar", core, true)}})

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		_, ok := h.stager.Last()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := h.stager.Last()
	require.Equal(t, uint64(1), rec.Build)
	require.Equal(t, filepath.Join(h.dir, "core.jar"), rec.Dependencies[0].Path)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("updater did not stop")
	}
}
