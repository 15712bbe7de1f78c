package updater

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

func testCid(t *testing.T, data []byte) cid.Cid {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(cid.Raw, mh)
}

func testDep(t *testing.T, dir, name string, data []byte, essential bool, build Build) DependencyDescriptor {
	return DependencyDescriptor{
		Name:      name,
		Cid:       testCid(t, data),
		Size:      int64(len(data)),
		Path:      filepath.Join(dir, name),
		Essential: essential,
		Build:     build,
	}
}

func partFiles(t *testing.T, dir string) []string {
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)

	var out []string
	for _, e := range ents {
		if strings.HasSuffix(e.Name(), ".part") {
			out = append(out, e.Name())
		}
	}
	return out
}

type retrieval struct {
	req      Request
	ctx      context.Context
	progress ProgressFunc

	once sync.Once
	out  chan Completion
}

func (r *retrieval) complete(get func() Completion) bool {
	done := false
	r.once.Do(func() {
		r.out <- get()
		done = true
	})
	return done
}

// succeed writes data to the request path and completes the retrieval. It is
// a no-op if the retrieval already completed, e.g. after cancellation.
func (r *retrieval) succeed(t *testing.T, data []byte) bool {
	return r.complete(func() Completion {
		require.NoError(t, os.WriteFile(r.req.Path, data, 0644))
		return Completion{Written: int64(len(data))}
	})
}

func (r *retrieval) fail(err error) bool {
	return r.complete(func() Completion {
		return Completion{Err: err}
	})
}

func (r *retrieval) cancelled() bool {
	return r.ctx.Err() != nil
}

// fakeSource records every retrieval and leaves completion to the test. A
// retrieval whose context is cancelled completes with the context error.
type fakeSource struct {
	lk   sync.Mutex
	reqs map[string][]*retrieval
}

func newFakeSource() *fakeSource {
	return &fakeSource{reqs: map[string][]*retrieval{}}
}

func (s *fakeSource) Retrieve(ctx context.Context, req Request, progress ProgressFunc) <-chan Completion {
	r := &retrieval{
		req:      req,
		ctx:      ctx,
		progress: progress,
		out:      make(chan Completion, 1),
	}

	s.lk.Lock()
	s.reqs[req.Descriptor.Name] = append(s.reqs[req.Descriptor.Name], r)
	s.lk.Unlock()

	go func() {
		<-ctx.Done()
		r.fail(ctx.Err())
	}()

	return r.out
}

func (s *fakeSource) count(name string) int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.reqs[name])
}

// last waits for a retrieval of name and returns the most recent one.
func (s *fakeSource) last(t *testing.T, name string) *retrieval {
	var r *retrieval
	require.Eventually(t, func() bool {
		s.lk.Lock()
		defer s.lk.Unlock()
		rs := s.reqs[name]
		if len(rs) == 0 {
			return false
		}
		r = rs[len(rs)-1]
		return true
	}, waitFor, tick)
	return r
}

type resolverFunc func(ctx context.Context, raw []byte, build Build) (*Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, raw []byte, build Build) (*Resolution, error) {
	return f(ctx, raw, build)
}

// staticResolver resolves every build to the resolution registered for it.
type staticResolver struct {
	lk  sync.Mutex
	res map[Build]*Resolution
	err map[Build]error
}

func newStaticResolver() *staticResolver {
	return &staticResolver{res: map[Build]*Resolution{}, err: map[Build]error{}}
}

func (r *staticResolver) set(res *Resolution) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.res[res.Build] = res
}

func (r *staticResolver) fail(build Build, err error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.err[build] = err
}

func (r *staticResolver) Resolve(_ context.Context, _ []byte, build Build) (*Resolution, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if err, ok := r.err[build]; ok {
		return nil, err
	}
	res, ok := r.res[build]
	if !ok {
		return &Resolution{Build: build}, nil
	}
	return res, nil
}

type readyCall struct {
	build Build
	deps  []DependencyDescriptor
}

type brokenCall struct {
	build Build
	err   error
}

type fakeDeployer struct {
	lk      sync.Mutex
	ready   []readyCall
	broken  []brokenCall
	fetched []readyCall
}

func (d *fakeDeployer) OnDependencyFetched(build Build, dep DependencyDescriptor) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.fetched = append(d.fetched, readyCall{build: build, deps: []DependencyDescriptor{dep}})
}

func (d *fakeDeployer) fetchedCalls() []readyCall {
	d.lk.Lock()
	defer d.lk.Unlock()
	return append([]readyCall(nil), d.fetched...)
}

func (d *fakeDeployer) OnDependenciesReady(build Build, deps []DependencyDescriptor) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.ready = append(d.ready, readyCall{build: build, deps: deps})
}

func (d *fakeDeployer) OnBroken(build Build, err error) {
	d.lk.Lock()
	defer d.lk.Unlock()
	d.broken = append(d.broken, brokenCall{build: build, err: err})
}

func (d *fakeDeployer) readyCalls() []readyCall {
	d.lk.Lock()
	defer d.lk.Unlock()
	return append([]readyCall(nil), d.ready...)
}

func (d *fakeDeployer) brokenCalls() []brokenCall {
	d.lk.Lock()
	defer d.lk.Unlock()
	return append([]brokenCall(nil), d.broken...)
}

func names(ds []DependencyDescriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}
