package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

type resultLog struct {
	lk   sync.Mutex
	res  []FetchResult
	done chan struct{}
}

func newResultLog() *resultLog {
	return &resultLog{done: make(chan struct{}, 16)}
}

func (l *resultLog) cb(_ *Fetcher, r FetchResult) {
	l.lk.Lock()
	l.res = append(l.res, r)
	l.lk.Unlock()
	l.done <- struct{}{}
}

func (l *resultLog) results() []FetchResult {
	l.lk.Lock()
	defer l.lk.Unlock()
	return append([]FetchResult(nil), l.res...)
}

func waitDone(t *testing.T, f *Fetcher) FetchResult {
	select {
	case <-f.Done():
	case <-time.After(waitFor):
		t.Fatal("fetcher did not finish")
	}
	r, ok := f.Result()
	require.True(t, ok)
	return r
}

func TestFetcherPrimarySucceeds(t *testing.T) {
	dir := t.TempDir()
	data := []byte("primary payload")
	d := testDep(t, dir, "a.bin", data, true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	rl := newResultLog()
	f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)
	require.Equal(t, StateIdle, f.State())

	f.Start()
	require.Equal(t, StateFetchingPrimary, f.State())

	r := primary.last(t, "a.bin")
	require.NotEqual(t, d.Path, r.req.Path)
	require.True(t, r.succeed(t, data))

	res := waitDone(t, f)
	require.NoError(t, res.Err)
	require.Equal(t, SourcePrimary, res.Source)
	require.Equal(t, StateSucceeded, f.State())

	got, err := os.ReadFile(d.Path)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Empty(t, partFiles(t, dir))

	// too late for a fallback attempt
	require.False(t, f.FetchFromFallback())
	require.Zero(t, fallback.count("a.bin"))

	require.Eventually(t, func() bool { return len(rl.results()) == 1 }, waitFor, tick)
}

func TestFetcherFallbackWinsRace(t *testing.T) {
	dir := t.TempDir()
	data := []byte("racing payload")
	d := testDep(t, dir, "race.bin", data, true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	rl := newResultLog()
	f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)

	f.Start()
	require.True(t, f.FetchFromFallback())
	require.False(t, f.FetchFromFallback())
	require.Equal(t, StateFetchingBoth, f.State())

	pr := primary.last(t, "race.bin")
	fr := fallback.last(t, "race.bin")
	require.NotEqual(t, pr.req.Path, fr.req.Path)

	require.True(t, fr.succeed(t, data))
	res := waitDone(t, f)
	require.NoError(t, res.Err)
	require.Equal(t, SourceFallback, res.Source)

	// the loser is cancelled, and a late success from it changes nothing
	require.Eventually(t, pr.cancelled, waitFor, tick)
	pr.succeed(t, data)

	require.Eventually(t, func() bool { return len(partFiles(t, dir)) == 0 }, waitFor, tick)
	require.Never(t, func() bool { return len(rl.results()) > 1 }, 100*time.Millisecond, tick)
	require.Len(t, rl.results(), 1)
	require.Equal(t, 1, fallback.count("race.bin"))
}

func TestFetcherSimultaneousSuccess(t *testing.T) {
	for i := 0; i < 20; i++ {
		dir := t.TempDir()
		data := []byte("both succeed")
		d := testDep(t, dir, "both.bin", data, true, 1)

		primary, fallback := newFakeSource(), newFakeSource()
		rl := newResultLog()
		f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)
		f.Start()
		f.FetchFromFallback()

		pr := primary.last(t, "both.bin")
		fr := fallback.last(t, "both.bin")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); pr.succeed(t, data) }()
		go func() { defer wg.Done(); fr.succeed(t, data) }()
		wg.Wait()

		res := waitDone(t, f)
		require.NoError(t, res.Err)

		got, err := os.ReadFile(d.Path)
		require.NoError(t, err)
		require.Equal(t, data, got)

		require.Eventually(t, func() bool { return len(partFiles(t, dir)) == 0 }, waitFor, tick)
		require.Never(t, func() bool { return len(rl.results()) > 1 }, 20*time.Millisecond, tick)
	}
}

func TestFetcherConcurrentFallbackRequests(t *testing.T) {
	dir := t.TempDir()
	data := []byte("requested many times")
	d := testDep(t, dir, "many.bin", data, true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	rl := newResultLog()
	f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)
	f.Start()

	const callers = 16
	var started atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.FetchFromFallback() {
				started.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, started.Load())
	require.Equal(t, 1, fallback.count("many.bin"))
	require.Equal(t, StateFetchingBoth, f.State())

	fallback.last(t, "many.bin").succeed(t, data)
	res := waitDone(t, f)
	require.NoError(t, res.Err)
	require.Never(t, func() bool { return len(rl.results()) > 1 }, 50*time.Millisecond, tick)
	require.Len(t, rl.results(), 1)
}

func TestFetcherPrimaryFailureRacesFallbackSuccess(t *testing.T) {
	for i := 0; i < 20; i++ {
		dir := t.TempDir()
		data := []byte("fallback rescues")
		d := testDep(t, dir, "rescue.bin", data, true, 1)

		primary, fallback := newFakeSource(), newFakeSource()
		rl := newResultLog()
		f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)
		f.Start()
		require.True(t, f.FetchFromFallback())

		pr := primary.last(t, "rescue.bin")
		fr := fallback.last(t, "rescue.bin")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); pr.fail(xerrors.New("network down")) }()
		go func() { defer wg.Done(); fr.succeed(t, data) }()
		wg.Wait()

		res := waitDone(t, f)
		require.NoError(t, res.Err)
		require.Equal(t, SourceFallback, res.Source)
		require.Equal(t, StateSucceeded, f.State())

		got, err := os.ReadFile(d.Path)
		require.NoError(t, err)
		require.Equal(t, data, got)

		require.Eventually(t, func() bool { return len(partFiles(t, dir)) == 0 }, waitFor, tick)
		require.Never(t, func() bool { return len(rl.results()) > 1 }, 20*time.Millisecond, tick)
	}
}

func TestFetcherInstallFailure(t *testing.T) {
	dir := t.TempDir()
	data := []byte("cannot land")
	d := testDep(t, dir, "blocked.bin", data, false, 1)

	// a non-empty directory at the destination makes the rename fail
	require.NoError(t, os.MkdirAll(filepath.Join(d.Path, "sub"), 0755))

	primary := newFakeSource()
	f := NewFetcher(context.Background(), d, primary, nil, nil)
	f.Start()

	primary.last(t, "blocked.bin").succeed(t, data)
	res := waitDone(t, f)
	require.True(t, errors.Is(res.Err, ErrFetchFailed), res.Err)
	require.ErrorContains(t, res.Err, "installing")
	require.Equal(t, StateFailed, f.State())
	require.Empty(t, partFiles(t, dir))
}

func TestFetcherOptionalPrimaryFailureIsTerminal(t *testing.T) {
	dir := t.TempDir()
	d := testDep(t, dir, "opt.bin", []byte("optional"), false, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	f := NewFetcher(context.Background(), d, primary, fallback, nil)
	f.Start()

	// optional dependencies never use the fallback source
	require.False(t, f.FetchFromFallback())

	primary.last(t, "opt.bin").fail(xerrors.New("network down"))
	res := waitDone(t, f)
	require.True(t, errors.Is(res.Err, ErrFetchFailed), res.Err)
	require.False(t, errors.Is(res.Err, ErrEssentialDependencyUnavailable))
	require.Equal(t, StateFailed, f.State())
	require.Zero(t, fallback.count("opt.bin"))

	_, err := os.Stat(d.Path)
	require.True(t, os.IsNotExist(err))
	require.Empty(t, partFiles(t, dir))
}

func TestFetcherEssentialWaitsForFallback(t *testing.T) {
	dir := t.TempDir()
	data := []byte("essential")
	d := testDep(t, dir, "ess.bin", data, true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	f := NewFetcher(context.Background(), d, primary, fallback, nil)
	f.Start()

	primary.last(t, "ess.bin").fail(xerrors.New("network down"))
	require.Eventually(t, func() bool { return f.State() == StateFailed }, waitFor, tick)
	require.Never(t, func() bool {
		_, ok := f.Result()
		return ok
	}, 100*time.Millisecond, tick)

	require.True(t, f.FetchFromFallback())
	require.Equal(t, StateFetchingFallback, f.State())

	fallback.last(t, "ess.bin").succeed(t, data)
	res := waitDone(t, f)
	require.NoError(t, res.Err)
	require.Equal(t, SourceFallback, res.Source)
	require.Empty(t, partFiles(t, dir))
}

func TestFetcherEssentialExhaustsSources(t *testing.T) {
	dir := t.TempDir()
	d := testDep(t, dir, "gone.bin", []byte("gone"), true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	f := NewFetcher(context.Background(), d, primary, fallback, nil)
	f.Start()
	f.FetchFromFallback()

	fallback.last(t, "gone.bin").fail(xerrors.New("peer refused"))
	require.Never(t, func() bool {
		_, ok := f.Result()
		return ok
	}, 50*time.Millisecond, tick)

	primary.last(t, "gone.bin").fail(xerrors.New("network down"))
	res := waitDone(t, f)

	var ue *UnavailableError
	require.True(t, errors.As(res.Err, &ue))
	require.Equal(t, d, ue.Descriptor)
	require.True(t, errors.Is(res.Err, ErrEssentialDependencyUnavailable))
	require.True(t, errors.Is(res.Err, ErrFetchFailed))
	require.Error(t, ue.Primary)
	require.Error(t, ue.Fallback)
}

func TestFetcherNoFallbackConfigured(t *testing.T) {
	dir := t.TempDir()
	d := testDep(t, dir, "solo.bin", []byte("solo"), true, 1)

	primary := newFakeSource()
	f := NewFetcher(context.Background(), d, primary, nil, nil)
	f.Start()
	require.False(t, f.FetchFromFallback())

	primary.last(t, "solo.bin").fail(xerrors.New("network down"))
	res := waitDone(t, f)
	require.True(t, errors.Is(res.Err, ErrEssentialDependencyUnavailable))
}

func TestFetcherVerificationFailure(t *testing.T) {
	dir := t.TempDir()
	data := []byte("expected bytes")
	d := testDep(t, dir, "bad.bin", data, false, 1)

	for name, written := range map[string][]byte{
		"corrupt":   []byte("EXPECTED BYTES"),
		"truncated": data[:3],
	} {
		t.Run(name, func(t *testing.T) {
			primary := newFakeSource()
			f := NewFetcher(context.Background(), d, primary, nil, nil)
			f.Start()

			primary.last(t, d.Name).succeed(t, written)
			res := waitDone(t, f)
			require.True(t, errors.Is(res.Err, ErrVerificationFailed), res.Err)
			require.True(t, errors.Is(res.Err, ErrFetchFailed))

			_, err := os.Stat(d.Path)
			require.True(t, os.IsNotExist(err))
			require.Empty(t, partFiles(t, dir))
		})
	}
}

func TestFetcherCancel(t *testing.T) {
	dir := t.TempDir()
	d := testDep(t, dir, "c.bin", []byte("cancel me"), true, 1)

	primary, fallback := newFakeSource(), newFakeSource()
	rl := newResultLog()
	f := NewFetcher(context.Background(), d, primary, fallback, rl.cb)
	f.Start()
	f.FetchFromFallback()

	f.Cancel()
	res := waitDone(t, f)
	require.True(t, errors.Is(res.Err, ErrCancelled))
	require.Equal(t, StateAbandoned, f.State())

	// both sources are told to stop
	require.Eventually(t, primary.last(t, "c.bin").cancelled, waitFor, tick)
	require.Eventually(t, fallback.last(t, "c.bin").cancelled, waitFor, tick)

	f.Cancel()
	require.False(t, f.FetchFromFallback())
	require.Eventually(t, func() bool { return len(partFiles(t, dir)) == 0 }, waitFor, tick)
	require.Never(t, func() bool { return len(rl.results()) > 1 }, 50*time.Millisecond, tick)
	require.Len(t, rl.results(), 1)
}

func TestFetcherParentContext(t *testing.T) {
	dir := t.TempDir()
	d := testDep(t, dir, "p.bin", []byte("parent"), false, 1)

	ctx, cancel := context.WithCancel(context.Background())
	primary := newFakeSource()
	f := NewFetcher(ctx, d, primary, nil, nil)
	f.Start()
	primary.last(t, "p.bin")

	cancel()
	res := waitDone(t, f)
	require.True(t, errors.Is(res.Err, context.Canceled), res.Err)
}

func TestFetcherProgress(t *testing.T) {
	dir := t.TempDir()
	data := []byte("progress")
	d := testDep(t, dir, "prog.bin", data, false, 1)

	primary := newFakeSource()
	f := NewFetcher(context.Background(), d, primary, nil, nil)
	require.Equal(t, ProgressSnapshot{}, f.Progress())

	f.Start()
	r := primary.last(t, "prog.bin")
	r.progress(ProgressSnapshot{Succeeded: 1, MinRequired: 4, Total: 8})
	r.progress(ProgressSnapshot{Succeeded: 3, MinRequired: 4, Total: 8})
	require.Equal(t, ProgressSnapshot{Succeeded: 3, MinRequired: 4, Total: 8}, f.Progress())

	r.succeed(t, data)
	waitDone(t, f)
}
