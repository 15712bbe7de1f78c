package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/lib/promise"
	"github.com/overlaynode/nodeupdater/metrics"
)

var log = logging.Logger("updater")

// FetchResult is the terminal outcome of a Fetcher.
type FetchResult struct {
	Descriptor DependencyDescriptor
	// Source is the source that produced the artifact; meaningful on success.
	Source SourceKind
	Err    error
}

func (r FetchResult) Succeeded() bool {
	return r.Err == nil
}

// ResultFunc receives the terminal result of a fetcher, exactly once.
type ResultFunc func(*Fetcher, FetchResult)

// Fetcher retrieves one dependency. It runs the primary source and, for
// essential dependencies, at most one fallback attempt concurrently; the first
// source to produce a verified artifact wins.
type Fetcher struct {
	desc     DependencyDescriptor
	primary  Source
	fallback Source
	cb       ResultFunc
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	result      *promise.Promise[FetchResult]
	fallbackReq *promise.Promise[struct{}]

	lk              sync.Mutex
	state           FetchState
	primaryStarted  bool
	fallbackStarted bool
	primaryErr      error
	fallbackErr     error

	progress atomic.Pointer[ProgressSnapshot]
}

// NewFetcher creates an idle fetcher. fallback may be nil when no direct peer
// source is configured. cb may be nil.
func NewFetcher(ctx context.Context, d DependencyDescriptor, primary, fallback Source, cb ResultFunc) *Fetcher {
	ctx, cancel := context.WithCancel(ctx)
	return &Fetcher{
		desc:     d,
		primary:  primary,
		fallback: fallback,
		cb:       cb,
		id:       uuid.New().String()[:8],

		ctx:    ctx,
		cancel: cancel,

		result:      promise.New[FetchResult](),
		fallbackReq: promise.New[struct{}](),
	}
}

func (f *Fetcher) Descriptor() DependencyDescriptor {
	return f.desc
}

func (f *Fetcher) State() FetchState {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.state
}

// Result returns the terminal result once it has been decided.
func (f *Fetcher) Result() (FetchResult, bool) {
	return f.result.Peek()
}

// Done is closed when the terminal result is decided.
func (f *Fetcher) Done() <-chan struct{} {
	return f.result.Done()
}

func (f *Fetcher) Progress() ProgressSnapshot {
	if p := f.progress.Load(); p != nil {
		return *p
	}
	return ProgressSnapshot{}
}

// OnProgress replaces the stored progress snapshot. Last write wins.
func (f *Fetcher) OnProgress(p ProgressSnapshot) {
	f.progress.Store(&p)
}

// Start begins the primary retrieval. It does not block.
func (f *Fetcher) Start() {
	f.lk.Lock()
	if f.state != StateIdle {
		f.lk.Unlock()
		return
	}
	f.primaryStarted = true
	f.state = StateFetchingPrimary
	f.lk.Unlock()

	f.launch(SourcePrimary, f.primary)
}

// FetchFromFallback starts the single fallback attempt of an essential
// dependency that has not succeeded yet. It reports whether an attempt was
// started by this call.
func (f *Fetcher) FetchFromFallback() bool {
	if !f.desc.Essential || f.fallback == nil || f.result.IsSet() {
		return false
	}
	if !f.fallbackReq.Set(struct{}{}) {
		return false
	}

	f.lk.Lock()
	f.fallbackStarted = true
	if !f.result.IsSet() {
		f.state = f.runningStateLocked()
	}
	f.lk.Unlock()

	stats.Record(f.ctx, metrics.FallbackRequested.M(1))
	log.Infow("requesting dependency from fallback source", "dep", f.desc.Name, "build", f.desc.Build, "fetch", f.id)

	f.launch(SourceFallback, f.fallback)
	return true
}

// Cancel abandons the fetcher. Both sources are cancelled; if no result was
// decided yet, ErrCancelled is delivered.
func (f *Fetcher) Cancel() {
	if f.result.Set(FetchResult{Descriptor: f.desc, Err: ErrCancelled}) {
		f.finish()
		return
	}
	f.cancel()
}

func (f *Fetcher) partPath(kind SourceKind) string {
	return fmt.Sprintf("%s.%s.%s.part", f.desc.Path, f.id, kind)
}

func (f *Fetcher) launch(kind SourceKind, src Source) {
	tmp := f.partPath(kind)
	ctx := f.tagged(kind)
	start := time.Now()
	stats.Record(ctx, metrics.FetchStarted.M(1))

	if err := os.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		done := make(chan Completion, 1)
		done <- Completion{Err: xerrors.Errorf("creating destination directory: %w", err)}
		go f.watch(ctx, kind, tmp, done, start)
		return
	}

	done := src.Retrieve(f.ctx, Request{Descriptor: f.desc, Path: tmp}, f.OnProgress)
	go f.watch(ctx, kind, tmp, done, start)
}

func (f *Fetcher) tagged(kind SourceKind) context.Context {
	ctx, err := tag.New(f.ctx,
		tag.Upsert(metrics.Source, kind.String()),
		tag.Upsert(metrics.Essential, strconv.FormatBool(f.desc.Essential)),
	)
	if err != nil {
		return f.ctx
	}
	return ctx
}

func (f *Fetcher) watch(ctx context.Context, kind SourceKind, tmp string, done <-chan Completion, start time.Time) {
	c, ok := <-done
	if !ok {
		c = Completion{Err: xerrors.New("source closed without a result")}
	}
	if c.Err == nil {
		c.Err = f.verify(tmp, c.Written)
	}

	stats.Record(ctx, metrics.FetchDuration.M(metrics.SinceInMilliseconds(start)))

	if c.Err == nil {
		f.succeeded(ctx, kind, tmp, c.Written)
		return
	}

	f.failed(ctx, kind, tmp, &SourceError{Source: kind, Err: c.Err})
}

func (f *Fetcher) verify(tmp string, written int64) error {
	if written != f.desc.Size {
		return xerrors.Errorf("%w: source wrote %d bytes, expected %d", ErrVerificationFailed, written, f.desc.Size)
	}
	return Verify(tmp, f.desc)
}

func (f *Fetcher) succeeded(ctx context.Context, kind SourceKind, tmp string, written int64) {
	var installErr error
	won := f.result.SetFunc(func() FetchResult {
		if err := os.Rename(tmp, f.desc.Path); err != nil {
			removePart(tmp)
			installErr = &SourceError{
				Source: kind,
				Err:    xerrors.Errorf("installing %s: %w", f.desc.Path, err),
			}
			return FetchResult{Descriptor: f.desc, Source: kind, Err: installErr}
		}
		return FetchResult{Descriptor: f.desc, Source: kind}
	})
	if !won {
		removePart(tmp)
		log.Debugw("discarding late retrieval", "dep", f.desc.Name, "source", kind, "fetch", f.id)
		return
	}
	if installErr != nil {
		metrics.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.FailureType, "install")}, metrics.FetchFailed.M(1))
		log.Errorw("dependency fetch failed", "dep", f.desc.Name, "build", f.desc.Build, "essential", f.desc.Essential, "error", installErr, "fetch", f.id)
		f.finish()
		return
	}

	stats.Record(ctx, metrics.FetchSucceeded.M(1), metrics.FetchBytes.M(written))
	log.Infow("dependency fetched", "dep", f.desc.Name, "build", f.desc.Build, "source", kind, "bytes", written, "fetch", f.id)
	f.finish()
}

func (f *Fetcher) failed(ctx context.Context, kind SourceKind, tmp string, err error) {
	removePart(tmp)

	failureType := "fetch"
	if errors.Is(err, ErrVerificationFailed) {
		failureType = "verification"
	} else if f.ctx.Err() != nil {
		failureType = "cancelled"
	}
	metrics.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.FailureType, failureType)}, metrics.FetchFailed.M(1))

	f.lk.Lock()
	switch kind {
	case SourcePrimary:
		f.primaryErr = err
	case SourceFallback:
		f.fallbackErr = err
	}
	decided := f.result.IsSet()
	terminal := f.exhaustedLocked()
	if !decided {
		f.state = f.runningStateLocked()
	}
	f.lk.Unlock()

	if decided {
		log.Debugw("source stopped after result was decided", "dep", f.desc.Name, "source", kind, "fetch", f.id)
		return
	}

	if !terminal {
		if kind == SourcePrimary {
			log.Warnw("primary retrieval failed, waiting for fallback source", "dep", f.desc.Name, "build", f.desc.Build, "error", err, "fetch", f.id)
		} else {
			log.Warnw("fallback retrieval failed", "dep", f.desc.Name, "build", f.desc.Build, "error", err, "fetch", f.id)
		}
		return
	}

	if f.result.Set(FetchResult{Descriptor: f.desc, Source: kind, Err: f.failureErr()}) {
		log.Errorw("dependency fetch failed", "dep", f.desc.Name, "build", f.desc.Build, "essential", f.desc.Essential, "error", err, "fetch", f.id)
		f.finish()
	}
}

// exhaustedLocked reports whether no source can still produce the artifact.
func (f *Fetcher) exhaustedLocked() bool {
	primaryDone := f.primaryErr != nil
	fallbackPending := f.fallbackReq.IsSet() && f.fallbackErr == nil
	if fallbackPending {
		return false
	}
	if f.fallbackReq.IsSet() {
		// fallback failed; wait for the primary unless it failed too
		return !f.primaryStarted || primaryDone
	}
	if !primaryDone {
		return false
	}
	// no fallback attempt yet; only essential dependencies wait for one
	return !f.desc.Essential || f.fallback == nil
}

func (f *Fetcher) runningStateLocked() FetchState {
	p := f.primaryStarted && f.primaryErr == nil
	fb := f.fallbackStarted && f.fallbackErr == nil
	switch {
	case p && fb:
		return StateFetchingBoth
	case p:
		return StateFetchingPrimary
	case fb:
		return StateFetchingFallback
	case !f.primaryStarted && !f.fallbackStarted:
		return StateIdle
	default:
		return StateFailed
	}
}

func (f *Fetcher) failureErr() error {
	f.lk.Lock()
	defer f.lk.Unlock()

	if f.desc.Essential {
		return &UnavailableError{Descriptor: f.desc, Primary: f.primaryErr, Fallback: f.fallbackErr}
	}
	if f.primaryErr != nil {
		return f.primaryErr
	}
	return f.fallbackErr
}

// finish runs once, after the result promise was set by this goroutine.
func (f *Fetcher) finish() {
	res, _ := f.result.Peek()

	f.lk.Lock()
	switch {
	case res.Err == nil:
		f.state = StateSucceeded
	case errors.Is(res.Err, ErrCancelled):
		f.state = StateAbandoned
	default:
		f.state = StateFailed
	}
	f.lk.Unlock()

	// stops whichever source is still running
	f.cancel()

	if f.cb != nil {
		f.cb(f, res)
	}
}

func removePart(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnw("removing partial artifact", "path", path, "error", err)
	}
}
