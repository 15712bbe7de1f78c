package updater

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/samber/lo"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/overlaynode/nodeupdater/journal"
	"github.com/overlaynode/nodeupdater/journal/alerting"
	"github.com/overlaynode/nodeupdater/metrics"
)

type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusBroken
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Outcome is the immediate result of handling a manifest. Ready is only set
// for StatusReady.
type Outcome struct {
	Status Status
	Build  Build
	Ready  []DependencyDescriptor
}

type Params struct {
	Resolver ManifestResolver
	Primary  Source
	// Fallback is the direct peer source. Optional.
	Fallback Source
	Deployer Deployer

	Journal  journal.Journal
	Alerting *alerting.Alerting
}

// Orchestrator owns the fetchers of the current build and decides when its
// dependencies are ready for deployment.
type Orchestrator struct {
	ctx context.Context

	resolver ManifestResolver
	primary  Source
	fallback Source
	deployer Deployer

	alerts           *alerting.Alerting
	brokenAlert      alerting.AlertType
	unavailableAlert alerting.AlertType
	evtTypes         [5]journal.EventType
	journal          journal.Journal

	lk                sync.Mutex
	build             Build
	haveBuild         bool
	broken            bool
	fallbackAvailable bool
	readyFired        bool
	active            map[string]*Fetcher
	order             []*Fetcher
	results           map[string]FetchResult
	resultOrder       []string
	pendingEssential  map[string]struct{}
	satisfied         []DependencyDescriptor
}

// NewOrchestrator creates an orchestrator. Fetchers are bound to ctx and stop
// when it is cancelled.
func NewOrchestrator(ctx context.Context, p Params) *Orchestrator {
	j := p.Journal
	if j == nil {
		j = journal.NilJournal()
	}
	a := p.Alerting
	if a == nil {
		a = alerting.NewAlertingSystem(j)
	}

	return &Orchestrator{
		ctx: ctx,

		resolver: p.Resolver,
		primary:  p.Primary,
		fallback: p.Fallback,
		deployer: p.Deployer,

		alerts:           a,
		brokenAlert:      a.AddAlertType("updater", "broken-manifest"),
		unavailableAlert: a.AddAlertType("updater", "essential-unavailable"),
		evtTypes:         registerEvtTypes(j),
		journal:          j,

		active:           map[string]*Fetcher{},
		results:          map[string]FetchResult{},
		pendingEssential: map[string]struct{}{},
	}
}

// Handle resolves the manifest of build and replaces the active fetch set
// with fetchers for its missing dependencies. Fetchers of an earlier build are
// cancelled, not waited for.
func (o *Orchestrator) Handle(ctx context.Context, raw []byte, build Build) (Outcome, error) {
	ctx, span := trace.StartSpan(ctx, "updater.Handle")
	defer span.End()
	span.AddAttributes(trace.Int64Attribute("build", int64(build)))

	if err := o.checkBuild(build); err != nil {
		return Outcome{}, err
	}

	res, err := o.resolver.Resolve(ctx, raw, build)
	if err != nil {
		if !errors.Is(err, ErrManifestInvalid) {
			return Outcome{}, xerrors.Errorf("resolving manifest for build %d: %w", build, err)
		}
		return o.handleBroken(ctx, build, err)
	}

	essential := lo.CountBy(res.Fetch, func(d DependencyDescriptor) bool { return d.Essential })

	fetchers := make([]*Fetcher, 0, len(res.Fetch))
	for _, d := range res.Fetch {
		fetchers = append(fetchers, NewFetcher(o.ctx, d, o.primary, o.fallback, o.onResult))
	}

	o.lk.Lock()
	if o.haveBuild && build < o.build {
		cur := o.build
		o.lk.Unlock()
		return Outcome{}, xerrors.Errorf("%w: build %d, current %d", ErrStaleBuild, build, cur)
	}
	old := o.order
	o.build, o.haveBuild = build, true
	o.broken = false
	o.readyFired = essential == 0
	o.active = make(map[string]*Fetcher, len(fetchers))
	o.order = fetchers
	o.results = map[string]FetchResult{}
	o.resultOrder = nil
	o.pendingEssential = map[string]struct{}{}
	o.satisfied = res.Satisfied
	for _, f := range fetchers {
		d := f.Descriptor()
		o.active[d.Name] = f
		if d.Essential {
			o.pendingEssential[d.Name] = struct{}{}
		}
	}
	fallbackAvailable := o.fallbackAvailable
	o.lk.Unlock()

	o.cancelAll(old)
	for _, at := range []alerting.AlertType{o.brokenAlert, o.unavailableAlert} {
		if o.alerts.IsRaised(at) {
			o.alerts.Resolve(at, build)
		}
	}

	for _, f := range fetchers {
		f.Start()
		if fallbackAvailable {
			f.FetchFromFallback()
		}
	}

	out := Outcome{Status: StatusPending, Build: build}
	// Missing optional dependencies are still fetched after a Ready outcome.
	// Their results never change readiness and reach the Deployer only as a
	// FetchObserver.
	if essential == 0 {
		out.Status = StatusReady
		out.Ready = append([]DependencyDescriptor(nil), res.Satisfied...)
	}

	o.recordManifest(ctx, out, len(res.Fetch), len(res.Satisfied), essential)
	log.Infow("handled manifest", "build", build, "status", out.Status, "fetching", len(res.Fetch), "essential", essential, "satisfied", len(res.Satisfied))

	return out, nil
}

func (o *Orchestrator) checkBuild(build Build) error {
	o.lk.Lock()
	defer o.lk.Unlock()

	if o.haveBuild && build < o.build {
		return xerrors.Errorf("%w: build %d, current %d", ErrStaleBuild, build, o.build)
	}
	return nil
}

func (o *Orchestrator) handleBroken(ctx context.Context, build Build, err error) (Outcome, error) {
	o.lk.Lock()
	if o.haveBuild && build < o.build {
		cur := o.build
		o.lk.Unlock()
		return Outcome{}, xerrors.Errorf("%w: build %d, current %d", ErrStaleBuild, build, cur)
	}
	old := o.order
	o.build, o.haveBuild = build, true
	o.broken = true
	o.readyFired = false
	o.active = map[string]*Fetcher{}
	o.order = nil
	o.results = map[string]FetchResult{}
	o.resultOrder = nil
	o.pendingEssential = map[string]struct{}{}
	o.satisfied = nil
	o.lk.Unlock()

	o.cancelAll(old)

	out := Outcome{Status: StatusBroken, Build: build}
	o.recordManifest(ctx, out, 0, 0, 0)
	o.journal.RecordEvent(o.evtTypes[evtBroken], func() interface{} {
		return BrokenEvt{Build: build, Error: err.Error()}
	})
	o.alerts.Raise(o.brokenAlert, map[string]interface{}{
		"build": build,
		"error": err.Error(),
	})

	o.deployer.OnBroken(build, err)
	return out, nil
}

func (o *Orchestrator) cancelAll(fs []*Fetcher) {
	for _, f := range fs {
		f.Cancel()
	}
}

// OnFallbackSourceAvailable asks every essential, unfinished fetcher of the
// current build to also try the fallback source. Later manifests request the
// fallback immediately.
func (o *Orchestrator) OnFallbackSourceAvailable() {
	o.lk.Lock()
	first := !o.fallbackAvailable
	o.fallbackAvailable = true
	targets := lo.Filter(o.order, func(f *Fetcher, _ int) bool {
		return f.Descriptor().Essential && o.active[f.Descriptor().Name] == f
	})
	o.lk.Unlock()

	if first {
		log.Infow("fallback source available", "pending_essential", len(targets))
	}

	for _, f := range targets {
		f.FetchFromFallback()
	}
}

func (o *Orchestrator) onResult(f *Fetcher, res FetchResult) {
	d := f.Descriptor()

	o.lk.Lock()
	if o.active[d.Name] != f {
		o.lk.Unlock()
		log.Debugw("ignoring result of superseded fetcher", "dep", d.Name, "build", d.Build, "error", res.Err)
		return
	}
	delete(o.active, d.Name)
	o.results[d.Name] = res
	o.resultOrder = append(o.resultOrder, d.Name)

	unavailable := false
	if d.Essential {
		if res.Succeeded() {
			delete(o.pendingEssential, d.Name)
		} else {
			unavailable = !errors.Is(res.Err, ErrCancelled)
		}
	}

	late := o.readyFired && res.Succeeded()

	var ready []DependencyDescriptor
	fire := !o.readyFired && len(o.pendingEssential) == 0
	if fire {
		o.readyFired = true
		ready = o.readySetLocked()
	}
	build := o.build
	pending := len(o.pendingEssential)
	o.lk.Unlock()

	stats.Record(o.ctx, metrics.PendingEssential.M(int64(pending)))
	o.journal.RecordEvent(o.evtTypes[evtDependency], func() interface{} {
		return newDependencyEvt(res)
	})

	if unavailable {
		stats.Record(o.ctx, metrics.EssentialUnavailable.M(1))
		o.alerts.Raise(o.unavailableAlert, map[string]interface{}{
			"build":      build,
			"dependency": d.Name,
			"cid":        d.Cid.String(),
			"error":      res.Err.Error(),
		})
	}

	if fire {
		stats.Record(o.ctx, metrics.DependenciesReady.M(1))
		o.journal.RecordEvent(o.evtTypes[evtReady], func() interface{} {
			return ReadyEvt{Build: build, Dependencies: lo.Map(ready, func(d DependencyDescriptor, _ int) string { return d.Name })}
		})
		log.Infow("dependencies ready", "build", build, "count", len(ready))
		o.deployer.OnDependenciesReady(build, ready)
	}

	if late {
		if fo, ok := o.deployer.(FetchObserver); ok {
			fo.OnDependencyFetched(build, d)
		}
	}
}

// readySetLocked lists locally satisfied dependencies followed by fetched
// ones, in manifest order.
func (o *Orchestrator) readySetLocked() []DependencyDescriptor {
	out := append([]DependencyDescriptor(nil), o.satisfied...)
	for _, f := range o.order {
		if r, ok := o.results[f.Descriptor().Name]; ok && r.Succeeded() {
			out = append(out, r.Descriptor)
		}
	}
	return out
}

// IsBroken reports whether the current manifest was found unsatisfiable.
func (o *Orchestrator) IsBroken() bool {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.broken
}

// Ready reports whether every essential dependency of the current build has
// been retrieved.
func (o *Orchestrator) Ready() bool {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.haveBuild && !o.broken && len(o.pendingEssential) == 0
}

// CurrentBuild returns the build of the last handled manifest.
func (o *Orchestrator) CurrentBuild() (Build, bool) {
	o.lk.Lock()
	defer o.lk.Unlock()
	return o.build, o.haveBuild
}

// Results returns the terminal results of the current build, in completion
// order.
func (o *Orchestrator) Results() []FetchResult {
	o.lk.Lock()
	defer o.lk.Unlock()
	return lo.Map(o.resultOrder, func(name string, _ int) FetchResult { return o.results[name] })
}

// RenderProgress yields the progress of every unfinished fetcher of the
// current build. Each iteration takes a fresh snapshot of the active set.
func (o *Orchestrator) RenderProgress() iter.Seq2[DependencyDescriptor, ProgressSnapshot] {
	return func(yield func(DependencyDescriptor, ProgressSnapshot) bool) {
		o.lk.Lock()
		fs := lo.Filter(o.order, func(f *Fetcher, _ int) bool {
			return o.active[f.Descriptor().Name] == f
		})
		o.lk.Unlock()

		for _, f := range fs {
			if !yield(f.Descriptor(), f.Progress()) {
				return
			}
		}
	}
}

// JournalProgress records the progress of every unfinished fetcher of the
// current build. Disabled by default.
func (o *Orchestrator) JournalProgress() {
	if !o.evtTypes[evtProgress].Enabled() {
		return
	}
	for d, p := range o.RenderProgress() {
		o.journal.RecordEvent(o.evtTypes[evtProgress], func() interface{} {
			return ProgressEvt{Name: d.Name, Build: d.Build, Progress: p}
		})
	}
}

// Close cancels every fetcher of the current build.
func (o *Orchestrator) Close() error {
	o.lk.Lock()
	fs := o.order
	o.lk.Unlock()

	o.cancelAll(fs)
	return nil
}

func (o *Orchestrator) recordManifest(ctx context.Context, out Outcome, fetching, satisfied, essential int) {
	metrics.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.Outcome, out.Status.String())},
		metrics.ManifestHandled.M(1))
	stats.Record(ctx, metrics.CurrentBuild.M(int64(out.Build)), metrics.PendingEssential.M(int64(essential)))

	o.journal.RecordEvent(o.evtTypes[evtManifest], func() interface{} {
		return ManifestEvt{
			Build:     out.Build,
			Status:    out.Status.String(),
			Fetching:  fetching,
			Essential: essential,
			Satisfied: satisfied,
		}
	})
}
