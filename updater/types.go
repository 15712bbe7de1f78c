package updater

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Build identifies one manifest and its dependency set. Builds only ever
// increase.
type Build uint64

// DependencyDescriptor identifies one artifact required by a build. It is
// never mutated after the resolver creates it.
type DependencyDescriptor struct {
	Name string
	// Cid is the content address; its multihash is the expected digest.
	Cid cid.Cid
	// Size is the expected length in bytes.
	Size int64
	// Path is the destination the artifact is installed to.
	Path      string
	Essential bool
	Build     Build
}

func (d DependencyDescriptor) String() string {
	return fmt.Sprintf("%s@%d(%s)", d.Name, d.Build, d.Cid)
}

type FetchState int

const (
	StateIdle FetchState = iota
	StateFetchingPrimary
	StateFetchingFallback
	// StateFetchingBoth is FetchingFallback coexisting with FetchingPrimary.
	StateFetchingBoth
	StateSucceeded
	// StateFailed is terminal once the result has been delivered. Before that
	// an essential fetcher whose primary source failed sits here waiting for
	// a fallback opportunity.
	StateFailed
	StateAbandoned
)

var fetchStateNames = map[FetchState]string{
	StateIdle:             "Idle",
	StateFetchingPrimary:  "FetchingPrimary",
	StateFetchingFallback: "FetchingFallback",
	StateFetchingBoth:     "FetchingPrimary+FetchingFallback",
	StateSucceeded:        "Succeeded",
	StateFailed:           "Failed",
	StateAbandoned:        "Abandoned",
}

func (s FetchState) String() string {
	if n, ok := fetchStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("FetchState(%d)", int(s))
}

// ProgressSnapshot is the last progress report of a retrieval, counted in
// blocks. It is advisory only.
type ProgressSnapshot struct {
	Succeeded     int
	Failed        int
	FatallyFailed int
	MinRequired   int
	Total         int
	Finalized     bool
}

type SourceKind int

const (
	SourcePrimary SourceKind = iota
	SourceFallback
)

func (k SourceKind) String() string {
	switch k {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// Request asks a Source to retrieve one dependency into Path. Path is a
// temporary location owned by the requesting fetcher, not the descriptor's
// destination.
type Request struct {
	Descriptor DependencyDescriptor
	Path       string
}

// Completion is the single outcome of a Source retrieval.
type Completion struct {
	Written int64
	Err     error
}

type ProgressFunc func(ProgressSnapshot)

// Source is a retrieval backend. The primary network engine and the direct
// peer fallback client both implement it.
type Source interface {
	// Retrieve starts an asynchronous retrieval and returns immediately. The
	// returned channel yields exactly one Completion. Cancelling ctx aborts the
	// retrieval; the Completion is still delivered, with an error. progress may
	// be called from any goroutine until the Completion is sent.
	Retrieve(ctx context.Context, req Request, progress ProgressFunc) <-chan Completion
}

// Resolution is a validated manifest. Fetch lists the descriptors that need
// retrieving, Satisfied those already present and verified locally.
type Resolution struct {
	Build     Build
	Fetch     []DependencyDescriptor
	Satisfied []DependencyDescriptor
}

type ManifestResolver interface {
	// Resolve validates raw manifest bytes for build. Unsatisfiable manifests
	// return an error wrapping ErrManifestInvalid.
	Resolve(ctx context.Context, raw []byte, build Build) (*Resolution, error)
}

// Deployer consumes the outcome of a build's dependency fetch.
type Deployer interface {
	OnDependenciesReady(build Build, deps []DependencyDescriptor)
	OnBroken(build Build, err error)
}

// FetchObserver may be implemented by a Deployer to learn about optional
// dependencies that finish after their build was reported ready.
type FetchObserver interface {
	OnDependencyFetched(build Build, d DependencyDescriptor)
}
