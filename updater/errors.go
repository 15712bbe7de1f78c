package updater

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrManifestInvalid is returned by resolvers for unsatisfiable manifests.
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrFetchFailed matches every failure of a single source.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrVerificationFailed means retrieved bytes did not match the descriptor.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrCancelled is delivered to fetchers cancelled before completing.
	ErrCancelled = errors.New("fetch cancelled")
	// ErrEssentialDependencyUnavailable means an essential dependency
	// exhausted every source. It blocks deployment.
	ErrEssentialDependencyUnavailable = errors.New("essential dependency unavailable")
	// ErrStaleBuild is returned when handling a build older than the current one.
	ErrStaleBuild = errors.New("stale build")
)

// SourceError is the failure of one source to produce a dependency.
type SourceError struct {
	Source SourceKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s source: %s", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrFetchFailed }

// UnavailableError is delivered when an essential dependency exhausted both
// the primary and, if configured, the fallback source.
type UnavailableError struct {
	Descriptor DependencyDescriptor
	Primary    error
	Fallback   error
}

func (e *UnavailableError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", ErrEssentialDependencyUnavailable, e.Descriptor.Name)
	if e.Primary != nil {
		fmt.Fprintf(&sb, "; %s", e.Primary)
	}
	if e.Fallback != nil {
		fmt.Fprintf(&sb, "; %s", e.Fallback)
	}
	return sb.String()
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrEssentialDependencyUnavailable
}

func (e *UnavailableError) Unwrap() []error {
	var out []error
	if e.Primary != nil {
		out = append(out, e.Primary)
	}
	if e.Fallback != nil {
		out = append(out, e.Fallback)
	}
	return out
}
