package metrics

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var log = logging.Logger("metrics")

// Distributions
var defaultMillisecondsDistribution = view.Distribution(
	10, 50, 100, 250, 500, 1000, 2000, 5000, // sub-10s, typically local or peer transfers
	10_000, 30_000, 60_000, 2*60_000, 5*60_000, 10*60_000, 30*60_000, // network retrievals
	60*60_000, 3*60*60_000, 12*60*60_000, // degraded connectivity
)

var bytesDistribution = view.Distribution(
	1<<10, 16<<10, 64<<10, 256<<10, 1<<20, 4<<20, 16<<20, 64<<20, 256<<20, 1<<30,
)

// Tags
var (
	// common
	Version, _ = tag.NewKey("version")
	Commit, _  = tag.NewKey("commit")

	// updater
	Source, _      = tag.NewKey("source") // "primary" or "fallback"
	Essential, _   = tag.NewKey("essential")
	FailureType, _ = tag.NewKey("failure_type")
	Outcome, _     = tag.NewKey("outcome")
)

// Measures
var (
	// common
	NodeInfo = stats.Int64("info", "Arbitrary counter to tag node info to", stats.UnitDimensionless)

	// updater
	ManifestHandled       = stats.Int64("updater/manifest_handled", "Counter of manifests handed to the orchestrator", stats.UnitDimensionless)
	CurrentBuild          = stats.Int64("updater/current_build", "Build number of the manifest currently being fetched", stats.UnitDimensionless)
	FetchStarted          = stats.Int64("updater/fetch_started", "Counter of dependency retrievals started", stats.UnitDimensionless)
	FetchSucceeded        = stats.Int64("updater/fetch_succeeded", "Counter of dependency retrievals that won their fetcher", stats.UnitDimensionless)
	FetchFailed           = stats.Int64("updater/fetch_failed", "Counter of failed dependency retrievals", stats.UnitDimensionless)
	FetchDuration         = stats.Float64("updater/fetch_ms", "Duration of a single dependency retrieval", stats.UnitMilliseconds)
	FetchBytes            = stats.Int64("updater/fetch_bytes", "Size of retrieved dependencies", stats.UnitBytes)
	FallbackRequested     = stats.Int64("updater/fallback_requested", "Counter of fallback retrievals requested", stats.UnitDimensionless)
	PendingEssential      = stats.Int64("updater/pending_essential", "Essential dependencies not yet retrieved", stats.UnitDimensionless)
	DependenciesReady     = stats.Int64("updater/dependencies_ready", "Counter of builds whose dependencies became ready", stats.UnitDimensionless)
	EssentialUnavailable  = stats.Int64("updater/essential_unavailable", "Counter of essential dependencies that exhausted every source", stats.UnitDimensionless)
	GatewayRetries        = stats.Int64("gateway/retries", "Counter of gateway request retries", stats.UnitDimensionless)
	PeerFetchServed       = stats.Int64("peerfetch/served", "Counter of dependency requests served to peers", stats.UnitDimensionless)
	PeerFetchCapablePeers = stats.Int64("peerfetch/capable_peers", "Connected peers speaking the dependency transfer protocol", stats.UnitDimensionless)
)

var (
	InfoView = &view.View{
		Name:        "info",
		Description: "Node updater information",
		Measure:     NodeInfo,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Version, Commit},
	}
	ManifestHandledView = &view.View{
		Measure:     ManifestHandled,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
	CurrentBuildView = &view.View{
		Measure:     CurrentBuild,
		Aggregation: view.LastValue(),
	}
	FetchStartedView = &view.View{
		Measure:     FetchStarted,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Source, Essential},
	}
	FetchSucceededView = &view.View{
		Measure:     FetchSucceeded,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Source, Essential},
	}
	FetchFailedView = &view.View{
		Measure:     FetchFailed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Source, Essential, FailureType},
	}
	FetchDurationView = &view.View{
		Measure:     FetchDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Source},
	}
	FetchBytesView = &view.View{
		Measure:     FetchBytes,
		Aggregation: bytesDistribution,
		TagKeys:     []tag.Key{Source},
	}
	FallbackRequestedView = &view.View{
		Measure:     FallbackRequested,
		Aggregation: view.Count(),
	}
	PendingEssentialView = &view.View{
		Measure:     PendingEssential,
		Aggregation: view.LastValue(),
	}
	DependenciesReadyView = &view.View{
		Measure:     DependenciesReady,
		Aggregation: view.Count(),
	}
	EssentialUnavailableView = &view.View{
		Measure:     EssentialUnavailable,
		Aggregation: view.Count(),
	}
	GatewayRetriesView = &view.View{
		Measure:     GatewayRetries,
		Aggregation: view.Count(),
	}
	PeerFetchServedView = &view.View{
		Measure:     PeerFetchServed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Outcome},
	}
	PeerFetchCapablePeersView = &view.View{
		Measure:     PeerFetchCapablePeers,
		Aggregation: view.LastValue(),
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	InfoView,
	ManifestHandledView,
	CurrentBuildView,
	FetchStartedView,
	FetchSucceededView,
	FetchFailedView,
	FetchDurationView,
	FetchBytesView,
	FallbackRequestedView,
	PendingEssentialView,
	DependenciesReadyView,
	EssentialUnavailableView,
	GatewayRetriesView,
	PeerFetchServedView,
	PeerFetchCapablePeersView,
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// RecordWithTags records ms with the given tags. Tag errors are logged.
func RecordWithTags(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	if err := stats.RecordWithTags(ctx, mutators, ms...); err != nil {
		log.Debugw("recording metric", "error", err)
	}
}
