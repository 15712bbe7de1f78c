package lp2p

import (
	"context"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
)

var otelmeter = otel.Meter("libp2p")

var attrDirectionInbound = attribute.String("direction", "inbound")
var attrDirectionOutbound = attribute.String("direction", "outbound")

var otelmetrics = struct {
	bandwidth metric.Int64ObservableGauge
}{
	bandwidth: must(otelmeter.Int64ObservableGauge("nodeupdater_libp2p_bandwidth_total",
		metric.WithDescription("Libp2p stream traffic."),
		metric.WithUnit("By"),
	)),
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// BandwidthCounter attaches a bandwidth reporter to the host and exports its
// totals.
func BandwidthCounter(lc fx.Lifecycle) (opts Libp2pOpts, reporter metrics.Reporter, err error) {
	bwc := metrics.NewBandwidthCounter()
	opts.Opts = append(opts.Opts, libp2p.BandwidthReporter(bwc))

	reg, err := otelmeter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := bwc.GetBandwidthTotals()
		o.ObserveInt64(otelmetrics.bandwidth, st.TotalIn, metric.WithAttributes(attrDirectionInbound))
		o.ObserveInt64(otelmetrics.bandwidth, st.TotalOut, metric.WithAttributes(attrDirectionOutbound))
		return nil
	}, otelmetrics.bandwidth)
	if err != nil {
		return Libp2pOpts{}, nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return reg.Unregister()
		},
	})

	return opts, bwc, nil
}
