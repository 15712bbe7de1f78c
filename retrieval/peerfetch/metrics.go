package peerfetch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var otelmeter = otel.Meter("peerfetch")

var attrDirectionInbound = attribute.String("direction", "inbound")
var attrDirectionOutbound = attribute.String("direction", "outbound")

var otelmetrics = struct {
	bytes metric.Int64Counter
}{
	bytes: must(otelmeter.Int64Counter("nodeupdater_peerfetch_bytes_total",
		metric.WithDescription("Dependency bytes transferred over the peer protocol."),
		metric.WithUnit("By"),
	)),
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
