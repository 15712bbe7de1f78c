package metrics

import (
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// libp2p and the peer transfer protocol record through the otel metric API,
// while the updater records through opencensus. Registering an otel reader on
// the default prometheus registry puts both behind the one Exporter handler.
func init() {
	reader, err := otelprom.New()
	if err != nil {
		log.Errorw("otel metrics won't be exported", "error", err)
		return
	}
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
}
