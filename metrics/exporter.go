package metrics

import (
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"
)

// Exporter registers the default views and returns an HTTP handler serving
// them, together with everything in the default prometheus registry (the otel
// bridge), in the prometheus exposition format.
func Exporter(namespace string) (http.Handler, error) {
	if err := view.Register(DefaultViews...); err != nil {
		return nil, xerrors.Errorf("registering views: %w", err)
	}

	registry := promclient.DefaultRegisterer.(*promclient.Registry)
	pe, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: namespace,
	})
	if err != nil {
		return nil, xerrors.Errorf("creating the prometheus stats exporter: %w", err)
	}

	return pe, nil
}
