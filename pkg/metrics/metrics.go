// Package metrics exposes Prometheus instrumentation for the hub session and
// the upload path. Labels stay low-cardinality: no connection ids, no file
// names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubConnectTotal counts connection attempts by phase (open/reconnect) and result.
	HubConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursehub_hub_connect_total",
		Help: "Total hub connection attempts, by phase and result.",
	}, []string{"phase", "result"})

	// HubEventsTotal counts inbound pushes by kind. Unknown targets use kind "unhandled".
	HubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursehub_hub_events_total",
		Help: "Total server pushes received on the hub channel, by kind.",
	}, []string{"kind"})

	// HubState is 1 for the session's current state and 0 for the others.
	HubState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coursehub_hub_state",
		Help: "Current hub session state (1 = active).",
	}, []string{"state"})

	// StaleEventsTotal counts events dropped because they belong to an old connection epoch.
	StaleEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coursehub_progress_stale_events_total",
		Help: "Total progress events dropped as stale.",
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursehub_uploads_total",
		Help: "Total multipart submissions, by endpoint and result.",
	}, []string{"endpoint", "result"})

	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coursehub_upload_duration_seconds",
		Help:    "Wall time of multipart submissions.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"endpoint"})

	UploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coursehub_upload_attachment_bytes_total",
		Help: "Total attachment bytes submitted, by attachment kind.",
	}, []string{"kind"})
)

var stateLabels = []string{"disconnected", "connecting", "connected", "reconnecting", "closed"}

// SetHubState marks state as the only active hub state.
func SetHubState(state string) {
	for _, s := range stateLabels {
		v := 0.0
		if s == state {
			v = 1
		}
		HubState.WithLabelValues(s).Set(v)
	}
}

func ObserveUpload(endpoint, result string, seconds float64) {
	UploadsTotal.WithLabelValues(endpoint, result).Inc()
	UploadDuration.WithLabelValues(endpoint).Observe(seconds)
}
