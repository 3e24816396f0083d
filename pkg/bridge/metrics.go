package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	openFilesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wopibridge_open_files",
		Help: "Number of documents currently tracked by the bridge.",
	})

	opensCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopibridge_opens_total",
		Help: "Count of documents opened through the bridge, by access mode.",
	}, []string{"mode"})

	savesEnqueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wopibridge_saves_enqueued_total",
		Help: "Count of save signals accepted from the app.",
	})

	savesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wopibridge_saves_total",
		Help: "Count of save rounds executed by the coordinator, by outcome.",
	}, []string{"outcome"})
)

// RecordOpen counts a served /open in the given access mode.
func RecordOpen(canWrite bool) {
	mode := "readonly"
	if canWrite {
		mode = "readwrite"
	}
	opensCounter.WithLabelValues(mode).Inc()
}
