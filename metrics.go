package handlegc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "handlegc"

var (
	metricRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_registrations_total",
			Help: "Total number of handle registrations per class",
		},
		[]string{"class"},
	)
	metricDestructions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_destructions_total",
			Help: "Total number of handle contexts destroyed per class",
		},
		[]string{"class"},
	)
	metricDestructionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricsPrefix + "_destruction_errors_total",
			Help: "Total number of asynchronous destruction failures per class and error code",
		},
		[]string{"class", "code"},
	)
	metricLiveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricsPrefix + "_live_handles",
			Help: "Number of handle contexts currently tracked across all registries",
		},
	)
	metricPendingReleases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricsPrefix + "_pending_releases",
			Help: "Release requests queued or in flight on the unregistration agents",
		},
	)
)

func init() {
	prometheus.MustRegister(
		metricRegistrations,
		metricDestructions,
		metricDestructionErrors,
		metricLiveHandles,
		metricPendingReleases,
	)
}
