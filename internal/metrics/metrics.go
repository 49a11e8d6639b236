// Package metrics exposes Prometheus collectors for server lifecycle
// events. Helpers no-op until Register has been called so that library
// use without a metrics endpoint stays silent.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herdsman",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server spawns.",
		}, []string{"engine"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herdsman",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of server stops (graceful or kill).",
		}, []string{"engine"},
	)
	healthTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herdsman",
			Subsystem: "server",
			Name:      "health_timeouts_total",
			Help:      "Number of servers that never became healthy.",
		}, []string{"engine"},
	)
	runningServers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "herdsman",
			Subsystem: "server",
			Name:      "running",
			Help:      "Current number of locally managed server processes.",
		}, []string{"engine"},
	)
	zombiesReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "herdsman",
			Subsystem: "reconciler",
			Name:      "zombies_reaped_total",
			Help:      "Number of stale running records corrected at reconcile.",
		},
	)
	conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "herdsman",
			Subsystem: "convert",
			Name:      "runs_total",
			Help:      "Number of format conversion attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all collectors with the provided registerer. Safe
// to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStops, healthTimeouts, runningServers, zombiesReaped, conversions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(engine string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(engine).Inc()
	}
}

func IncStop(engine string) {
	if regOK.Load() {
		serverStops.WithLabelValues(engine).Inc()
	}
}

func IncHealthTimeout(engine string) {
	if regOK.Load() {
		healthTimeouts.WithLabelValues(engine).Inc()
	}
}

func AddRunning(engine string, delta int) {
	if regOK.Load() {
		runningServers.WithLabelValues(engine).Add(float64(delta))
	}
}

func IncZombieReaped() {
	if regOK.Load() {
		zombiesReaped.Inc()
	}
}

func IncConversion(result string) {
	if regOK.Load() {
		conversions.WithLabelValues(result).Inc()
	}
}
