// Package metrics exposes the agent's traffic counters to Prometheus.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nelyj/fwdtun/internal/util"
)

// Register installs read-through collectors over the process-wide stats.
// Call at most once per process.
func Register() {
	counter := func(name, help string, load func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "fwdtun", Name: name, Help: help},
			func() float64 { return float64(load()) })
	}
	prometheus.MustRegister(
		counter("frames_up_total", "Frames written to the upstream link.", util.Stats.FramesUp.Load),
		counter("frames_down_total", "Frames received from the upstream link.", util.Stats.FramesDown.Load),
		counter("bytes_up_total", "Frame bytes written upstream.", util.Stats.BytesUp.Load),
		counter("bytes_down_total", "Frame bytes received from upstream.", util.Stats.BytesDown.Load),
		counter("sessions_total", "Upstream sessions started.", util.Stats.Sessions.Load),
		counter("protocol_violations_total", "Protocol violations that tore a session down.", util.Stats.Violations.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fwdtun", Name: "local_connections", Help: "Currently open local TCP connections.",
		}, func() float64 { return float64(util.Stats.LocalConns()) }),
	)
}

// Serve starts the metrics endpoint on addr. It returns once the listener
// is up; a later serving error ends the endpoint, not the agent.
func Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.Serve(ln, mux); err != nil {
			util.LogWarning("metrics endpoint stopped: %v", err)
		}
	}()

	util.LogInfo("metrics on http://%s/metrics", ln.Addr())
	return nil
}
