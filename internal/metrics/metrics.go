// Package metrics exposes an optional Prometheus endpoint for a
// running transfer: congestion window, bytes in flight, RTT/RTO
// estimates, and cumulative retransmission/duplicate-ACK/FEC-recovery
// counters. It is off by default; callers that never start the
// exporter pay only the cost of a few atomic gauge/counter updates.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 2 * time.Second

// Recorder is the set of gauges and counters the send/receive loops
// update as the transfer progresses.
type Recorder struct {
	registry *prometheus.Registry

	cwnd          prometheus.Gauge
	bytesInFlight prometheus.Gauge
	srtt          prometheus.Gauge
	rto           prometheus.Gauge

	retransmits  *prometheus.CounterVec
	duplicateAck prometheus.Counter
	fecRecovered prometheus.Counter
	fecFailed    prometheus.Counter
}

// New builds a Recorder backed by its own registry, so a process
// running both a sender and a receiver can expose two independent
// endpoints without metric-name collisions.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		cwnd: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "qudp_congestion_window_bytes",
			Help: "Current congestion/send window size in bytes.",
		}),
		bytesInFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "qudp_bytes_in_flight",
			Help: "Unacked payload bytes currently outstanding.",
		}),
		srtt: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "qudp_smoothed_rtt_seconds",
			Help: "Current smoothed round-trip-time estimate.",
		}),
		rto: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "qudp_retransmission_timeout_seconds",
			Help: "Current retransmission timeout.",
		}),
		retransmits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "qudp_retransmits_total",
			Help: "Retransmitted segments, partitioned by trigger.",
		}, []string{"reason"}),
		duplicateAck: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "qudp_duplicate_acks_total",
			Help: "ACKs received that repeated the previous cumulative ack.",
		}),
		fecRecovered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "qudp_fec_segments_recovered_total",
			Help: "Data segments reconstructed from FEC parity shards.",
		}),
		fecFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "qudp_fec_reconstructions_failed_total",
			Help: "FEC group reconstructions that failed verification.",
		}),
	}
	return r
}

// SetCongestionWindow records the current window size in bytes.
func (r *Recorder) SetCongestionWindow(bytes int) {
	r.cwnd.Set(float64(bytes))
}

// SetBytesInFlight records current unacked bytes outstanding.
func (r *Recorder) SetBytesInFlight(bytes int) {
	r.bytesInFlight.Set(float64(bytes))
}

// SetRTTEstimates records the smoothed RTT and current RTO, both in
// seconds.
func (r *Recorder) SetRTTEstimates(srttSeconds, rtoSeconds float64) {
	r.srtt.Set(srttSeconds)
	r.rto.Set(rtoSeconds)
}

// IncRetransmit increments the retransmit counter for the given
// trigger ("fast" or "timeout").
func (r *Recorder) IncRetransmit(reason string) {
	r.retransmits.WithLabelValues(reason).Inc()
}

// IncDuplicateAck increments the duplicate-ACK counter.
func (r *Recorder) IncDuplicateAck() {
	r.duplicateAck.Inc()
}

// IncFECRecovered increments the FEC-recovery counter by n segments.
func (r *Recorder) IncFECRecovered(n int) {
	r.fecRecovered.Add(float64(n))
}

// IncFECFailed increments the FEC-failure counter.
func (r *Recorder) IncFECFailed() {
	r.fecFailed.Inc()
}

// Serve starts an HTTP server on addr exposing /metrics for r, and
// blocks until ctx is canceled or the server fails. A canceled context
// triggers a graceful shutdown rather than an abrupt close.
func Serve(ctx context.Context, addr string, r *Recorder) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
