// Package metrics exposes the Prometheus collectors of the stepping runtime.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Dispatch kinds.
const (
	KindData   = "data"
	KindTick   = "tick"
	KindReduce = "reduce"
)

// Ingest results.
const (
	IngestAcked   = "acked"
	IngestNacked  = "nacked"
	IngestDecoded = "decode_failed"
)

var (
	namespace = "stepping"
	subsystem = "runtime"

	dispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dispatched_total",
			Help:      "Total number of messages dispatched to a step, by kind",
		},
		[]string{"step", "kind"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent inside step callbacks",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"step"},
	)

	mailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mailbox_depth",
			Help:      "Number of messages waiting in a step mailbox",
		},
		[]string{"step"},
	)

	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because the step worker was no longer running",
		},
		[]string{"step"},
	)

	reduceRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reduce_rounds_total",
			Help:      "Aggregated results delivered to a reducer",
		},
		[]string{"subject"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ticks_total",
			Help:      "Tick callbacks fired by scheduled runners",
		},
		[]string{"runner"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Errors funnelled to the algo exception handler, by kind",
		},
		[]string{"kind"},
	)

	restateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restate_duration_seconds",
			Help:      "Duration of the restate phase",
			Buckets:   prometheus.DefBuckets,
		},
	)

	algoState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "algo_state",
			Help:      "Lifecycle state of the algo (0=created, 1=initializing, 2=restating, 3=running, 4=closed, -1=unknown)",
		},
		[]string{"algo"},
	)

	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Messages pulled by the ingestion adapter, by result",
		},
		[]string{"consumer", "result"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"consumer"},
	)
)

// ObserveDispatch records one dispatched message and the time its callback took.
func ObserveDispatch(step, kind string, duration time.Duration) {
	dispatchedTotal.WithLabelValues(step, kind).Inc()
	dispatchDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// SetMailboxDepth sets the current queue length of a step mailbox.
func SetMailboxDepth(step string, depth int) {
	mailboxDepth.WithLabelValues(step).Set(float64(depth))
}

// IncDropped counts a message discarded after its worker stopped.
func IncDropped(step string) {
	droppedTotal.WithLabelValues(step).Inc()
}

// AddDropped counts n messages discarded when their worker stopped.
func AddDropped(step string, n int) {
	droppedTotal.WithLabelValues(step).Add(float64(n))
}

// IncReduceRound counts one aggregated delivery for subject.
func IncReduceRound(subject string) {
	reduceRoundsTotal.WithLabelValues(subject).Inc()
}

// IncTick counts one tick of runner.
func IncTick(runner string) {
	ticksTotal.WithLabelValues(runner).Inc()
}

// IncError counts one funnelled error of the given kind.
func IncError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}

// ObserveRestate records the duration of the restate phase.
func ObserveRestate(duration time.Duration) {
	restateDuration.Observe(duration.Seconds())
}

// UpdateAlgoState records the lifecycle state of an algo.
func UpdateAlgoState(algo, state string) {
	algoState.WithLabelValues(algo).Set(getStateValue(state))
}

// getStateValue converts a lifecycle state to a numeric value for the metric.
func getStateValue(state string) float64 {
	switch state {
	case "created":
		return 0
	case "initializing":
		return 1
	case "restating":
		return 2
	case "running":
		return 3
	case "closed":
		return 4
	default:
		return -1
	}
}

// IncIngest counts one pulled message of consumer with the given result.
func IncIngest(consumer, result string) {
	ingestTotal.WithLabelValues(consumer, result).Inc()
}

// SetCircuitState records the breaker state of consumer.
func SetCircuitState(consumer string, state int) {
	circuitState.WithLabelValues(consumer).Set(float64(state))
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetupMetricsEndpoint starts an HTTP server exposing /metrics on addr.
// The caller owns the returned server and shuts it down.
func SetupMetricsEndpoint(addr string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return server
}
