package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/R3E-Network/vidledger/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vidledger"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of ledger and marketplace operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of ledger and marketplace operations including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	txRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tx_retries_total",
			Help:      "Transactions replayed after a serialization conflict.",
		},
		[]string{"operation"},
	)

	salesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "sales_total",
			Help:      "Completed asset purchases.",
		},
	)

	salesVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "settled_amount_total",
			Help:      "Minor units settled by purchases, split by recipient.",
		},
		[]string{"recipient"},
	)

	maturedStakes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "matured_open_stakes",
			Help:      "Stakes past their duration that have not been withdrawn.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "catalogue_lookups_total",
			Help:      "Catalogue cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		operations,
		operationDuration,
		txRetries,
		salesTotal,
		salesVolume,
		maturedStakes,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOperation records the outcome of one engine operation. The outcome
// label is "ok" or the lower-cased error code.
func RecordOperation(operation string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	operations.WithLabelValues(operation, Outcome(err)).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Outcome maps an error to its metrics label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if svcErr := apperrors.GetServiceError(err); svcErr != nil {
		return strings.ToLower(string(svcErr.Code))
	}
	return "error"
}

// RecordTxRetry counts a transaction replayed after a conflict.
func RecordTxRetry(operation string) {
	txRetries.WithLabelValues(operation).Inc()
}

// RecordSale records a completed purchase and how its price was split.
func RecordSale(sellerAmount, royalty int64) {
	salesTotal.Inc()
	salesVolume.WithLabelValues("seller").Add(float64(sellerAmount))
	if royalty > 0 {
		salesVolume.WithLabelValues("creator").Add(float64(royalty))
	}
}

// SetMaturedStakes publishes the latest matured-stake sweep result.
func SetMaturedStakes(n int) {
	maturedStakes.Set(float64(n))
}

// RecordCacheLookup records a catalogue cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath folds path parameters so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) < 3 {
		return "/" + trimmed
	}

	switch parts[1] {
	case "assets":
		if parts[2] != "inventory" {
			parts[2] = ":id"
		}
	case "wallet":
		if parts[2] == "stakes" && len(parts) >= 4 {
			parts[3] = ":id"
		}
	default:
		return "/api/" + parts[1]
	}
	return "/" + strings.Join(parts, "/")
}
