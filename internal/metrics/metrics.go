// Package metrics exposes cmd/spaced's Prometheus instrumentation: per-operation counters
// for the internal/space façade, orderer queue depth, dcgka update/ack activity, ratchet
// skipped-key bookkeeping, and the spaceapi HTTP edge. Grounded on the teacher's
// promauto-based metrics.go idiom (CounterVec/GaugeVec/HistogramVec declared as package
// vars, a MetricsMiddleware wrapping http.Handler, Record* helpers called from the
// operation sites).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts every space façade call (Create/Add/Remove/Promote/Demote/
	// PCSUpdate/Send/Receive), labeled by its wire.Action/outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_operations_total",
			Help: "Total number of group operations processed by the space facade",
		},
		[]string{"operation", "result"},
	)

	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spacecore_operation_latency_seconds",
			Help:    "Latency of space facade operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"operation"},
	)

	// OrdererQueueDepth tracks how many received frames are buffered waiting on a causal
	// dependency that hasn't arrived yet (spec §4.E's Queue/TakeNextReady buffer).
	OrdererQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spacecore_orderer_queue_depth",
			Help: "Number of operations buffered in the causal orderer pending dependencies",
		},
		[]string{"group_id"},
	)

	// DCGKAUpdatesTotal counts DCGKA ratchet lifecycle events: a member-initiated
	// BeginUpdate, an incoming ReceiveSeed, or an incoming ReceiveAck.
	DCGKAUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_dcgka_updates_total",
			Help: "Total number of DCGKA ratchet update events",
		},
		[]string{"event"}, // begin_update, receive_seed, receive_ack
	)

	// RatchetSkippedKeys tracks the size of each per-sender ratchet's retained
	// skipped-message-key window, used to bound the out-of-order delivery tolerance.
	RatchetSkippedKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spacecore_ratchet_skipped_keys",
			Help: "Number of retained skipped message keys per sender ratchet",
		},
		[]string{"group_id", "sender_id"},
	)

	// ApplicationDecryptFailuresTotal counts ratchet.Open failures, split by whether the
	// failure was a deliberate stale-epoch miss (spec §8 properties 5-6, forward secrecy
	// and removed-member exclusion) or a genuine decryption error.
	ApplicationDecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_application_decrypt_failures_total",
			Help: "Total number of application message decrypt failures",
		},
		[]string{"reason"}, // stale_epoch, decrypt_error
	)

	// HTTP metrics for the spaceapi edge.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_http_requests_total",
			Help: "Total number of HTTP requests handled by spaceapi",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spacecore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_auth_attempts_total",
			Help: "Total number of JWT authentication attempts at the spaceapi edge",
		},
		[]string{"result"}, // success, failure
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_rate_limit_hits_total",
			Help: "Total number of requests rejected by the spaceapi rate limiter",
		},
		[]string{"endpoint", "tier"},
	)

	// RateLimitRequestsTotal counts every request the rate limiter evaluated, including
	// ones it allowed, split by which tier decided the outcome.
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_rate_limit_requests_total",
			Help: "Total number of requests evaluated by the spaceapi rate limiter",
		},
		[]string{"endpoint", "tier", "outcome"},
	)

	// AbuseDetectionEventsTotal counts a key (pre-auth IP or authenticated space-operator
	// token) crossing the abuse threshold and being placed in the penalty box.
	AbuseDetectionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_abuse_detection_events_total",
			Help: "Total number of abuse detection penalty-box placements",
		},
		[]string{"scope"}, // ip, operator
	)

	// StrictModeActivationsTotal counts a scope entering its temporary strict rate-limit
	// mode after an abuse detection event.
	StrictModeActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_strict_mode_activations_total",
			Help: "Total number of strict rate-limit mode activations",
		},
		[]string{"scope"}, // ip, operator
	)

	// TransportConnections tracks live transport.Hub connections, labeled by server_id so
	// a multi-instance deployment can sum across cmd/spaced processes.
	TransportConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spacecore_transport_connections",
			Help: "Number of active transport connections",
		},
		[]string{"server_id"},
	)

	// PubsubPublishTotal counts cross-instance frame fan-out publishes, split by result so
	// a sustained rise in failures pages before a deployment silently stops fanning out.
	PubsubPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacecore_pubsub_publish_total",
			Help: "Total number of frames published to the cross-instance pubsub",
		},
		[]string{"result"}, // success, failure
	)
)

// MetricsMiddleware wraps HTTP handlers with request count/latency metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records a space facade operation outcome and its latency.
func RecordOperation(operation string, err error, latency time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
	OperationLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// UpdateOrdererQueueDepth sets the current pending-dependency queue depth for a group.
func UpdateOrdererQueueDepth(groupID string, depth int) {
	OrdererQueueDepth.WithLabelValues(groupID).Set(float64(depth))
}

// RecordDCGKAEvent records a DCGKA ratchet lifecycle event.
func RecordDCGKAEvent(event string) {
	DCGKAUpdatesTotal.WithLabelValues(event).Inc()
}

// UpdateRatchetSkippedKeys sets the retained skipped-key count for one sender's ratchet.
func UpdateRatchetSkippedKeys(groupID, senderID string, count int) {
	RatchetSkippedKeys.WithLabelValues(groupID, senderID).Set(float64(count))
}

// RecordDecryptFailure records a failed application message decrypt, distinguishing a
// deliberate stale-epoch miss from a genuine AEAD failure.
func RecordDecryptFailure(staleEpoch bool) {
	reason := "decrypt_error"
	if staleEpoch {
		reason = "stale_epoch"
	}
	ApplicationDecryptFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordAuthAttempt records a spaceapi JWT authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a request rejected by the spaceapi rate limiter.
func RecordRateLimitHit(endpoint, tier string) {
	RateLimitHits.WithLabelValues(endpoint, tier).Inc()
}

// RecordRateLimitRequest records the outcome of one rate limiter evaluation, allowed or
// denied, labeled by which tier produced that outcome.
func RecordRateLimitRequest(endpoint, tier, outcome string) {
	RateLimitRequestsTotal.WithLabelValues(endpoint, tier, outcome).Inc()
}

// RecordAbuseDetectionEvent records a scope (ip/user) being placed in the penalty box.
func RecordAbuseDetectionEvent(scope, outcome string) {
	AbuseDetectionEventsTotal.WithLabelValues(scope).Inc()
}

// RecordStrictModeActivation records a scope (ip/user) entering strict rate-limit mode.
func RecordStrictModeActivation(scope string) {
	StrictModeActivationsTotal.WithLabelValues(scope).Inc()
}

// UpdateTransportConnections sets the live connection gauge for this server instance.
func UpdateTransportConnections(serverID string, count int) {
	TransportConnections.WithLabelValues(serverID).Set(float64(count))
}

// RecordPubsubPublish records the outcome of one cross-instance frame publish.
func RecordPubsubPublish(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	PubsubPublishTotal.WithLabelValues(result).Inc()
}
