package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consultabot_messages_received_total",
			Help: "Total number of inbound user messages.",
		},
	)
	answerAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultabot_answer_attempts_total",
			Help: "Total number of answer attempts by outcome.",
		},
		[]string{"outcome"},
	)
	completionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consultabot_completion_duration_seconds",
			Help:    "Latency of completion-service calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)
	sqlQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultabot_sql_queries_total",
			Help: "Total number of generated SQL queries executed, by status.",
		},
		[]string{"status"},
	)
	sqlQueryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consultabot_sql_query_duration_seconds",
			Help:    "Latency of generated SQL query execution.",
			Buckets: prometheus.DefBuckets,
		},
	)
	repliesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consultabot_replies_sent_total",
			Help: "Total number of replies sent, by kind.",
		},
		[]string{"kind"},
	)
	sendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consultabot_send_failures_total",
			Help: "Total number of dropped replies after send retries were exhausted.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		messagesReceivedTotal,
		answerAttemptsTotal,
		completionDurationSeconds,
		sqlQueriesTotal,
		sqlQueryDurationSeconds,
		repliesSentTotal,
		sendFailuresTotal,
	)
}

func IncrementMessageReceived() {
	messagesReceivedTotal.Inc()
}

func ObserveAnswerAttempt(outcome string) {
	answerAttemptsTotal.WithLabelValues(outcome).Inc()
}

func ObserveCompletion(elapsed time.Duration) {
	completionDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveSQLQuery(status string, elapsed time.Duration) {
	sqlQueriesTotal.WithLabelValues(status).Inc()
	sqlQueryDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveReplySent(kind string) {
	repliesSentTotal.WithLabelValues(kind).Inc()
}

func IncrementSendFailure() {
	sendFailuresTotal.Inc()
}

// ListenMetrics serves the prometheus endpoint on its own listener.
// It blocks until the server fails, so run it in a goroutine.
func ListenMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server.ListenAndServe()
}
