// Package telemetry exposes pipeline counters over Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PromptsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "prompts_received_total",
		Help:      "Inbound prompts accepted from front-ends.",
	}, []string{"source"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "auth_failures_total",
		Help:      "Envelopes dropped for failing whitelist validation.",
	}, []string{"source"})

	HistoryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "history_errors_total",
		Help:      "Envelopes dropped because their chat log could not be read or written.",
	})

	CompletionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "completion_retries_total",
		Help:      "Transient completion failures that triggered a rebuild and retry.",
	})

	CompletionsExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "completions_exhausted_total",
		Help:      "Envelopes that spent their retry budget and received the sentinel reply.",
	})

	ResponsesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "responses_delivered_total",
		Help:      "Responses handed back to a front-end.",
	}, []string{"source"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fylgja",
		Name:      "delivery_failures_total",
		Help:      "Responses a front-end failed to deliver. Not retried.",
	}, []string{"source"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fylgja",
		Name:      "queue_depth",
		Help:      "Envelopes currently waiting in the shared work queue.",
	})
)

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer builds an HTTP server exposing /metrics and /healthz on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
