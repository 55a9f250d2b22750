package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxclaw_sync_cycles_total",
		Help: "Total sync poll cycles by result (ok, error).",
	}, []string{"account", "result"})

	InboundMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxclaw_inbound_messages_total",
		Help: "Total inbound raw events by normalization outcome.",
	}, []string{"account", "outcome"})

	MediaFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxclaw_media_fetch_total",
		Help: "Total media reconstruction attempts by kind and result.",
	}, []string{"account", "kind", "result"})

	OutboundRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxclaw_outbound_requests_total",
		Help: "Total queued API calls by operation and result.",
	}, []string{"account", "op", "result"})

	OutboundQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wxclaw_outbound_queue_depth",
		Help: "Requests waiting in the outbound queue.",
	}, []string{"account"})
)

// Inbound outcomes.
const (
	OutcomeDispatched  = "dispatched"
	OutcomeDuplicate   = "duplicate"
	OutcomeBlacklisted = "blacklisted"
	OutcomeUnsupported = "unsupported"
	OutcomeSelf        = "self"
	OutcomeEmpty       = "empty"
	OutcomeDenied      = "denied"
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SyncCycles,
			InboundMessages,
			MediaFetches,
			OutboundRequests,
			OutboundQueueDepth,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
