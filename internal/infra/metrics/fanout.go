package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(eventsPublishedTotal, liveSubscribers, liveDroppedTotal, webhookDeliveriesTotal, eventsPrunedTotal)
}

var eventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_events_published_total",
		Help: "Session events appended to the log, labeled by event type.",
	},
	[]string{"type"},
)

var liveSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "fanout_live_subscribers",
		Help: "Currently connected live-push subscribers.",
	},
)

var liveDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_live_subscribers_dropped_total",
		Help: "Subscribers disconnected because their buffer filled up.",
	},
)

var webhookDeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fanout_webhook_deliveries_total",
		Help: "Webhook delivery outcomes.",
	},
	[]string{"result"}, // 'delivered', 'retried', 'undelivered'
)

var eventsPrunedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fanout_events_pruned_total",
		Help: "Events removed from session logs by the retention worker.",
	},
)

func IncEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(norm(eventType)).Inc()
}

func SubscriberConnected()    { liveSubscribers.Inc() }
func SubscriberDisconnected() { liveSubscribers.Dec() }
func IncSubscriberDropped()   { liveDroppedTotal.Inc() }

func IncWebhookDelivery(result string) {
	webhookDeliveriesTotal.WithLabelValues(norm(result)).Inc()
}

func AddEventsPruned(n int64) {
	eventsPrunedTotal.Add(float64(n))
}
