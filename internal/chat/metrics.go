package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	LoggedInUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_logged_in_users",
		Help: "Number of clients that completed a login",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Total registry events processed by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	DroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_dropped_lines_total",
		Help: "Outbound lines dropped because a client's queue was full",
	})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(LoggedInUsers)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(DroppedLines)
}
