package bot

import "github.com/prometheus/client_golang/prometheus"

var (
	// commandsTotal counts executed commands by canonical name and outcome.
	// Unknown command names collapse into "unknown" to bound cardinality.
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbot_commands_total",
			Help: "Commands executed, by command and outcome.",
		},
		[]string{"command", "outcome"},
	)

	// notifyRecipients records the fan-out size of each notify.
	notifyRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventbot_notify_recipients",
			Help:    "Recipients per notify invocation.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	reactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbot_reactions_total",
			Help: "Reaction events handled, by action and result.",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, notifyRecipients, reactionsTotal)
}
