package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mailboxStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailguard_mailbox_state",
		Help: "Number of monitored mailboxes per supervisor state.",
	}, []string{"state"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailguard_mailbox_reconnects_total",
		Help: "Reconnect attempts after a lost or failed connection.",
	})

	illegalTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailguard_mailbox_illegal_transitions_total",
		Help: "Rejected supervisor state transitions.",
	})

	messagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailguard_messages_ingested_total",
		Help: "New-message events by ingestion outcome.",
	}, []string{"result"})
)
