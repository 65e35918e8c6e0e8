package monitor

import "time"

// State is the lifecycle state of one mailbox supervisor.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateConnecting State = "CONNECTING"
	StateMonitoring State = "MONITORING"
	StateRecovering State = "RECOVERING"
	StateStopped    State = "STOPPED"
)

var allStates = []State{StateNotStarted, StateConnecting, StateMonitoring, StateRecovering, StateStopped}

// legalTransitions lists the allowed edges. STOPPED is final.
var legalTransitions = map[State][]State{
	StateNotStarted: {StateConnecting, StateStopped},
	StateConnecting: {StateMonitoring, StateRecovering, StateStopped},
	StateMonitoring: {StateRecovering, StateStopped},
	StateRecovering: {StateConnecting, StateStopped},
}

func canTransition(from, to State) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ConnectionState is a read-only view of a supervisor.
type ConnectionState struct {
	Mailbox      string    `json:"mailbox"`
	UserID       string    `json:"user_id"`
	State        State     `json:"state"`
	Strategy     string    `json:"strategy,omitempty"`
	Attempts     int       `json:"attempts"`
	Connected    bool      `json:"connected"`
	LastActivity time.Time `json:"last_activity"`
	LastError    string    `json:"last_error,omitempty"`
}
