package bus

import "time"

// Registry topics.
const (
	TopicButlerEligibilityChanged = "butler.eligibility_changed"
	TopicButlerRegistered         = "butler.registered"
	TopicButlerLivenessReport     = "butler.liveness_report"
)

// Request lifecycle and fanout topics.
const (
	TopicMessageStateChanged = "message.state_changed"
	TopicFanoutCompleted     = "fanout.completed"
)

// Recovery topics.
const (
	TopicDeadLetterCaptured = "deadletter.captured"
	TopicDeadLetterReplayed = "deadletter.replayed"
	TopicOperatorAction     = "operator.action"
)

// EligibilityChangedEvent is published after an eligibility transition is committed.
type EligibilityChangedEvent struct {
	ButlerName    string    `json:"butler_name"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	Reason        string    `json:"reason"`
	ObservedAt    time.Time `json:"observed_at"`
}

// ButlerRegisteredEvent is published for every successful registration upsert.
type ButlerRegisteredEvent struct {
	ButlerName  string `json:"butler_name"`
	EndpointURL string `json:"endpoint_url"`
	State       string `json:"state"`
}

// LivenessReportEvent summarises the projected staleness of the registry.
type LivenessReportEvent struct {
	Total       int       `json:"total"`
	Routable    int       `json:"routable"`
	Stale       []string  `json:"stale"`
	Quarantined []string  `json:"quarantined"`
	At          time.Time `json:"at"`
}

// MessageStateChangedEvent is published when a request moves between lifecycle states.
type MessageStateChangedEvent struct {
	RequestID string `json:"request_id"`
	OldState  string `json:"old_state,omitempty"`
	NewState  string `json:"new_state"`
}

// FanoutCompletedEvent is published once a fanout execution row is written.
type FanoutCompletedEvent struct {
	ExecutionID string `json:"execution_id"`
	RequestID   string `json:"request_id,omitempty"`
	Mode        string `json:"mode"`
	Targets     int    `json:"targets"`
	Success     bool   `json:"success"`
	Attempt     int    `json:"attempt"`
}

// DeadLetterEvent is published on capture and on replay.
type DeadLetterEvent struct {
	DeadLetterID      string `json:"dead_letter_id"`
	OriginalRequestID string `json:"original_request_id"`
	Category          string `json:"category,omitempty"`
	ReplayedRequestID string `json:"replayed_request_id,omitempty"`
}

// OperatorActionEvent is published for every audited operator action.
type OperatorActionEvent struct {
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
	Operator  string `json:"operator"`
	Outcome   string `json:"outcome"`
}
