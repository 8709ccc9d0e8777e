package coordinator

import (
	"fmt"
)

// Mode controls how targets are dispatched.
type Mode string

const (
	ModeParallel Mode = "parallel"
	ModeOrdered  Mode = "ordered"
)

// JoinPolicy decides whether an execution succeeded.
type JoinPolicy string

const (
	JoinAll        JoinPolicy = "all"
	JoinBestEffort JoinPolicy = "best_effort"
)

// AbortPolicy decides whether a failure halts the remaining dispatches.
type AbortPolicy string

const (
	AbortAnyFailure AbortPolicy = "any_failure"
	AbortContinue   AbortPolicy = "continue"
)

// Per-target statuses in an execution payload.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Target is one segment of a decomposed request.
type Target struct {
	TargetButler string `json:"target_butler"`
	Prompt       string `json:"prompt"`
}

// Plan is a fanout of one tool call to N butlers.
type Plan struct {
	RequestID     string      `json:"request_id,omitempty"`
	SourceChannel string      `json:"source_channel"`
	SourceID      string      `json:"source_id"`
	ToolName      string      `json:"tool_name"`
	Mode          Mode        `json:"mode"`
	Join          JoinPolicy  `json:"join"`
	Abort         AbortPolicy `json:"abort"`
	Targets       []Target    `json:"targets"`
	// Attempt is 1 for the first dispatch of a request.
	Attempt int `json:"attempt"`
}

// TargetOutcome is the per-target entry of execution_payload.
type TargetOutcome struct {
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Execution is the outcome of one Execute call. It mirrors the immutable
// fanout_execution_log row.
type Execution struct {
	ID       string                   `json:"id"`
	Plan     Plan                     `json:"plan"`
	Outcomes map[string]TargetOutcome `json:"outcomes"`
	Success  bool                     `json:"success"`
}

// Failed returns the targets that did not succeed, in plan order. Skipped
// targets are included.
func (e *Execution) Failed() []Target {
	var out []Target
	for _, t := range e.Plan.Targets {
		if e.Outcomes[t.TargetButler].Status != StatusSuccess {
			out = append(out, t)
		}
	}
	return out
}

func (p *Plan) applyDefaults() {
	if p.Mode == "" {
		p.Mode = ModeParallel
	}
	if p.Join == "" {
		p.Join = JoinAll
	}
	if p.Abort == "" {
		p.Abort = AbortContinue
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
}

// Validate checks that the plan is well-formed.
func (p *Plan) Validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("plan has no targets")
	}
	if p.ToolName == "" {
		return fmt.Errorf("plan has no tool name")
	}
	switch p.Mode {
	case ModeParallel, ModeOrdered:
	default:
		return fmt.Errorf("unknown fanout mode %q", p.Mode)
	}
	switch p.Join {
	case JoinAll, JoinBestEffort:
	default:
		return fmt.Errorf("unknown join policy %q", p.Join)
	}
	switch p.Abort {
	case AbortAnyFailure, AbortContinue:
	default:
		return fmt.Errorf("unknown abort policy %q", p.Abort)
	}
	return validateTargets(p.Targets)
}

func validateTargets(targets []Target) error {
	seen := make(map[string]bool, len(targets))
	for i, t := range targets {
		if t.TargetButler == "" {
			return fmt.Errorf("target %d has empty target_butler", i)
		}
		if seen[t.TargetButler] {
			return fmt.Errorf("duplicate target: %s", t.TargetButler)
		}
		seen[t.TargetButler] = true
	}
	return nil
}

// joined applies the join policy to a full outcome map.
func joined(join JoinPolicy, targets []Target, outcomes map[string]TargetOutcome) bool {
	succeeded := 0
	for _, t := range targets {
		if outcomes[t.TargetButler].Status == StatusSuccess {
			succeeded++
		}
	}
	if join == JoinBestEffort {
		return succeeded > 0
	}
	return succeeded == len(targets)
}
