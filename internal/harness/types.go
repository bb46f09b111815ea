package harness

import (
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/events"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Step     int           `json:"step"`
	Terminal string        `json:"terminal"`
	Action   string        `json:"action"`
	Error    string        `json:"error,omitempty"` // Error class, see errorClass
	Report   *StepReport   `json:"report,omitempty"`
	Events   []EventRecord `json:"events,omitempty"`
}

// StepReport is the deterministic part of an engine.CycleReport.
type StepReport struct {
	Submitted    int `json:"submitted"`
	Acknowledged int `json:"acknowledged"`
	Rejected     int `json:"rejected"`
	Superseded   int `json:"superseded"`
	Conflicts    int `json:"conflicts"`
	FollowUps    int `json:"follow_ups"`
}

func newStepReport(r engine.CycleReport) *StepReport {
	return &StepReport{
		Submitted:    r.Submitted,
		Acknowledged: r.Acknowledged,
		Rejected:     r.Rejected,
		Superseded:   r.Superseded,
		Conflicts:    r.Conflicts,
		FollowUps:    r.FollowUps,
	}
}

// field returns the report value for an expect key.
func (r *StepReport) field(name string) (int, bool) {
	switch name {
	case "submitted":
		return r.Submitted, true
	case "acknowledged":
		return r.Acknowledged, true
	case "rejected":
		return r.Rejected, true
	case "superseded":
		return r.Superseded, true
	case "conflicts":
		return r.Conflicts, true
	case "follow_ups":
		return r.FollowUps, true
	}
	return 0, false
}

// EventRecord is an event without its timestamp and sequence number.
// Cycle start and finish events are not recorded.
type EventRecord struct {
	Kind        events.Kind `json:"kind"`
	OperationID string      `json:"operation,omitempty"`
	OpKind      string      `json:"op_kind,omitempty"`
	Resolution  string      `json:"resolution,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

func recordEvents(evs []events.Event) []EventRecord {
	var out []EventRecord
	for _, ev := range evs {
		if ev.Kind == events.KindCycleStarted || ev.Kind == events.KindCycleFinished {
			continue
		}
		out = append(out, EventRecord{
			Kind:        ev.Kind,
			OperationID: ev.OperationID,
			OpKind:      string(ev.OpKind),
			Resolution:  ev.Resolution,
			Reason:      ev.Reason,
		})
	}
	return out
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace holds the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
