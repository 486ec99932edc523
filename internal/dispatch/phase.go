package dispatch

import (
	"fmt"
	"time"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/rule"
	"github.com/ppiankov/trustflow/internal/store"
)

// Phase is the progress of one dispatch attempt.
type Phase int

const (
	PhasePending Phase = iota
	PhaseConditionsEvaluated
	PhaseMatched
	PhaseNotMatched
	PhaseActionsExecuted
	PhaseRecorded
)

var phaseNames = [...]string{
	PhasePending:             "PENDING",
	PhaseConditionsEvaluated: "CONDITIONS_EVALUATED",
	PhaseMatched:             "MATCHED",
	PhaseNotMatched:          "NOT_MATCHED",
	PhaseActionsExecuted:     "ACTIONS_EXECUTED",
	PhaseRecorded:            "RECORDED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// transitions lists the legal successors of each phase. Pending may go
// straight to NotMatched when the definitions cannot be loaded.
var transitions = map[Phase][]Phase{
	PhasePending:             {PhaseConditionsEvaluated, PhaseNotMatched},
	PhaseConditionsEvaluated: {PhaseMatched, PhaseNotMatched},
	PhaseMatched:             {PhaseActionsExecuted},
	PhaseNotMatched:          {PhaseRecorded},
	PhaseActionsExecuted:     {PhaseRecorded},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// attempt accumulates the History row of one association (or manual
// invocation) while it moves through the phases.
type attempt struct {
	history store.TriggerHistory
	phase   Phase
}

func newAttempt(triggerUUID, associationUUID string, obj store.Object, event string, at time.Time) *attempt {
	return &attempt{history: store.TriggerHistory{
		TriggeredAt:     at,
		TriggerUUID:     triggerUUID,
		AssociationUUID: associationUUID,
		ObjectUUID:      obj.UUID,
		Resource:        obj.Resource,
		Event:           event,
	}}
}

// advance moves to the next phase. An illegal transition is a bug in the
// dispatcher and panics.
func (a *attempt) advance(to Phase) {
	if !CanTransition(a.phase, to) {
		panic(fmt.Sprintf("dispatch: illegal phase transition %s -> %s", a.phase, to))
	}
	a.phase = to
	switch to {
	case PhaseMatched:
		a.history.ConditionsMatched = true
		performed := false
		a.history.ActionsPerformed = &performed
	case PhaseNotMatched:
		a.history.ConditionsMatched = false
		a.history.ActionsPerformed = nil
	}
}

func (a *attempt) conditions(items []rule.ItemOutcome) {
	for i := range items {
		it := &items[i]
		a.history.Records = append(a.history.Records, store.HistoryRecord{
			Subject: store.ConditionSubject(it.ConditionUUID),
			Status:  it.Status,
			Message: it.Message,
		})
	}
}

func (a *attempt) actions(outcomes []action.Outcome) {
	for i := range outcomes {
		o := &outcomes[i]
		a.history.Records = append(a.history.Records, store.HistoryRecord{
			Subject: store.ActionSubject(o.ActionUUID),
			Status:  o.Status,
			Message: o.Message,
		})
	}
	performed := action.Performed(outcomes)
	a.history.ActionsPerformed = &performed

	failed := 0
	for i := range outcomes {
		if !outcomes[i].Succeeded() {
			failed++
		}
	}
	switch {
	case len(outcomes) == 0:
		a.history.Message = "conditions matched, no actions to perform"
	case failed == 0:
		a.history.Message = fmt.Sprintf("conditions matched, %d actions succeeded", len(outcomes))
	default:
		a.history.Message = fmt.Sprintf("conditions matched, %d of %d actions failed", failed, len(outcomes))
	}
}

// fail ends the attempt early with a diagnostic. Before a match the row
// records conditions_matched=false; after a match the actions are marked
// as not performed.
func (a *attempt) fail(err error) {
	switch a.phase {
	case PhasePending, PhaseConditionsEvaluated:
		a.advance(PhaseNotMatched)
	case PhaseMatched:
		a.advance(PhaseActionsExecuted)
		performed := false
		a.history.ActionsPerformed = &performed
	case PhaseActionsExecuted, PhaseNotMatched:
		if a.history.ConditionsMatched {
			performed := false
			a.history.ActionsPerformed = &performed
		}
	case PhaseRecorded:
		return
	}
	a.history.Message = err.Error()
}
