package dispatch

import (
	"time"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/store"
)

// Observer receives dispatch telemetry. metrics.Collector implements it.
type Observer interface {
	DispatchCompleted(resource store.Resource, event string, rows int, elapsed time.Duration)
	TriggerRecorded(h *store.TriggerHistory)
	ActionCompleted(o *action.Outcome)
	AuditWriteFailed()
}

type nopObserver struct{}

func (nopObserver) DispatchCompleted(store.Resource, string, int, time.Duration) {}
func (nopObserver) TriggerRecorded(*store.TriggerHistory)                        {}
func (nopObserver) ActionCompleted(*action.Outcome)                              {}
func (nopObserver) AuditWriteFailed()                                            {}
