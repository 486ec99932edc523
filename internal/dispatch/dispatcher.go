// Package dispatch routes resource lifecycle events to the Triggers
// associated with an object, runs their Rules and Actions and records one
// History row per association.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/catalog"
	"github.com/ppiankov/trustflow/internal/rule"
	"github.com/ppiankov/trustflow/internal/store"
)

// ErrAuditWrite wraps a failure to persist a History row.
var ErrAuditWrite = errors.New("audit write failed")

// recordTimeout bounds a History write, which runs detached from the
// caller's cancellation.
const recordTimeout = 30 * time.Second

// ErrBadRequest reports an event or invocation that cannot be routed.
var ErrBadRequest = errors.New("bad dispatch request")

// Definitions loads the Trigger definitions a dispatch needs.
type Definitions interface {
	Associations(ctx context.Context, resource store.Resource, objectUUID string) ([]store.TriggerAssociation, error)
	Trigger(ctx context.Context, triggerUUID string) (*store.Trigger, error)
	Rule(ctx context.Context, ruleUUID string) (*store.Rule, error)
}

// Matcher evaluates a Trigger's gating Rules.
type Matcher interface {
	MatchAll(ctx context.Context, rules []*store.Rule, obj store.Object) (rule.MatchResult, error)
}

// Executor runs a Trigger's effect list.
type Executor interface {
	Execute(ctx context.Context, effects []store.Effect, obj store.Object) []action.Outcome
}

// Recorder persists History rows atomically.
type Recorder interface {
	Record(ctx context.Context, h *store.TriggerHistory) error
}

// Dispatcher processes lifecycle events. It holds no per-dispatch state and
// is safe for concurrent use across objects.
type Dispatcher struct {
	defs     Definitions
	matcher  Matcher
	executor Executor
	recorder Recorder
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver reports dispatch telemetry to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithTracer records spans per dispatch and per association.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithClock overrides the clock used for triggered_at.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(defs Definitions, m Matcher, ex Executor, rec Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		defs:     defs,
		matcher:  m,
		executor: ex,
		recorder: rec,
		observer: nopObserver{},
		tracer:   noop.NewTracerProvider().Tracer("trustflow"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch runs every Trigger associated with the object (or with any
// object of its resource) whose event matches, in association order. Each
// association yields exactly one History row. Processing failures of one
// association are recorded and never stop the next. A History write
// failure stops the dispatch and returns ErrAuditWrite with the rows
// already committed. Cancellation of ctx stops the dispatch between
// associations; the row of the association in flight is still written.
func (d *Dispatcher) Dispatch(ctx context.Context, resource store.Resource, event, objectUUID string) ([]store.TriggerHistory, error) {
	if !resource.Valid() || event == "" || objectUUID == "" {
		return nil, fmt.Errorf("%w: resource %q event %q object %q", ErrBadRequest, resource, event, objectUUID)
	}
	obj := store.Object{Resource: resource, UUID: objectUUID}
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "trustflow.dispatch", trace.WithAttributes(
		attribute.String("trustflow.resource", string(resource)),
		attribute.String("trustflow.event", event),
		attribute.String("trustflow.object", objectUUID),
	))
	defer span.End()

	assocs, err := d.defs.Associations(ctx, resource, objectUUID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading trigger associations for %s: %w", obj, err)
	}
	catalog.SortAssociations(assocs)

	var rows []store.TriggerHistory
	for i := range assocs {
		a := &assocs[i]
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			d.observer.DispatchCompleted(resource, event, len(rows), time.Since(start))
			return rows, fmt.Errorf("dispatch for %s interrupted after %d of %d associations: %w", obj, i, len(assocs), err)
		}
		t, err := d.defs.Trigger(ctx, a.TriggerUUID)
		if err != nil {
			slog.Warn("dispatch: skipping association, trigger definition unavailable",
				"trigger", a.TriggerUUID, "association", a.UUID, "object", obj.String(), "err", err)
			continue
		}
		if !fires(t, resource, event) {
			continue
		}

		h, err := d.process(ctx, t, a.UUID, obj, event)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			d.observer.DispatchCompleted(resource, event, len(rows), time.Since(start))
			return rows, err
		}
		rows = append(rows, h)
	}

	span.SetAttributes(attribute.Int("trustflow.rows", len(rows)))
	d.observer.DispatchCompleted(resource, event, len(rows), time.Since(start))
	slog.Debug("dispatch completed", "object", obj.String(), "event", event, "rows", len(rows), "elapsed", time.Since(start))
	return rows, nil
}

// fires reports whether t reacts to the event. MANUAL Triggers only run
// through Invoke.
func fires(t *store.Trigger, resource store.Resource, event string) bool {
	return t.Type != store.TriggerManual && t.Resource == resource && t.Event == event
}

// Invoke runs one Trigger against obj outside any association, as an
// operator would for a MANUAL Trigger. The History row has no association.
func (d *Dispatcher) Invoke(ctx context.Context, triggerUUID string, obj store.Object) (store.TriggerHistory, error) {
	if !obj.Resource.Valid() || obj.UUID == "" {
		return store.TriggerHistory{}, fmt.Errorf("%w: object %s", ErrBadRequest, obj)
	}
	t, err := d.defs.Trigger(ctx, triggerUUID)
	if err != nil {
		return store.TriggerHistory{}, fmt.Errorf("loading trigger %s: %w", triggerUUID, err)
	}
	if t.Resource != obj.Resource {
		return store.TriggerHistory{}, fmt.Errorf("%w: trigger %s is for %s, object is %s", ErrBadRequest, t.Name, t.Resource, obj.Resource)
	}

	ctx, span := d.tracer.Start(ctx, "trustflow.invoke", trace.WithAttributes(
		attribute.String("trustflow.trigger", t.Name),
		attribute.String("trustflow.object", obj.String()),
	))
	defer span.End()

	h, err := d.process(ctx, t, "", obj, t.Event)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return h, err
}

// process runs one attempt through its phases and records it. Only a
// recorder failure is returned.
func (d *Dispatcher) process(ctx context.Context, t *store.Trigger, assocUUID string, obj store.Object, event string) (store.TriggerHistory, error) {
	att := newAttempt(t.UUID, assocUUID, obj, event, d.now())
	name := t.Name
	ctx, span := d.tracer.Start(ctx, "trustflow.trigger", trace.WithAttributes(
		attribute.String("trustflow.trigger", name),
		attribute.String("trustflow.association", assocUUID),
	))
	defer span.End()

	d.run(ctx, att, t, obj)

	h := &att.history
	span.SetAttributes(
		attribute.Bool("trustflow.matched", h.ConditionsMatched),
		attribute.Bool("trustflow.performed", h.Performed()),
	)

	// Actions may already have taken effect, so the row is written even
	// when the caller has gone away.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := d.recorder.Record(recCtx, h); err != nil {
		d.observer.AuditWriteFailed()
		slog.Error("dispatch: history write failed", "trigger", name, "object", obj.String(), "err", err)
		return *h, fmt.Errorf("%w: trigger %s on %s: %w", ErrAuditWrite, name, obj, err)
	}
	att.advance(PhaseRecorded)
	d.observer.TriggerRecorded(h)
	return *h, nil
}

// run evaluates and executes one Trigger. A panic anywhere in the engine
// becomes a diagnostic on the row instead of escaping the dispatch.
func (d *Dispatcher) run(ctx context.Context, att *attempt, t *store.Trigger, obj store.Object) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: trigger processing panic recovered", "trigger", t.Name, "object", obj.String(), "panic", r)
			att.fail(fmt.Errorf("processing trigger %s panicked: %v", t.Name, r))
		}
	}()

	rules := make([]*store.Rule, 0, len(t.RuleUUIDs))
	for _, id := range t.RuleUUIDs {
		r, err := d.defs.Rule(ctx, id)
		if err != nil {
			slog.Warn("dispatch: rule definition unavailable", "trigger", t.Name, "rule", id, "err", err)
			att.fail(fmt.Errorf("loading rule %s: %w", id, err))
			return
		}
		rules = append(rules, r)
	}

	res, err := d.matcher.MatchAll(ctx, rules, obj)
	att.advance(PhaseConditionsEvaluated)
	att.conditions(res.Items)
	if err != nil {
		slog.Warn("dispatch: rule evaluation incomplete", "trigger", t.Name, "object", obj.String(), "err", err)
		att.fail(err)
		return
	}
	for i := range res.Items {
		if res.Items[i].Err != nil {
			slog.Debug("condition evaluation error", "trigger", t.Name, "condition", res.Items[i].ConditionUUID, "err", res.Items[i].Err)
		}
	}
	if !res.Matched {
		att.advance(PhaseNotMatched)
		att.history.Message = notMatchedMessage(&res)
		return
	}

	att.advance(PhaseMatched)
	outcomes := d.executor.Execute(ctx, t.Effects, obj)
	for i := range outcomes {
		d.observer.ActionCompleted(&outcomes[i])
	}
	att.actions(outcomes)
	att.advance(PhaseActionsExecuted)
}

func notMatchedMessage(res *rule.MatchResult) string {
	counts := res.Counts()
	if counts[store.StatusError] > 0 {
		return fmt.Sprintf("conditions not matched: %d not matched, %d evaluation errors",
			counts[store.StatusNotMatched], counts[store.StatusError])
	}
	return fmt.Sprintf("conditions not matched: %d of %d conditions false", counts[store.StatusNotMatched], len(res.Items))
}
