// Package action runs the effect list of a matched Trigger through
// registered backends.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/trustflow/internal/store"
)

// Request is the marshalled payload handed to a backend.
type Request struct {
	Field       *store.FieldReference
	Params      map[string]string
	Value       store.Value
	ActionUUID  string
	ActionName  string
	Type        store.ActionType
	Resource    store.Resource
	ObjectUUID  string
	GroupingKey string
}

// Backend performs one kind of action. It must honour ctx and report
// failure rather than block.
type Backend interface {
	Execute(ctx context.Context, req Request) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) error

// Execute implements Backend.
func (f BackendFunc) Execute(ctx context.Context, req Request) error { return f(ctx, req) }

// Registry maps action types to backends.
type Registry struct {
	backends map[store.ActionType]Backend
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[store.ActionType]Backend)}
}

// Register binds a backend to an action type, replacing any previous one.
func (r *Registry) Register(t store.ActionType, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[t] = b
}

// Lookup returns the backend for t.
func (r *Registry) Lookup(t store.ActionType) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[t]
	return b, ok
}

// Types lists the registered action types.
func (r *Registry) Types() []store.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]store.ActionType, 0, len(r.backends))
	for t := range r.backends {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Source loads Action and Action Group definitions.
type Source interface {
	Action(ctx context.Context, actionUUID string) (*store.Action, error)
	ActionGroup(ctx context.Context, groupUUID string) (*store.ActionGroup, error)
}

// ErrNoBackend is reported when no backend is registered for an action type.
var ErrNoBackend = errors.New("no backend registered")

// Outcome is the result of one attempted Action.
type Outcome struct {
	Err        error
	ActionUUID string
	GroupUUID  string // set when the Action came from an Action Group
	Status     store.ItemStatus
	Message    string
	Duration   time.Duration
}

// Succeeded reports whether the Action completed without error.
func (o *Outcome) Succeeded() bool { return o.Status == store.StatusSucceeded }

// Performed reports whether every outcome succeeded.
func Performed(outcomes []Outcome) bool {
	for i := range outcomes {
		if !outcomes[i].Succeeded() {
			return false
		}
	}
	return true
}

// Executor runs Actions sequentially. A failing Action never stops the
// Actions after it.
type Executor struct {
	source   Source
	registry *Registry
	timeout  time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// NewExecutor creates an Executor.
func NewExecutor(src Source, reg *Registry, opts ...Option) *Executor {
	e := &Executor{source: src, registry: reg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// step is one Action in the expanded effect list.
type step struct {
	action    *store.Action
	groupUUID string
}

// Execute expands effects in order, with groups expanded in place, and runs
// each Action against obj.
func (e *Executor) Execute(ctx context.Context, effects []store.Effect, obj store.Object) []Outcome {
	steps, outcomes := e.expand(ctx, effects)
	for i := range steps {
		if steps[i].action == nil {
			continue
		}
		outcomes[i] = e.run(ctx, steps[i], obj)
	}
	return outcomes
}

// ExecuteAction runs a single Action against obj.
func (e *Executor) ExecuteAction(ctx context.Context, a *store.Action, obj store.Object) Outcome {
	return e.run(ctx, step{action: a}, obj)
}

// expand resolves effects into steps. Slots whose definitions cannot be
// loaded get a failed outcome and a nil action.
func (e *Executor) expand(ctx context.Context, effects []store.Effect) ([]step, []Outcome) {
	ordered := make([]store.Effect, len(effects))
	copy(ordered, effects)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var steps []step
	var outcomes []Outcome
	fail := func(actionUUID, groupUUID string, err error) {
		steps = append(steps, step{})
		outcomes = append(outcomes, Outcome{
			ActionUUID: actionUUID,
			GroupUUID:  groupUUID,
			Status:     store.StatusFailed,
			Err:        err,
			Message:    err.Error(),
		})
	}

	for _, eff := range ordered {
		switch eff.Kind {
		case store.EffectAction:
			a, err := e.source.Action(ctx, eff.UUID)
			if err != nil {
				fail(eff.UUID, "", fmt.Errorf("loading action: %w", err))
				continue
			}
			steps = append(steps, step{action: a})
			outcomes = append(outcomes, Outcome{})
		case store.EffectActionGroup:
			g, err := e.source.ActionGroup(ctx, eff.UUID)
			if err != nil {
				fail(eff.UUID, eff.UUID, fmt.Errorf("loading action group: %w", err))
				continue
			}
			members := make([]store.GroupMember, len(g.Members))
			copy(members, g.Members)
			sort.SliceStable(members, func(i, j int) bool { return members[i].Order < members[j].Order })
			for _, m := range members {
				a, err := e.source.Action(ctx, m.ActionUUID)
				if err != nil {
					fail(m.ActionUUID, g.UUID, fmt.Errorf("loading action of group %s: %w", g.Name, err))
					continue
				}
				steps = append(steps, step{action: a, groupUUID: g.UUID})
				outcomes = append(outcomes, Outcome{})
			}
		default:
			fail(eff.UUID, "", fmt.Errorf("unknown effect kind %q", eff.Kind))
		}
	}
	return steps, outcomes
}

func (e *Executor) run(ctx context.Context, s step, obj store.Object) (out Outcome) {
	a := s.action
	out = Outcome{ActionUUID: a.UUID, GroupUUID: s.groupUUID}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("action backend panic recovered", "action", a.Name, "panic", r)
			out.Err = fmt.Errorf("backend panic: %v", r)
		}
		out.Duration = time.Since(start)
		if out.Err != nil {
			out.Status = store.StatusFailed
			out.Message = out.Err.Error()
		} else {
			out.Status = store.StatusSucceeded
			out.Message = fmt.Sprintf("%s %s completed", a.Type, a.Name)
		}
	}()

	if !a.Resource.Covers(obj.Resource) {
		out.Err = fmt.Errorf("action %s is scoped to %s, object is %s", a.Name, a.Resource, obj.Resource)
		return out
	}
	backend, ok := e.registry.Lookup(a.Type)
	if !ok {
		out.Err = fmt.Errorf("%w for %s", ErrNoBackend, a.Type)
		return out
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out.Err = backend.Execute(callCtx, Request{
		ActionUUID:  a.UUID,
		ActionName:  a.Name,
		Type:        a.Type,
		Resource:    obj.Resource,
		ObjectUUID:  obj.UUID,
		Field:       a.Field,
		Value:       a.Value,
		Params:      a.Params,
		GroupingKey: a.GroupingKey,
	})
	if out.Err != nil {
		slog.Debug("action failed", "action", a.Name, "type", a.Type, "object", obj.String(), "err", out.Err)
	}
	return out
}
