// Package rule matches Rules against managed objects.
package rule

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ppiankov/trustflow/internal/condition"
	"github.com/ppiankov/trustflow/internal/store"
)

// GroupSource loads shared Condition Groups by UUID.
type GroupSource interface {
	ConditionGroup(ctx context.Context, groupUUID string) (*store.ConditionGroup, error)
}

// ItemOutcome is the result of one consulted Condition.
type ItemOutcome struct {
	Err           error
	ConditionUUID string
	RuleUUID      string
	GroupUUID     string // empty for a Rule's direct Conditions
	Status        store.ItemStatus
	Message       string
}

// Matched reports whether the Condition evaluated true.
func (o *ItemOutcome) Matched() bool { return o.Status == store.StatusMatched }

// MatchResult is the conjunction over every consulted Condition plus the
// per-item outcomes in declaration order.
type MatchResult struct {
	Items   []ItemOutcome
	Matched bool
}

// Counts tallies outcomes by status.
func (r *MatchResult) Counts() map[store.ItemStatus]int {
	counts := make(map[store.ItemStatus]int)
	for i := range r.Items {
		counts[r.Items[i].Status]++
	}
	return counts
}

// Matcher evaluates Rules. It holds no per-evaluation state.
type Matcher struct {
	groups       GroupSource
	resolver     condition.Resolver
	shortCircuit bool
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithShortCircuit stops evaluating after the first Condition that does not
// match. Remaining Conditions are still reported with status skipped.
func WithShortCircuit() Option {
	return func(m *Matcher) { m.shortCircuit = true }
}

// NewMatcher creates a Matcher resolving fields through r.
func NewMatcher(groups GroupSource, r condition.Resolver, opts ...Option) *Matcher {
	m := &Matcher{groups: groups, resolver: r}
	for _, o := range opts {
		o(m)
	}
	return m
}

// item is one Condition queued for evaluation.
type item struct {
	cond      store.Condition
	ruleUUID  string
	groupUUID string
	invalid   string // set when the Condition cannot apply to the object
}

// Match evaluates a single Rule against obj.
func (m *Matcher) Match(ctx context.Context, r *store.Rule, obj store.Object) (MatchResult, error) {
	return m.MatchAll(ctx, []*store.Rule{r}, obj)
}

// MatchAll evaluates the conjunction of rules against obj. An empty rule list
// matches. If a referenced group cannot be loaded, the outcomes gathered so
// far are returned together with the error.
func (m *Matcher) MatchAll(ctx context.Context, rules []*store.Rule, obj store.Object) (MatchResult, error) {
	items, loadErr := m.collect(ctx, rules, obj)

	res := MatchResult{Matched: loadErr == nil, Items: make([]ItemOutcome, 0, len(items))}
	stopped := false
	for i := range items {
		it := &items[i]
		out := ItemOutcome{ConditionUUID: it.cond.UUID, RuleUUID: it.ruleUUID, GroupUUID: it.groupUUID}

		switch {
		case stopped:
			out.Status = store.StatusSkipped
			out.Message = "not evaluated: an earlier condition did not match"
		case it.invalid != "":
			out.Status = store.StatusError
			out.Err = &condition.EvaluationError{Err: condition.ErrTypeMismatch, Field: it.cond.Field, Operator: it.cond.Operator, Detail: it.invalid}
			out.Message = out.Err.Error()
		default:
			ok, err := condition.Evaluate(ctx, &it.cond, obj, m.resolver)
			switch {
			case err != nil:
				out.Status = store.StatusError
				out.Err = err
				out.Message = err.Error()
			case ok:
				out.Status = store.StatusMatched
				out.Message = fmt.Sprintf("%s %s %s", it.cond.Field, it.cond.Operator, it.cond.Operand)
			default:
				out.Status = store.StatusNotMatched
				out.Message = fmt.Sprintf("%s %s %s is false", it.cond.Field, it.cond.Operator, it.cond.Operand)
			}
		}

		if out.Status != store.StatusMatched {
			res.Matched = false
			if m.shortCircuit {
				stopped = true
			}
		}
		res.Items = append(res.Items, out)
	}
	return res, loadErr
}

// collect flattens rules into the ordered list of Conditions to consult:
// each Rule's direct Conditions by order, then each referenced group's.
func (m *Matcher) collect(ctx context.Context, rules []*store.Rule, obj store.Object) ([]item, error) {
	var items []item
	for _, r := range rules {
		if r == nil {
			return items, errors.New("nil rule")
		}
		for _, c := range sortedConditions(r.Conditions) {
			items = append(items, item{cond: c, ruleUUID: r.UUID, invalid: resourceProblem(c.Resource, r.Resource, obj.Resource)})
		}
		for _, gid := range r.GroupUUIDs {
			g, err := m.groups.ConditionGroup(ctx, gid)
			if err != nil {
				return items, fmt.Errorf("loading condition group %s of rule %s: %w", gid, r.Name, err)
			}
			for _, c := range sortedConditions(g.Conditions) {
				items = append(items, item{cond: c, ruleUUID: r.UUID, groupUUID: g.UUID, invalid: resourceProblem(c.Resource, g.Resource, obj.Resource)})
			}
		}
	}
	return items, nil
}

func resourceProblem(condResource, ownerResource, objResource store.Resource) string {
	if ownerResource != objResource {
		return fmt.Sprintf("defined for %s, object is %s", ownerResource, objResource)
	}
	if condResource != "" && condResource != objResource {
		return fmt.Sprintf("condition defined for %s, object is %s", condResource, objResource)
	}
	return ""
}

func sortedConditions(cs []store.Condition) []store.Condition {
	out := make([]store.Condition, len(cs))
	copy(out, cs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
