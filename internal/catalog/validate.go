package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/trustflow/internal/condition"
	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

// problems accumulates validation failures for one definition.
type problems struct {
	kind string
	name string
	list []string
}

func (p *problems) addf(format string, args ...any) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return &ValidationError{Kind: p.kind, Name: p.name, Problems: p.list}
}

func checkName(p *problems, name string) {
	if strings.TrimSpace(name) == "" {
		p.addf("name is required")
	}
}

func checkConcreteResource(p *problems, r store.Resource) {
	if !r.Valid() {
		p.addf("resource %q is not a known resource", r)
	}
}

func checkOrders(p *problems, what string, orders []int) {
	seen := make(map[int]bool, len(orders))
	for _, o := range orders {
		if seen[o] {
			p.addf("duplicate %s order %d", what, o)
		}
		seen[o] = true
	}
}

// checkConditions validates Conditions owned by a definition scoped to r.
func checkConditions(p *problems, r store.Resource, conds []store.Condition) {
	orders := make([]int, 0, len(conds))
	for i := range conds {
		c := &conds[i]
		label := fmt.Sprintf("condition %d", i)
		if !c.Field.Source.Valid() {
			p.addf("%s: unknown field source %q", label, c.Field.Source)
		}
		if strings.TrimSpace(c.Field.Identifier) == "" {
			p.addf("%s: field identifier is required", label)
		}
		if c.Resource != "" && c.Resource != r {
			p.addf("%s: resource %s does not match owner resource %s", label, c.Resource, r)
		}
		if err := condition.CheckOperand(c.Operator, c.Operand); err != nil {
			p.addf("%s: %v", label, err)
		}
		orders = append(orders, c.Order)
	}
	checkOrders(p, "condition", orders)
}

func validateConditionGroup(g *store.ConditionGroup) error {
	p := &problems{kind: "condition group", name: g.Name}
	checkName(p, g.Name)
	checkConcreteResource(p, g.Resource)
	if len(g.Conditions) == 0 {
		p.addf("at least one condition is required")
	}
	checkConditions(p, g.Resource, g.Conditions)
	return p.err()
}

func validateRule(ctx context.Context, q database.Querier, r *store.Rule) error {
	p := &problems{kind: "rule", name: r.Name}
	checkName(p, r.Name)
	checkConcreteResource(p, r.Resource)
	if len(r.Conditions) == 0 && len(r.GroupUUIDs) == 0 {
		p.addf("a rule needs at least one condition or condition group")
	}
	checkConditions(p, r.Resource, r.Conditions)

	seen := make(map[string]bool)
	for _, gid := range r.GroupUUIDs {
		if seen[gid] {
			p.addf("condition group %s referenced twice", gid)
			continue
		}
		seen[gid] = true
		var res store.Resource
		err := q.QueryRowContext(ctx, "SELECT resource FROM condition_groups WHERE uuid = ?", gid).Scan(&res)
		if err != nil {
			p.addf("condition group %s does not exist", gid)
			continue
		}
		if res != r.Resource {
			p.addf("condition group %s is scoped to %s, rule is %s", gid, res, r.Resource)
		}
	}
	return p.err()
}

func validateAction(a *store.Action) error {
	p := &problems{kind: "action", name: a.Name}
	checkName(p, a.Name)
	if !a.Type.Valid() {
		p.addf("unknown action type %q", a.Type)
	}
	if a.Resource != store.ResourceAny && !a.Resource.Valid() {
		p.addf("resource %q is not a known resource", a.Resource)
	}
	if a.Field != nil {
		if !a.Field.Source.Valid() {
			p.addf("unknown field source %q", a.Field.Source)
		}
		if strings.TrimSpace(a.Field.Identifier) == "" {
			p.addf("field identifier is required")
		}
	}
	switch a.Type {
	case store.ActionSetField:
		if a.Field == nil {
			p.addf("%s requires a target field", a.Type)
		}
		if a.Resource == store.ResourceAny {
			p.addf("%s must be scoped to a concrete resource", a.Type)
		}
	case store.ActionRequestApproval:
		if a.Params["approvalProfile"] == "" {
			p.addf("%s requires the approvalProfile parameter", a.Type)
		}
	}
	return p.err()
}

func validateActionGroup(ctx context.Context, q database.Querier, g *store.ActionGroup) error {
	p := &problems{kind: "action group", name: g.Name}
	checkName(p, g.Name)
	if g.Resource != store.ResourceAny && !g.Resource.Valid() {
		p.addf("resource %q is not a known resource", g.Resource)
	}
	if len(g.Members) == 0 {
		p.addf("at least one action is required")
	}
	orders := make([]int, 0, len(g.Members))
	seen := make(map[string]bool)
	for _, m := range g.Members {
		orders = append(orders, m.Order)
		if seen[m.ActionUUID] {
			p.addf("action %s listed twice", m.ActionUUID)
			continue
		}
		seen[m.ActionUUID] = true
		var res store.Resource
		err := q.QueryRowContext(ctx, "SELECT resource FROM actions WHERE uuid = ?", m.ActionUUID).Scan(&res)
		if err != nil {
			p.addf("action %s does not exist", m.ActionUUID)
			continue
		}
		if res != store.ResourceAny && res != g.Resource {
			p.addf("action %s is scoped to %s, group is %s", m.ActionUUID, res, g.Resource)
		}
	}
	checkOrders(p, "action", orders)
	return p.err()
}

func validateTrigger(ctx context.Context, q database.Querier, t *store.Trigger) error {
	p := &problems{kind: "trigger", name: t.Name}
	checkName(p, t.Name)
	checkConcreteResource(p, t.Resource)
	if !t.Type.Valid() {
		p.addf("unknown trigger type %q", t.Type)
	}
	if t.Type != store.TriggerManual && strings.TrimSpace(t.Event) == "" {
		p.addf("%s triggers require an event name", t.Type)
	}

	seen := make(map[string]bool)
	for _, rid := range t.RuleUUIDs {
		if seen[rid] {
			p.addf("rule %s referenced twice", rid)
			continue
		}
		seen[rid] = true
		var res store.Resource
		if err := q.QueryRowContext(ctx, "SELECT resource FROM rules WHERE uuid = ?", rid).Scan(&res); err != nil {
			p.addf("rule %s does not exist", rid)
			continue
		}
		if res != t.Resource {
			p.addf("rule %s is scoped to %s, trigger is %s", rid, res, t.Resource)
		}
	}

	orders := make([]int, 0, len(t.Effects))
	for _, e := range t.Effects {
		orders = append(orders, e.Order)
		var table string
		switch e.Kind {
		case store.EffectAction:
			table = "actions"
		case store.EffectActionGroup:
			table = "action_groups"
		default:
			p.addf("unknown effect kind %q", e.Kind)
			continue
		}
		var res store.Resource
		if err := q.QueryRowContext(ctx, "SELECT resource FROM "+table+" WHERE uuid = ?", e.UUID).Scan(&res); err != nil {
			p.addf("%s %s does not exist", strings.ToLower(string(e.Kind)), e.UUID)
			continue
		}
		if !res.Covers(t.Resource) {
			p.addf("%s %s is scoped to %s, trigger is %s", strings.ToLower(string(e.Kind)), e.UUID, res, t.Resource)
		}
	}
	checkOrders(p, "effect", orders)
	return p.err()
}
