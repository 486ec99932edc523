package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/ppiankov/trustflow/internal/store"
)

// Bundle is a definitions document. Entities reference each other by name,
// either inside the bundle or already present in the catalog.
type Bundle struct {
	ConditionGroups []store.ConditionGroup `json:"conditionGroups,omitempty"`
	Rules           []RuleSpec             `json:"rules,omitempty"`
	Actions         []store.Action         `json:"actions,omitempty"`
	ActionGroups    []ActionGroupSpec      `json:"actionGroups,omitempty"`
	Triggers        []TriggerSpec          `json:"triggers,omitempty"`
	Associations    []AssociationSpec      `json:"associations,omitempty"`
}

// RuleSpec is a Rule whose condition groups are named.
type RuleSpec struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Resource      store.Resource    `json:"resource"`
	ConnectorUUID string            `json:"connectorUuid,omitempty"`
	Conditions    []store.Condition `json:"conditions,omitempty"`
	Groups        []string          `json:"conditionGroups,omitempty"`
}

// ActionGroupSpec is an Action Group whose members are named.
type ActionGroupSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Resource    store.Resource `json:"resource"`
	Actions     []MemberSpec   `json:"actions"`
}

// MemberSpec names one Action Group member.
type MemberSpec struct {
	Action string `json:"action"`
	Order  int    `json:"order"`
}

// TriggerSpec is a Trigger whose rules and effects are named.
type TriggerSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        store.TriggerType `json:"type"`
	Event       string            `json:"event,omitempty"`
	Resource    store.Resource    `json:"resource"`
	Rules       []string          `json:"rules,omitempty"`
	Effects     []EffectSpec      `json:"effects,omitempty"`
}

// EffectSpec names exactly one of Action or ActionGroup.
type EffectSpec struct {
	Action      string `json:"action,omitempty"`
	ActionGroup string `json:"actionGroup,omitempty"`
	Order       int    `json:"order"`
}

// AssociationSpec attaches a named Trigger to an object. An empty Object
// means every object of the trigger's resource.
type AssociationSpec struct {
	Trigger string `json:"trigger"`
	Object  string `json:"object,omitempty"`
	Order   int    `json:"order"`
}

// LoadBundle reads a YAML or JSON bundle file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided bundle path
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle decodes a YAML or JSON bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle: %w", err)
	}
	return &b, nil
}

// Validate checks a bundle without a catalog. Every name referenced must be
// defined in the bundle itself.
func (b *Bundle) Validate() error {
	var errs []error

	groups := make(map[string]store.Resource)
	for i := range b.ConditionGroups {
		g := b.ConditionGroups[i]
		errs = append(errs, validateConditionGroup(&g))
		errs = append(errs, dupName("condition group", g.Name, groups))
		groups[g.Name] = g.Resource
	}

	rules := make(map[string]store.Resource)
	for _, rs := range b.Rules {
		p := &problems{kind: "rule", name: rs.Name}
		checkName(p, rs.Name)
		checkConcreteResource(p, rs.Resource)
		if len(rs.Conditions) == 0 && len(rs.Groups) == 0 {
			p.addf("a rule needs at least one condition or condition group")
		}
		checkConditions(p, rs.Resource, rs.Conditions)
		for _, g := range rs.Groups {
			res, ok := groups[g]
			switch {
			case !ok:
				p.addf("condition group %q is not defined", g)
			case res != rs.Resource:
				p.addf("condition group %q is scoped to %s, rule is %s", g, res, rs.Resource)
			}
		}
		errs = append(errs, p.err(), dupName("rule", rs.Name, rules))
		rules[rs.Name] = rs.Resource
	}

	actions := make(map[string]store.Resource)
	for i := range b.Actions {
		a := b.Actions[i]
		errs = append(errs, validateAction(&a), dupName("action", a.Name, actions))
		actions[a.Name] = a.Resource
	}

	actionGroups := make(map[string]store.Resource)
	for _, gs := range b.ActionGroups {
		p := &problems{kind: "action group", name: gs.Name}
		checkName(p, gs.Name)
		if gs.Resource != store.ResourceAny && !gs.Resource.Valid() {
			p.addf("resource %q is not a known resource", gs.Resource)
		}
		if len(gs.Actions) == 0 {
			p.addf("at least one action is required")
		}
		orders := make([]int, 0, len(gs.Actions))
		for _, m := range gs.Actions {
			orders = append(orders, m.Order)
			res, ok := actions[m.Action]
			switch {
			case !ok:
				p.addf("action %q is not defined", m.Action)
			case res != store.ResourceAny && res != gs.Resource:
				p.addf("action %q is scoped to %s, group is %s", m.Action, res, gs.Resource)
			}
		}
		checkOrders(p, "action", orders)
		errs = append(errs, p.err(), dupName("action group", gs.Name, actionGroups))
		actionGroups[gs.Name] = gs.Resource
	}

	triggers := make(map[string]store.Resource)
	for _, ts := range b.Triggers {
		p := &problems{kind: "trigger", name: ts.Name}
		checkName(p, ts.Name)
		checkConcreteResource(p, ts.Resource)
		if !ts.Type.Valid() {
			p.addf("unknown trigger type %q", ts.Type)
		}
		if ts.Type != store.TriggerManual && ts.Event == "" {
			p.addf("%s triggers require an event name", ts.Type)
		}
		for _, r := range ts.Rules {
			res, ok := rules[r]
			switch {
			case !ok:
				p.addf("rule %q is not defined", r)
			case res != ts.Resource:
				p.addf("rule %q is scoped to %s, trigger is %s", r, res, ts.Resource)
			}
		}
		orders := make([]int, 0, len(ts.Effects))
		for _, e := range ts.Effects {
			orders = append(orders, e.Order)
			name, table := e.Action, actions
			if e.ActionGroup != "" {
				name, table = e.ActionGroup, actionGroups
			}
			if (e.Action == "") == (e.ActionGroup == "") {
				p.addf("effect %d must name exactly one of action or actionGroup", e.Order)
				continue
			}
			res, ok := table[name]
			switch {
			case !ok:
				p.addf("effect %q is not defined", name)
			case !res.Covers(ts.Resource):
				p.addf("effect %q is scoped to %s, trigger is %s", name, res, ts.Resource)
			}
		}
		checkOrders(p, "effect", orders)
		errs = append(errs, p.err(), dupName("trigger", ts.Name, triggers))
		triggers[ts.Name] = ts.Resource
	}

	for _, as := range b.Associations {
		if _, ok := triggers[as.Trigger]; !ok {
			errs = append(errs, &ValidationError{Kind: "trigger association", Name: as.Object,
				Problems: []string{fmt.Sprintf("trigger %q is not defined", as.Trigger)}})
		}
	}
	return errors.Join(errs...)
}

func dupName(kind, name string, seen map[string]store.Resource) error {
	if _, ok := seen[name]; ok && name != "" {
		return fmt.Errorf("%s %q defined twice: %w", kind, name, ErrConflict)
	}
	return nil
}

// ApplyResult lists what Apply changed, as "kind/name" entries.
type ApplyResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
}

func (r *ApplyResult) note(created bool, kind, name string) {
	if created {
		r.Created = append(r.Created, kind+"/"+name)
	} else {
		r.Updated = append(r.Updated, kind+"/"+name)
	}
}

// Apply upserts the bundle by name in dependency order. Each definition is
// written in its own transaction; the first failure stops the apply.
func (c *Catalog) Apply(ctx context.Context, b *Bundle) (*ApplyResult, error) {
	res := &ApplyResult{}

	for i := range b.ConditionGroups {
		g := b.ConditionGroups[i]
		created, err := c.upsert(ctx, "condition_groups", g.Name, &g.UUID,
			func() error { return c.CreateConditionGroup(ctx, &g) },
			func() error { return c.UpdateConditionGroup(ctx, &g) })
		if err != nil {
			return res, err
		}
		res.note(created, "conditiongroup", g.Name)
	}

	for i := range b.Actions {
		a := b.Actions[i]
		created, err := c.upsert(ctx, "actions", a.Name, &a.UUID,
			func() error { return c.CreateAction(ctx, &a) },
			func() error { return c.UpdateAction(ctx, &a) })
		if err != nil {
			return res, err
		}
		res.note(created, "action", a.Name)
	}

	for _, gs := range b.ActionGroups {
		g := &store.ActionGroup{Name: gs.Name, Description: gs.Description, Resource: gs.Resource}
		for _, m := range gs.Actions {
			id, err := lookupName(ctx, c.db, "actions", m.Action)
			if err != nil {
				return res, fmt.Errorf("action group %s: %w", gs.Name, err)
			}
			g.Members = append(g.Members, store.GroupMember{ActionUUID: id, Order: m.Order})
		}
		created, err := c.upsert(ctx, "action_groups", g.Name, &g.UUID,
			func() error { return c.CreateActionGroup(ctx, g) },
			func() error { return c.UpdateActionGroup(ctx, g) })
		if err != nil {
			return res, err
		}
		res.note(created, "actiongroup", g.Name)
	}

	for _, rs := range b.Rules {
		r := &store.Rule{Name: rs.Name, Description: rs.Description, Resource: rs.Resource,
			ConnectorUUID: rs.ConnectorUUID, Conditions: append([]store.Condition(nil), rs.Conditions...)}
		for _, name := range rs.Groups {
			id, err := lookupName(ctx, c.db, "condition_groups", name)
			if err != nil {
				return res, fmt.Errorf("rule %s: %w", rs.Name, err)
			}
			r.GroupUUIDs = append(r.GroupUUIDs, id)
		}
		created, err := c.upsert(ctx, "rules", r.Name, &r.UUID,
			func() error { return c.CreateRule(ctx, r) },
			func() error { return c.UpdateRule(ctx, r) })
		if err != nil {
			return res, err
		}
		res.note(created, "rule", r.Name)
	}

	for _, ts := range b.Triggers {
		t := &store.Trigger{Name: ts.Name, Description: ts.Description, Type: ts.Type,
			Event: ts.Event, Resource: ts.Resource}
		for _, name := range ts.Rules {
			id, err := lookupName(ctx, c.db, "rules", name)
			if err != nil {
				return res, fmt.Errorf("trigger %s: %w", ts.Name, err)
			}
			t.RuleUUIDs = append(t.RuleUUIDs, id)
		}
		for _, es := range ts.Effects {
			e := store.Effect{Kind: store.EffectAction, Order: es.Order}
			table, name := "actions", es.Action
			if es.ActionGroup != "" {
				e.Kind, table, name = store.EffectActionGroup, "action_groups", es.ActionGroup
			}
			id, err := lookupName(ctx, c.db, table, name)
			if err != nil {
				return res, fmt.Errorf("trigger %s: %w", ts.Name, err)
			}
			e.UUID = id
			t.Effects = append(t.Effects, e)
		}
		created, err := c.upsert(ctx, "triggers", t.Name, &t.UUID,
			func() error { return c.CreateTrigger(ctx, t) },
			func() error { return c.UpdateTrigger(ctx, t) })
		if err != nil {
			return res, err
		}
		res.note(created, "trigger", t.Name)
	}

	for _, as := range b.Associations {
		tid, err := lookupName(ctx, c.db, "triggers", as.Trigger)
		if err != nil {
			return res, fmt.Errorf("association of %s: %w", as.Object, err)
		}
		n, err := count(ctx, c.db,
			"SELECT COUNT(*) FROM trigger_associations WHERE trigger_uuid = ? AND object_uuid = ?", tid, as.Object)
		if err != nil {
			return res, err
		}
		if n > 0 {
			continue
		}
		a := &store.TriggerAssociation{TriggerUUID: tid, ObjectUUID: as.Object, Order: as.Order}
		if err := c.Associate(ctx, a); err != nil {
			return res, err
		}
		res.note(true, "association", as.Trigger+"@"+anyLabel(as.Object))
	}
	return res, nil
}

// upsert calls update when a definition named name exists in table (after
// setting *id to its uuid), create otherwise.
func (c *Catalog) upsert(ctx context.Context, table, name string, id *string, create, update func() error) (bool, error) {
	existing, err := lookupName(ctx, c.db, table, name)
	switch {
	case errors.Is(err, ErrNotFound):
		*id = ""
		return true, create()
	case err != nil:
		return false, err
	}
	*id = existing
	return false, update()
}

func anyLabel(object string) string {
	if object == "" {
		return "*"
	}
	return object
}
