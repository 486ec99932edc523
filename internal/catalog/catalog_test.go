package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/store"
)

func openMemory(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	c, err := New(ctx, db, 0)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return c
}

func cond(src store.FieldSource, id string, op store.Operator, operand store.Value, order int) store.Condition {
	return store.Condition{
		Field:    store.FieldReference{Source: src, Identifier: id},
		Operator: op,
		Operand:  operand,
		Order:    order,
	}
}

func weakAlgo() *store.ConditionGroup {
	return &store.ConditionGroup{
		Name:     "WeakAlgo",
		Resource: store.ResourceCertificate,
		Conditions: []store.Condition{
			cond(store.SourceProperty, "algorithm", store.OpEquals, store.String("MD5"), 0),
		},
	}
}

func notify(name string, res store.Resource) *store.Action {
	return &store.Action{
		Name:     name,
		Type:     store.ActionSendNotification,
		Resource: res,
		Params:   map[string]string{"text": "hello"},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	c := openMemory(t)
	if err := migrate(context.Background(), c.db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestConditionGroup_RoundTrip(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	g := weakAlgo()
	g.Conditions = append(g.Conditions,
		cond(store.SourceMetadata, "owner", store.OpIn, store.Strings("a", "b"), 5))
	if err := c.CreateConditionGroup(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	if g.UUID == "" || g.Conditions[0].UUID == "" {
		t.Fatal("expected uuids to be assigned")
	}

	got, err := c.ConditionGroup(ctx, g.UUID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Conditions) != 2 {
		t.Fatalf("conditions = %d, want 2", len(got.Conditions))
	}
	second := got.Conditions[1]
	if second.Owner != store.OfGroup(g.UUID) {
		t.Errorf("owner = %+v", second.Owner)
	}
	if !second.Operand.Equal(store.Strings("a", "b")) {
		t.Errorf("operand = %s", second.Operand)
	}
	if second.Order != 5 {
		t.Errorf("order = %d, want 5", second.Order)
	}
}

func TestConditionGroup_Validation(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		group store.ConditionGroup
		want  string
	}{
		{"no name", store.ConditionGroup{Resource: store.ResourceCertificate,
			Conditions: weakAlgo().Conditions}, "name is required"},
		{"any resource", store.ConditionGroup{Name: "g", Resource: store.ResourceAny,
			Conditions: weakAlgo().Conditions}, "not a known resource"},
		{"empty", store.ConditionGroup{Name: "g", Resource: store.ResourceCertificate}, "at least one condition"},
		{"bad operand", store.ConditionGroup{Name: "g", Resource: store.ResourceCertificate,
			Conditions: []store.Condition{cond(store.SourceProperty, "cn", store.OpContains, store.Number(1), 0)}}, "condition 0"},
		{"foreign resource", store.ConditionGroup{Name: "g", Resource: store.ResourceCertificate,
			Conditions: []store.Condition{{Resource: store.ResourceCryptographicKey,
				Field: store.FieldReference{Source: store.SourceProperty, Identifier: "x"}, Operator: store.OpEmpty}}}, "does not match owner"},
		{"duplicate order", store.ConditionGroup{Name: "g", Resource: store.ResourceCertificate,
			Conditions: []store.Condition{
				cond(store.SourceProperty, "a", store.OpEmpty, store.Absent(), 1),
				cond(store.SourceProperty, "b", store.OpEmpty, store.Absent(), 1),
			}}, "duplicate condition order"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.group
			err := c.CreateConditionGroup(ctx, &g)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRule_GroupReferences(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	g := weakAlgo()
	if err := c.CreateConditionGroup(ctx, g); err != nil {
		t.Fatal(err)
	}

	r := &store.Rule{
		Name:       "HighRisk",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond(store.SourceProperty, "keySize", store.OpLesser, store.Number(2048), 0)},
		GroupUUIDs: []string{g.UUID},
	}
	if err := c.CreateRule(ctx, r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	got, err := c.Rule(ctx, r.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.GroupUUIDs) != 1 || got.GroupUUIDs[0] != g.UUID {
		t.Errorf("groups = %v", got.GroupUUIDs)
	}
	if got.Conditions[0].Owner != store.OfRule(r.UUID) {
		t.Errorf("owner = %+v", got.Conditions[0].Owner)
	}

	// dangling group
	bad := &store.Rule{Name: "Dangling", Resource: store.ResourceCertificate, GroupUUIDs: []string{"missing"}}
	if err := c.CreateRule(ctx, bad); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for dangling group, got %v", err)
	}

	// resource mismatch between rule and group
	keyRule := &store.Rule{Name: "KeyRule", Resource: store.ResourceCryptographicKey, GroupUUIDs: []string{g.UUID}}
	if err := c.CreateRule(ctx, keyRule); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for resource mismatch, got %v", err)
	}

	// shared group cannot be deleted while referenced
	if err := c.DeleteConditionGroup(ctx, g.UUID); !errors.Is(err, ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}
	if err := c.DeleteRule(ctx, r.UUID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if err := c.DeleteConditionGroup(ctx, g.UUID); err != nil {
		t.Errorf("delete unreferenced group: %v", err)
	}
	if _, err := c.Rule(ctx, r.UUID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRule_UpdateKeepsOwnedConditionUUIDs(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	r := &store.Rule{
		Name:       "R",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond(store.SourceProperty, "cn", store.OpNotEmpty, store.Absent(), 0)},
	}
	if err := c.CreateRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	kept := r.Conditions[0].UUID

	other := &store.Rule{
		Name:       "Other",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond(store.SourceProperty, "cn", store.OpEmpty, store.Absent(), 0)},
	}
	if err := c.CreateRule(ctx, other); err != nil {
		t.Fatal(err)
	}

	r.Conditions = append(r.Conditions, other.Conditions[0])
	r.Conditions[1].Order = 1
	if err := c.UpdateRule(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	if r.Conditions[0].UUID != kept {
		t.Errorf("owned condition uuid changed: %s -> %s", kept, r.Conditions[0].UUID)
	}
	if r.Conditions[1].UUID == other.Conditions[0].UUID {
		t.Error("a condition owned by another rule must get a fresh uuid")
	}
}

func TestConditionGroup_UpdateInvalidatesCache(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	g := weakAlgo()
	if err := c.CreateConditionGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ConditionGroup(ctx, g.UUID); err != nil {
		t.Fatal(err)
	}
	if c.groups.len() != 1 {
		t.Fatalf("cache len = %d, want 1", c.groups.len())
	}

	g.Conditions[0].Operand = store.String("SHA1")
	if err := c.UpdateConditionGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err := c.ConditionGroup(ctx, g.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := got.Conditions[0].Operand.Str(); s != "SHA1" {
		t.Errorf("operand = %q, want SHA1 after update", s)
	}
}

func TestConflictOnDuplicateName(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()
	if err := c.CreateAction(ctx, notify("n", store.ResourceAny)); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateAction(ctx, notify("n", store.ResourceAny)); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestAction_RoundTrip(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	a := &store.Action{
		Name:     "MarkRevoked",
		Type:     store.ActionSetField,
		Resource: store.ResourceCertificate,
		Field:    &store.FieldReference{Source: store.SourceCustomAttribute, Identifier: "state"},
		Value:    store.String("revoked"),
	}
	if err := c.CreateAction(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := c.Action(ctx, a.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Field == nil || got.Field.Identifier != "state" {
		t.Errorf("field = %+v", got.Field)
	}
	if !got.Value.Equal(store.String("revoked")) {
		t.Errorf("value = %s", got.Value)
	}
	if got.Params != nil {
		t.Errorf("params = %v, want nil", got.Params)
	}

	missingField := &store.Action{Name: "x", Type: store.ActionSetField, Resource: store.ResourceCertificate}
	if err := c.CreateAction(ctx, missingField); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	approval := &store.Action{Name: "y", Type: store.ActionRequestApproval, Resource: store.ResourceAny}
	if err := c.CreateAction(ctx, approval); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid without approvalProfile, got %v", err)
	}
}

func TestActionGroup_MembersAndReferences(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()

	a1 := notify("a1", store.ResourceAny)
	a2 := notify("a2", store.ResourceCertificate)
	k := notify("k", store.ResourceCryptographicKey)
	for _, a := range []*store.Action{a1, a2, k} {
		if err := c.CreateAction(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	g := &store.ActionGroup{Name: "G", Resource: store.ResourceCertificate, Members: []store.GroupMember{
		{ActionUUID: a2.UUID, Order: 20},
		{ActionUUID: a1.UUID, Order: 10},
	}}
	if err := c.CreateActionGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	got, err := c.ActionGroup(ctx, g.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Members[0].ActionUUID != a1.UUID {
		t.Errorf("members not ordered: %+v", got.Members)
	}

	mixed := &store.ActionGroup{Name: "M", Resource: store.ResourceCertificate,
		Members: []store.GroupMember{{ActionUUID: k.UUID}}}
	if err := c.CreateActionGroup(ctx, mixed); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for key action in cert group, got %v", err)
	}

	if err := c.DeleteAction(ctx, a1.UUID); !errors.Is(err, ErrInUse) {
		t.Errorf("expected ErrInUse, got %v", err)
	}
	if err := c.DeleteActionGroup(ctx, g.UUID); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteAction(ctx, a1.UUID); err != nil {
		t.Errorf("delete after group removal: %v", err)
	}
}

func seedTrigger(t *testing.T, c *Catalog) (*store.Trigger, *store.Action) {
	t.Helper()
	ctx := context.Background()
	a := notify("notify", store.ResourceAny)
	if err := c.CreateAction(ctx, a); err != nil {
		t.Fatal(err)
	}
	r := &store.Rule{Name: "Any", Resource: store.ResourceCertificate,
		Conditions: []store.Condition{cond(store.SourceProperty, "cn", store.OpNotEmpty, store.Absent(), 0)}}
	if err := c.CreateRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	tr := &store.Trigger{
		Name:      "OnRevoke",
		Type:      store.TriggerEvent,
		Event:     "CERTIFICATE_REVOKED",
		Resource:  store.ResourceCertificate,
		RuleUUIDs: []string{r.UUID},
		Effects:   []store.Effect{{Kind: store.EffectAction, UUID: a.UUID, Order: 0}},
	}
	if err := c.CreateTrigger(ctx, tr); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	return tr, a
}

func TestTrigger_RoundTripAndReferences(t *testing.T) {
	c := openMemory(t)
	ctx := context.Background()
	tr, a := seedTrigger(t, c)

	got, err := c.Trigger(ctx, tr.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Event != "CERTIFICATE_REVOKED" || len(got.RuleUUIDs) != 1 || len(got.Effects) != 1 {
		t.Errorf("trigger = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("createdAt not stored")
	}

	byName, err := c.FindTrigger(ctx, "OnRevoke")
	if err != nil || byName.UUID != tr.UUID {
		t.Errorf("FindTrigger = %v, %v", byName, err)
	}

	if err := c.DeleteAction(ctx, a.UUID); !errors.Is(err, ErrInUse) {
		t.Errorf("expected ErrInUse for action used by trigger, got %v", err)
	}
	if err := c.DeleteRule(ctx, tr.RuleUUIDs[0]); !errors.Is(err, ErrInUse) {
		t.Errorf("expected ErrInUse for rule used by trigger, got %v", err)
	}

	noEvent := &store.Trigger{Name: "x", Type: store.TriggerEvent, Resource: store.ResourceCertificate}
	if err := c.CreateTrigger(ctx, noEvent); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid without event, got %v", err)
	}
	manual := &store.Trigger{Name: "m", Type: store.TriggerManual, Resource: store.ResourceCertificate}
	if err := c.CreateTrigger(ctx, manual); err != nil {
		t.Errorf("manual trigger without event: %v", err)
	}
}

func TestAssociations_OrderAndCascade(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	c := openMemory(t)
	c.now = func() time.Time { tick = tick.Add(time.Second); return tick }
	ctx := context.Background()

	tr, _ := seedTrigger(t, c)
	second := &store.Trigger{Name: "Second", Type: store.TriggerEvent, Event: "CERTIFICATE_REVOKED",
		Resource: store.ResourceCertificate}
	if err := c.CreateTrigger(ctx, second); err != nil {
		t.Fatal(err)
	}

	// same order: ties broken by creation time
	late := &store.TriggerAssociation{TriggerUUID: second.UUID, ObjectUUID: "obj-1", Order: 1}
	early := &store.TriggerAssociation{TriggerUUID: tr.UUID, ObjectUUID: "obj-1", Order: 1}
	wildcard := &store.TriggerAssociation{TriggerUUID: second.UUID, Order: 0}
	for _, a := range []*store.TriggerAssociation{early, late, wildcard} {
		if err := c.Associate(ctx, a); err != nil {
			t.Fatalf("associate: %v", err)
		}
	}
	if early.Resource != store.ResourceCertificate {
		t.Errorf("resource not inherited from trigger: %s", early.Resource)
	}

	got, err := c.Associations(ctx, store.ResourceCertificate, "obj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("associations = %d, want 3", len(got))
	}
	want := []string{wildcard.UUID, early.UUID, late.UUID}
	for i := range want {
		if got[i].UUID != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i].UUID, want[i])
		}
	}

	dup := &store.TriggerAssociation{TriggerUUID: tr.UUID, ObjectUUID: "obj-1"}
	if err := c.Associate(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate association, got %v", err)
	}

	n, err := c.DeleteObjectAssociations(ctx, store.ResourceCertificate, "obj-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	got, _ = c.Associations(ctx, store.ResourceCertificate, "obj-1")
	if len(got) != 1 || !got[0].AnyObject() {
		t.Errorf("only the any-object association should remain: %+v", got)
	}

	if err := c.DeleteTrigger(ctx, second.UUID); err != nil {
		t.Fatal(err)
	}
	got, _ = c.Associations(ctx, store.ResourceCertificate, "obj-1")
	if len(got) != 0 {
		t.Errorf("trigger delete must cascade associations, got %+v", got)
	}
}

const bundleYAML = `
conditionGroups:
  - name: WeakAlgo
    resource: CERTIFICATE
    conditions:
      - field: {source: PROPERTY, identifier: algorithm}
        operator: EQUALS
        operand: MD5
rules:
  - name: HighRisk
    resource: CERTIFICATE
    conditions:
      - field: {source: PROPERTY, identifier: keySize}
        operator: LESSER
        operand: 2048
    conditionGroups: [WeakAlgo]
actions:
  - name: page
    type: SEND_NOTIFICATION
    resource: ANY
    params: {text: weak certificate}
actionGroups:
  - name: escalate
    resource: CERTIFICATE
    actions:
      - {action: page, order: 0}
triggers:
  - name: OnIssue
    type: EVENT
    event: CERTIFICATE_ISSUED
    resource: CERTIFICATE
    rules: [HighRisk]
    effects:
      - {actionGroup: escalate, order: 0}
      - {action: page, order: 1}
associations:
  - {trigger: OnIssue}
`

func TestBundle_ValidateAndApply(t *testing.T) {
	b, err := ParseBundle([]byte(bundleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	c := openMemory(t)
	ctx := context.Background()
	res, err := c.Apply(ctx, b)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Created) != 6 || len(res.Updated) != 0 {
		t.Errorf("first apply = %+v", res)
	}

	tr, err := c.FindTrigger(ctx, "OnIssue")
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.Effects) != 2 || tr.Effects[0].Kind != store.EffectActionGroup {
		t.Errorf("effects = %+v", tr.Effects)
	}

	// second apply updates in place
	res, err = c.Apply(ctx, b)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(res.Created) != 0 || len(res.Updated) != 5 {
		t.Errorf("second apply = %+v", res)
	}
	again, _ := c.FindTrigger(ctx, "OnIssue")
	if again.UUID != tr.UUID {
		t.Error("re-apply must keep trigger uuid")
	}
}

func TestBundle_ValidateReportsEveryProblem(t *testing.T) {
	b := &Bundle{
		Rules: []RuleSpec{{Name: "r", Resource: store.ResourceCertificate, Groups: []string{"missing"}}},
		Triggers: []TriggerSpec{{Name: "t", Type: store.TriggerEvent, Resource: store.ResourceCertificate,
			Rules: []string{"r"}, Effects: []EffectSpec{{Action: "a", ActionGroup: "g"}}}},
		Associations: []AssociationSpec{{Trigger: "nope"}},
	}
	err := b.Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, want := range []string{`condition group "missing"`, "event name", "exactly one", `trigger "nope"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q: %v", want, err)
		}
	}
}

func TestParseBundle_UnknownField(t *testing.T) {
	if _, err := ParseBundle([]byte("rulez: []")); err == nil {
		t.Error("expected strict decoding error")
	}
}
