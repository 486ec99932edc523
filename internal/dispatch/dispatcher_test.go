package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/catalog"
	"github.com/ppiankov/trustflow/internal/database"
	"github.com/ppiankov/trustflow/internal/history"
	"github.com/ppiankov/trustflow/internal/resolver"
	"github.com/ppiankov/trustflow/internal/rule"
	"github.com/ppiankov/trustflow/internal/store"
)

const revoked = "CERTIFICATE_REVOKED"

// notifier is a SEND_NOTIFICATION backend that remembers calls and fails
// for selected actions.
type notifier struct {
	fail  map[string]bool
	calls []string
	mu    sync.Mutex
}

func (n *notifier) Execute(_ context.Context, req action.Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req.ActionName+"@"+req.ObjectUUID)
	if n.fail[req.ActionName] {
		return errors.New("smtp relay unavailable")
	}
	return nil
}

type env struct {
	cat     *catalog.Catalog
	hist    *history.Store
	objects *resolver.Memory
	notify  *notifier
	d       *Dispatcher
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	cat, err := catalog.New(ctx, db, 0)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	hist, err := history.New(ctx, db)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}

	objects := resolver.NewMemory()
	objects.Put(&resolver.ObjectState{
		Resource: store.ResourceCertificate,
		UUID:     "cert-c",
		Properties: map[string]store.Value{
			"keySize":   store.Number(1024),
			"algorithm": store.String("MD5"),
		},
	})
	objects.Put(&resolver.ObjectState{
		Resource:   store.ResourceCertificate,
		UUID:       "cert-strong",
		Properties: map[string]store.Value{"keySize": store.Number(4096)},
	})

	n := &notifier{fail: map[string]bool{}}
	reg := action.NewRegistry()
	reg.Register(store.ActionSendNotification, n)
	reg.Register(store.ActionSetField, action.FieldMutation(objects))

	e := &env{cat: cat, hist: hist, objects: objects, notify: n}
	e.d = New(cat,
		rule.NewMatcher(cat, objects),
		action.NewExecutor(cat, reg),
		hist, opts...)
	return e
}

func (e *env) rule(t *testing.T, name string) *store.Rule {
	t.Helper()
	r := &store.Rule{
		Name:     name,
		Resource: store.ResourceCertificate,
		Conditions: []store.Condition{{
			Field:    store.FieldReference{Source: store.SourceProperty, Identifier: "keySize"},
			Operator: store.OpLesser,
			Operand:  store.Number(2048),
		}},
	}
	if err := e.cat.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func (e *env) notification(t *testing.T, name string) *store.Action {
	t.Helper()
	a := &store.Action{Name: name, Type: store.ActionSendNotification, Resource: store.ResourceAny}
	if err := e.cat.CreateAction(context.Background(), a); err != nil {
		t.Fatalf("create action: %v", err)
	}
	return a
}

func (e *env) setField(t *testing.T, name, field string, v store.Value) *store.Action {
	t.Helper()
	a := &store.Action{
		Name:     name,
		Type:     store.ActionSetField,
		Resource: store.ResourceCertificate,
		Field:    &store.FieldReference{Source: store.SourceProperty, Identifier: field},
		Value:    v,
	}
	if err := e.cat.CreateAction(context.Background(), a); err != nil {
		t.Fatalf("create action: %v", err)
	}
	return a
}

func (e *env) trigger(t *testing.T, name string, typ store.TriggerType, rules []string, effects ...store.Effect) *store.Trigger {
	t.Helper()
	tr := &store.Trigger{
		Name:      name,
		Type:      typ,
		Resource:  store.ResourceCertificate,
		RuleUUIDs: rules,
		Effects:   effects,
	}
	if typ != store.TriggerManual {
		tr.Event = revoked
	}
	if err := e.cat.CreateTrigger(context.Background(), tr); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	return tr
}

func (e *env) associate(t *testing.T, triggerUUID, object string, order int) {
	t.Helper()
	a := &store.TriggerAssociation{TriggerUUID: triggerUUID, ObjectUUID: object, Order: order}
	if err := e.cat.Associate(context.Background(), a); err != nil {
		t.Fatalf("associate: %v", err)
	}
}

func actionEffect(id string, order int) store.Effect {
	return store.Effect{Kind: store.EffectAction, UUID: id, Order: order}
}

func groupEffect(id string, order int) store.Effect {
	return store.Effect{Kind: store.EffectActionGroup, UUID: id, Order: order}
}

// checkComplete asserts the audit-completeness properties of a row.
func checkComplete(t *testing.T, h *store.TriggerHistory, conditions, actions int) {
	t.Helper()
	if len(h.Records) != conditions+actions {
		t.Errorf("records = %d, want %d conditions + %d actions", len(h.Records), conditions, actions)
	}
	if h.ConditionsMatched && h.ActionsPerformed == nil {
		t.Error("matched row without actions_performed")
	}
	if !h.ConditionsMatched && h.ActionsPerformed != nil {
		t.Error("unmatched row with actions_performed")
	}
	var gotActions int
	for i := range h.Records {
		if h.Records[i].Subject.Kind() == store.SubjectAction {
			gotActions++
		}
	}
	if gotActions != actions {
		t.Errorf("action records = %d, want %d", gotActions, actions)
	}
}

func TestDispatch_FailingNotificationIsRecorded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.rule(t, "WeakKey")
	a := e.notification(t, "notify-owner")
	tr := e.trigger(t, "OnRevoke", store.TriggerEvent, []string{r.UUID}, actionEffect(a.UUID, 0))
	e.associate(t, tr.UUID, "cert-c", 0)
	e.notify.fail["notify-owner"] = true

	rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatalf("dispatch should return normally, got %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	h := rows[0]
	if !h.ConditionsMatched {
		t.Error("expected conditions_matched")
	}
	if h.ActionsPerformed == nil || *h.ActionsPerformed {
		t.Errorf("actions_performed = %v, want false", h.ActionsPerformed)
	}
	checkComplete(t, &h, 1, 1)
	last := h.Records[1]
	if last.Status != store.StatusFailed || !strings.Contains(last.Message, "smtp relay unavailable") {
		t.Errorf("action record = %+v", last)
	}

	stored, err := e.hist.Get(ctx, h.UUID)
	if err != nil {
		t.Fatalf("history not persisted: %v", err)
	}
	if stored.AssociationUUID == "" || stored.Event != revoked {
		t.Errorf("stored row lost linkage: %+v", stored)
	}
}

func TestDispatch_OrderedAssociationsSharedGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.rule(t, "WeakKey")
	n := e.notification(t, "notify-owner")
	s := e.setField(t, "flag", "quarantined", store.Bool(true))
	g := &store.ActionGroup{
		Name:     "escalate",
		Resource: store.ResourceCertificate,
		Members:  []store.GroupMember{{ActionUUID: n.UUID, Order: 0}, {ActionUUID: s.UUID, Order: 1}},
	}
	if err := e.cat.CreateActionGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	first := e.trigger(t, "First", store.TriggerEvent, []string{r.UUID}, groupEffect(g.UUID, 0))
	second := e.trigger(t, "Second", store.TriggerEvent, []string{r.UUID}, groupEffect(g.UUID, 0))
	// Created out of order on purpose
	e.associate(t, second.UUID, "cert-c", 1)
	e.associate(t, first.UUID, "cert-c", 0)

	rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].TriggerUUID != first.UUID || rows[1].TriggerUUID != second.UUID {
		t.Error("rows not in association order")
	}
	for i := range rows {
		checkComplete(t, &rows[i], 1, 2)
		if !rows[i].Performed() {
			t.Errorf("row %d: expected actions performed: %s", i, rows[i].Message)
		}
	}
	want := []string{"notify-owner@cert-c", "notify-owner@cert-c"}
	if strings.Join(e.notify.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v", e.notify.calls)
	}
	v, _ := e.objects.ResolveProperty(ctx, store.ResourceCertificate, "cert-c", "quarantined")
	if !v.Equal(store.Bool(true)) {
		t.Errorf("quarantined = %s, want true", v)
	}
}

func TestDispatch_FailureDoesNotBlockLaterTrigger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.rule(t, "WeakKey")
	bad := e.notification(t, "broken-webhook")
	fix := e.setField(t, "mark", "reviewed", store.String("pending"))
	t1 := e.trigger(t, "T1", store.TriggerEvent, []string{r.UUID}, actionEffect(bad.UUID, 0))
	t2 := e.trigger(t, "T2", store.TriggerEvent, []string{r.UUID}, actionEffect(fix.UUID, 0))
	e.associate(t, t1.UUID, "cert-c", 0)
	e.associate(t, t2.UUID, "cert-c", 1)
	e.notify.fail["broken-webhook"] = true

	rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Performed() {
		t.Error("T1 should not be performed")
	}
	if !rows[1].Performed() {
		t.Errorf("T2 should be performed: %s", rows[1].Message)
	}
}

func TestDispatch_NotMatched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.rule(t, "WeakKey")
	a := e.notification(t, "notify-owner")
	tr := e.trigger(t, "OnRevoke", store.TriggerEvent, []string{r.UUID}, actionEffect(a.UUID, 0))
	e.associate(t, tr.UUID, "cert-strong", 0)

	rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-strong")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	checkComplete(t, &rows[0], 1, 0)
	if rows[0].ConditionsMatched {
		t.Error("expected not matched")
	}
	if len(e.notify.calls) != 0 {
		t.Errorf("no action should run, got %v", e.notify.calls)
	}
}

func TestDispatch_FiltersEventAndManual(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.notification(t, "notify-owner")
	manual := e.trigger(t, "Manual", store.TriggerManual, nil, actionEffect(a.UUID, 0))
	other := &store.Trigger{Name: "OnIssue", Type: store.TriggerEvent, Event: "CERTIFICATE_ISSUED",
		Resource: store.ResourceCertificate, Effects: []store.Effect{actionEffect(a.UUID, 0)}}
	if err := e.cat.CreateTrigger(ctx, other); err != nil {
		t.Fatal(err)
	}
	e.associate(t, manual.UUID, "cert-c", 0)
	e.associate(t, other.UUID, "cert-c", 1)

	rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
}

func TestDispatch_AnyObjectAssociation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.notification(t, "notify-owner")
	tr := e.trigger(t, "Everywhere", store.TriggerEvent, nil, actionEffect(a.UUID, 0))
	e.associate(t, tr.UUID, "", 0)

	for _, obj := range []string{"cert-c", "cert-strong"} {
		rows, err := e.d.Dispatch(ctx, store.ResourceCertificate, revoked, obj)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1 || !rows[0].Performed() || rows[0].ObjectUUID != obj {
			t.Errorf("%s: rows = %+v", obj, rows)
		}
	}
}

func TestDispatch_BadRequest(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name     string
		resource store.Resource
		event    string
		object   string
	}{
		{"wildcard resource", store.ResourceAny, revoked, "cert-c"},
		{"no event", store.ResourceCertificate, "", "cert-c"},
		{"no object", store.ResourceCertificate, revoked, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.d.Dispatch(context.Background(), tt.resource, tt.event, tt.object)
			if !errors.Is(err, ErrBadRequest) {
				t.Errorf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestInvoke(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	r := e.rule(t, "WeakKey")
	a := e.notification(t, "notify-owner")
	tr := e.trigger(t, "Manual", store.TriggerManual, []string{r.UUID}, actionEffect(a.UUID, 0))

	h, err := e.d.Invoke(ctx, tr.UUID, store.Object{Resource: store.ResourceCertificate, UUID: "cert-c"})
	if err != nil {
		t.Fatal(err)
	}
	if h.AssociationUUID != "" {
		t.Errorf("manual invocation should have no association, got %q", h.AssociationUUID)
	}
	checkComplete(t, &h, 1, 1)
	if !h.Performed() {
		t.Errorf("expected performed: %s", h.Message)
	}

	_, err = e.d.Invoke(ctx, tr.UUID, store.Object{Resource: store.ResourceCryptographicKey, UUID: "k"})
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for resource mismatch, got %v", err)
	}
	_, err = e.d.Invoke(ctx, "missing", store.Object{Resource: store.ResourceCertificate, UUID: "cert-c"})
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// fakeDefs serves hand-built definitions.
type fakeDefs struct {
	assocs   []store.TriggerAssociation
	triggers map[string]*store.Trigger
	rules    map[string]*store.Rule
}

func (f *fakeDefs) Associations(context.Context, store.Resource, string) ([]store.TriggerAssociation, error) {
	return append([]store.TriggerAssociation(nil), f.assocs...), nil
}

func (f *fakeDefs) Trigger(_ context.Context, id string) (*store.Trigger, error) {
	t, ok := f.triggers[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return t, nil
}

func (f *fakeDefs) Rule(_ context.Context, id string) (*store.Rule, error) {
	r, ok := f.rules[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return r, nil
}

type matchAll struct{ panicOn string }

func (m matchAll) MatchAll(_ context.Context, rules []*store.Rule, _ store.Object) (rule.MatchResult, error) {
	res := rule.MatchResult{Matched: true}
	for _, r := range rules {
		if r.Name == m.panicOn {
			panic("resolver exploded")
		}
		res.Items = append(res.Items, rule.ItemOutcome{ConditionUUID: "c-" + r.UUID, RuleUUID: r.UUID, Status: store.StatusMatched})
	}
	return res, nil
}

type okExecutor struct{}

func (okExecutor) Execute(_ context.Context, effects []store.Effect, _ store.Object) []action.Outcome {
	out := make([]action.Outcome, len(effects))
	for i, e := range effects {
		out[i] = action.Outcome{ActionUUID: e.UUID, Status: store.StatusSucceeded, Message: "ok"}
	}
	return out
}

// memRecorder keeps rows in memory and fails after a number of writes.
type memRecorder struct {
	rows      []store.TriggerHistory
	failAfter int
}

func (m *memRecorder) Record(_ context.Context, h *store.TriggerHistory) error {
	if m.failAfter >= 0 && len(m.rows) >= m.failAfter {
		return errors.New("database is locked")
	}
	h.UUID = "h-" + h.TriggerUUID
	m.rows = append(m.rows, *h)
	return nil
}

func threeTriggers() *fakeDefs {
	defs := &fakeDefs{triggers: map[string]*store.Trigger{}, rules: map[string]*store.Rule{
		"r-ok":   {UUID: "r-ok", Name: "ok", Resource: store.ResourceCertificate},
		"r-boom": {UUID: "r-boom", Name: "boom", Resource: store.ResourceCertificate},
	}}
	for i, id := range []string{"t1", "t2", "t3"} {
		defs.triggers[id] = &store.Trigger{UUID: id, Name: id, Type: store.TriggerEvent, Event: revoked,
			Resource: store.ResourceCertificate, RuleUUIDs: []string{"r-ok"},
			Effects: []store.Effect{actionEffect("a-"+id, 0)}}
		defs.assocs = append(defs.assocs, store.TriggerAssociation{UUID: "as-" + id, TriggerUUID: id,
			Resource: store.ResourceCertificate, ObjectUUID: "cert-c", Order: i})
	}
	return defs
}

func TestDispatch_AuditWriteFailureStops(t *testing.T) {
	rec := &memRecorder{failAfter: 1}
	d := New(threeTriggers(), matchAll{}, okExecutor{}, rec)

	rows, err := d.Dispatch(context.Background(), store.ResourceCertificate, revoked, "cert-c")
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
	if len(rows) != 1 || rows[0].TriggerUUID != "t1" {
		t.Errorf("expected the committed row for t1, got %+v", rows)
	}
	if !strings.Contains(err.Error(), "database is locked") {
		t.Errorf("cause lost: %v", err)
	}
}

func TestDispatch_DanglingDefinitions(t *testing.T) {
	defs := threeTriggers()
	delete(defs.triggers, "t1")
	defs.triggers["t2"].RuleUUIDs = []string{"r-missing"}
	rec := &memRecorder{failAfter: -1}
	d := New(defs, matchAll{}, okExecutor{}, rec)

	rows, err := d.Dispatch(context.Background(), store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	// t1 cannot be loaded, so its event is unknown and no row is written.
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2: %+v", len(rows), rows)
	}
	if rows[0].TriggerUUID != "t2" || rows[0].ConditionsMatched || !strings.Contains(rows[0].Message, "loading rule r-missing") {
		t.Errorf("row 0 = %+v, want diagnostic for t2", rows[0])
	}
	if rows[0].ActionsPerformed != nil {
		t.Error("diagnostic row: actions_performed should be null")
	}
	if rows[1].TriggerUUID != "t3" || !rows[1].Performed() {
		t.Errorf("t3 should still run: %+v", rows[1])
	}
}

func TestDispatch_UnloadableTriggerOnOtherEventWritesNothing(t *testing.T) {
	defs := threeTriggers()
	delete(defs.triggers, "t2")
	rec := &memRecorder{failAfter: -1}
	d := New(defs, matchAll{}, okExecutor{}, rec)

	rows, err := d.Dispatch(context.Background(), store.ResourceCertificate, "CERTIFICATE_RENEWED", "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 || len(rec.rows) != 0 {
		t.Errorf("expected no rows for an unrelated event, got %+v", rec.rows)
	}
}

// cancellingExecutor runs the wrapped executor, then cancels the dispatch
// context as a disconnecting client would.
type cancellingExecutor struct {
	inner  Executor
	cancel context.CancelFunc
}

func (c cancellingExecutor) Execute(ctx context.Context, effects []store.Effect, obj store.Object) []action.Outcome {
	out := c.inner.Execute(ctx, effects, obj)
	c.cancel()
	return out
}

func TestDispatch_CancelledAfterActionsStillRecords(t *testing.T) {
	e := newEnv(t)
	r := e.rule(t, "WeakKey")
	flag := e.setField(t, "flag-weak", "flagged", store.Bool(true))
	first := e.trigger(t, "FlagWeak", store.TriggerEvent, []string{r.UUID}, actionEffect(flag.UUID, 0))
	n := e.notification(t, "notify-owner")
	second := e.trigger(t, "NotifyOwner", store.TriggerEvent, []string{r.UUID}, actionEffect(n.UUID, 0))
	e.associate(t, first.UUID, "cert-c", 0)
	e.associate(t, second.UUID, "cert-c", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := action.NewRegistry()
	reg.Register(store.ActionSetField, action.FieldMutation(e.objects))
	reg.Register(store.ActionSendNotification, e.notify)
	d := New(e.cat, rule.NewMatcher(e.cat, e.objects),
		cancellingExecutor{inner: action.NewExecutor(e.cat, reg), cancel: cancel}, e.hist)

	rows, err := d.Dispatch(ctx, store.ResourceCertificate, revoked, "cert-c")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrAuditWrite) {
		t.Fatalf("history write should not fail: %v", err)
	}
	if len(rows) != 1 || rows[0].TriggerUUID != first.UUID || !rows[0].Performed() {
		t.Fatalf("rows = %+v, want the performed FlagWeak row", rows)
	}

	v, err := e.objects.ResolveProperty(context.Background(), store.ResourceCertificate, "cert-c", "flagged")
	if err != nil || !v.Equal(store.Bool(true)) {
		t.Fatalf("field not mutated: %v (%v)", v, err)
	}
	stored, err := e.hist.List(context.Background(), history.Filter{ObjectUUID: "cert-c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].UUID != rows[0].UUID {
		t.Errorf("persisted rows = %+v, want the FlagWeak row", stored)
	}
	if len(e.notify.calls) != 0 {
		t.Errorf("later association ran after cancellation: %v", e.notify.calls)
	}
}

func TestDispatch_PanicIsolated(t *testing.T) {
	defs := threeTriggers()
	defs.triggers["t1"].RuleUUIDs = []string{"r-boom"}
	rec := &memRecorder{failAfter: -1}
	d := New(defs, matchAll{panicOn: "boom"}, okExecutor{}, rec)

	rows, err := d.Dispatch(context.Background(), store.ResourceCertificate, revoked, "cert-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].ConditionsMatched || !strings.Contains(rows[0].Message, "resolver exploded") {
		t.Errorf("panicking trigger row = %+v", rows[0])
	}
	if !rows[1].Performed() || !rows[2].Performed() {
		t.Error("later triggers should run")
	}
}

type countingObserver struct {
	dispatches, recorded, actions, auditFailures int
}

func (c *countingObserver) DispatchCompleted(store.Resource, string, int, time.Duration) { c.dispatches++ }
func (c *countingObserver) TriggerRecorded(*store.TriggerHistory)                        { c.recorded++ }
func (c *countingObserver) ActionCompleted(*action.Outcome)                              { c.actions++ }
func (c *countingObserver) AuditWriteFailed()                                            { c.auditFailures++ }

func TestDispatch_Observer(t *testing.T) {
	obs := &countingObserver{}
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	d := New(threeTriggers(), matchAll{}, okExecutor{}, &memRecorder{failAfter: 2},
		WithObserver(obs), WithClock(func() time.Time { return at }))

	rows, err := d.Dispatch(context.Background(), store.ResourceCertificate, revoked, "cert-c")
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
	if !rows[0].TriggeredAt.Equal(at) {
		t.Errorf("triggeredAt = %s, want %s", rows[0].TriggeredAt, at)
	}
	if obs.dispatches != 1 || obs.recorded != 2 || obs.actions != 3 || obs.auditFailures != 1 {
		t.Errorf("observer = %+v", obs)
	}
}
