package rule

import (
	"context"
	"errors"
	"testing"

	"github.com/ppiankov/trustflow/internal/store"
)

type fakeGroups map[string]*store.ConditionGroup

func (f fakeGroups) ConditionGroup(_ context.Context, id string) (*store.ConditionGroup, error) {
	g, ok := f[id]
	if !ok {
		return nil, errors.New("condition group not found")
	}
	return g, nil
}

type props map[string]store.Value

func (p props) ResolveProperty(_ context.Context, _ store.Resource, _, id string) (store.Value, error) {
	return p[id], nil
}

func (p props) ResolveAttribute(context.Context, store.Resource, string, store.FieldSource, string) (store.Value, error) {
	return store.Absent(), nil
}

func cond(id, field string, op store.Operator, operand store.Value, order int) store.Condition {
	return store.Condition{
		UUID:     id,
		Field:    store.FieldReference{Source: store.SourceProperty, Identifier: field},
		Operator: op,
		Operand:  operand,
		Order:    order,
	}
}

func highRisk() (*store.Rule, fakeGroups) {
	groups := fakeGroups{
		"g-weak": {
			UUID:     "g-weak",
			Name:     "WeakAlgo",
			Resource: store.ResourceCertificate,
			Conditions: []store.Condition{
				cond("c-algo", "algorithm", store.OpEquals, store.String("MD5"), 0),
			},
		},
	}
	r := &store.Rule{
		UUID:       "r-high",
		Name:       "HighRisk",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond("c-key", "keySize", store.OpLesser, store.Number(2048), 0)},
		GroupUUIDs: []string{"g-weak"},
	}
	return r, groups
}

var obj = store.Object{Resource: store.ResourceCertificate, UUID: "cert-1"}

func TestMatch_HighRisk(t *testing.T) {
	r, groups := highRisk()

	tests := []struct {
		name     string
		props    props
		want     bool
		statuses []store.ItemStatus
	}{
		{
			name:     "weak key and md5",
			props:    props{"keySize": store.Number(1024), "algorithm": store.String("MD5")},
			want:     true,
			statuses: []store.ItemStatus{store.StatusMatched, store.StatusMatched},
		},
		{
			name:     "weak key and sha256",
			props:    props{"keySize": store.Number(1024), "algorithm": store.String("SHA256")},
			want:     false,
			statuses: []store.ItemStatus{store.StatusMatched, store.StatusNotMatched},
		},
		{
			name:     "strong key still evaluates group",
			props:    props{"keySize": store.Number(4096), "algorithm": store.String("MD5")},
			want:     false,
			statuses: []store.ItemStatus{store.StatusNotMatched, store.StatusMatched},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(groups, tt.props)
			res, err := m.Match(context.Background(), r, obj)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Matched != tt.want {
				t.Errorf("matched = %v, want %v", res.Matched, tt.want)
			}
			if len(res.Items) != len(tt.statuses) {
				t.Fatalf("got %d items, want %d", len(res.Items), len(tt.statuses))
			}
			for i, st := range tt.statuses {
				if res.Items[i].Status != st {
					t.Errorf("item %d status = %s, want %s", i, res.Items[i].Status, st)
				}
			}
			if res.Items[1].GroupUUID != "g-weak" || res.Items[0].GroupUUID != "" {
				t.Error("group membership not recorded on items")
			}
		})
	}
}

func TestMatch_ConjunctionLaw(t *testing.T) {
	r, groups := highRisk()
	values := []store.Value{store.Number(512), store.Number(2048), store.String("x"), store.Absent()}
	algos := []store.Value{store.String("MD5"), store.String("SHA1"), store.Absent()}

	for _, ks := range values {
		for _, algo := range algos {
			p := props{"keySize": ks, "algorithm": algo}
			m := NewMatcher(groups, p)
			res, err := m.Match(context.Background(), r, obj)
			if err != nil {
				t.Fatal(err)
			}
			want := true
			for i := range res.Items {
				want = want && res.Items[i].Matched()
			}
			if res.Matched != want {
				t.Errorf("keySize=%s algorithm=%s: matched=%v, AND of items=%v", ks, algo, res.Matched, want)
			}
		}
	}
}

func TestMatch_ConditionOrder(t *testing.T) {
	r := &store.Rule{
		UUID:     "r-1",
		Resource: store.ResourceCertificate,
		Conditions: []store.Condition{
			cond("third", "a", store.OpNotEmpty, store.Absent(), 30),
			cond("first", "a", store.OpNotEmpty, store.Absent(), 10),
			cond("second", "a", store.OpNotEmpty, store.Absent(), 20),
		},
	}
	res, err := NewMatcher(fakeGroups{}, props{}).Match(context.Background(), r, obj)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if res.Items[i].ConditionUUID != want {
			t.Errorf("item %d = %s, want %s", i, res.Items[i].ConditionUUID, want)
		}
	}
}

func TestMatch_EvaluationErrorIsNotMatch(t *testing.T) {
	r := &store.Rule{
		UUID:       "r-1",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond("c-1", "keySize", store.OpLesser, store.Number(2048), 0)},
	}
	res, err := NewMatcher(fakeGroups{}, props{"keySize": store.String("big")}).Match(context.Background(), r, obj)
	if err != nil {
		t.Fatalf("evaluation errors must not surface as match errors: %v", err)
	}
	if res.Matched {
		t.Error("expected no match")
	}
	if res.Items[0].Status != store.StatusError || res.Items[0].Err == nil {
		t.Errorf("item = %+v, want error status with cause", res.Items[0])
	}
}

func TestMatch_GroupResourceMismatch(t *testing.T) {
	groups := fakeGroups{"g-key": {
		UUID:       "g-key",
		Resource:   store.ResourceCryptographicKey,
		Conditions: []store.Condition{cond("c-1", "length", store.OpGreater, store.Number(1), 0)},
	}}
	r := &store.Rule{UUID: "r-1", Resource: store.ResourceCertificate, GroupUUIDs: []string{"g-key"}}
	res, err := NewMatcher(groups, props{"length": store.Number(5)}).Match(context.Background(), r, obj)
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched || res.Items[0].Status != store.StatusError {
		t.Errorf("expected error outcome for mismatched group resource, got %+v", res.Items[0])
	}
}

func TestMatchAll_EmptyRulesMatch(t *testing.T) {
	res, err := NewMatcher(fakeGroups{}, props{}).MatchAll(context.Background(), nil, obj)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched || len(res.Items) != 0 {
		t.Errorf("empty rule list: matched=%v items=%d, want true/0", res.Matched, len(res.Items))
	}
}

func TestMatchAll_ShortCircuitSynthesizesSkipped(t *testing.T) {
	r1 := &store.Rule{UUID: "r-1", Resource: store.ResourceCertificate, Conditions: []store.Condition{
		cond("c-1", "a", store.OpEquals, store.String("no"), 0),
		cond("c-2", "a", store.OpNotEmpty, store.Absent(), 1),
	}}
	r2 := &store.Rule{UUID: "r-2", Resource: store.ResourceCertificate, Conditions: []store.Condition{
		cond("c-3", "a", store.OpNotEmpty, store.Absent(), 0),
	}}
	p := props{"a": store.String("yes")}

	full, err := NewMatcher(fakeGroups{}, p).MatchAll(context.Background(), []*store.Rule{r1, r2}, obj)
	if err != nil {
		t.Fatal(err)
	}
	short, err := NewMatcher(fakeGroups{}, p, WithShortCircuit()).MatchAll(context.Background(), []*store.Rule{r1, r2}, obj)
	if err != nil {
		t.Fatal(err)
	}

	if full.Matched || short.Matched {
		t.Error("expected no match in both modes")
	}
	if len(full.Items) != 3 || len(short.Items) != 3 {
		t.Fatalf("both modes must report every condition: full=%d short=%d", len(full.Items), len(short.Items))
	}
	if got := full.Counts()[store.StatusSkipped]; got != 0 {
		t.Errorf("full mode skipped = %d, want 0", got)
	}
	if got := short.Counts()[store.StatusSkipped]; got != 2 {
		t.Errorf("short-circuit skipped = %d, want 2", got)
	}
	if short.Items[2].RuleUUID != "r-2" {
		t.Errorf("skipped item rule = %s, want r-2", short.Items[2].RuleUUID)
	}
}

func TestMatch_GroupLoadFailure(t *testing.T) {
	r := &store.Rule{
		UUID:       "r-1",
		Name:       "broken",
		Resource:   store.ResourceCertificate,
		Conditions: []store.Condition{cond("c-1", "a", store.OpNotEmpty, store.Absent(), 0)},
		GroupUUIDs: []string{"missing"},
	}
	res, err := NewMatcher(fakeGroups{}, props{"a": store.String("x")}).Match(context.Background(), r, obj)
	if err == nil {
		t.Fatal("expected group load error")
	}
	if res.Matched {
		t.Error("a rule whose group cannot be loaded must not match")
	}
	if len(res.Items) != 1 || res.Items[0].Status != store.StatusMatched {
		t.Errorf("partial outcomes not preserved: %+v", res.Items)
	}
}
