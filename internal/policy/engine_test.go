package policy

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	policies []*Policy
}

func (f *fakeSource) BoundPolicies(ctx context.Context, entityID string) ([]*Policy, error) {
	var out []*Policy
	for _, p := range f.policies {
		if p.AppliesTo(entityID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func bindingSet(ids ...string) map[string]struct{} {
	m := make(map[string]struct{})
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestEvaluateAccessNoMatchDenies(t *testing.T) {
	source := &fakeSource{}
	e := NewEngine(source)
	d, err := e.EvaluateAccess(context.Background(), "entity-1", "prod.db.pg.password", OpRead, RequestContext{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("no bound policies should deny by default")
	}
}

func TestEvaluateAccessAllowMatch(t *testing.T) {
	source := &fakeSource{policies: []*Policy{
		{
			Name: "read-prod-db",
			Document: Document{
				AllowedSecrets:    []string{"prod.db.**"},
				AllowedOperations: []Op{OpRead},
			},
			EntityBindings: bindingSet("entity-1"),
		},
	}}
	e := NewEngine(source)
	d, err := e.EvaluateAccess(context.Background(), "entity-1", "prod.db.pg.password", OpRead, RequestContext{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow {
		t.Fatalf("expected allow, got deny: %s", d.Reason)
	}
	if d.PolicyName != "read-prod-db" {
		t.Errorf("PolicyName = %q, want read-prod-db", d.PolicyName)
	}
}

func TestEvaluateAccessDenyPrecedence(t *testing.T) {
	source := &fakeSource{policies: []*Policy{
		{
			Name: "allow-all-db",
			Document: Document{
				AllowedSecrets:    []string{"prod.db.**"},
				AllowedOperations: []Op{OpRead, OpWrite},
			},
			EntityBindings: bindingSet("entity-1"),
		},
		{
			Name: "deny-pg-password",
			Deny: true,
			Document: Document{
				AllowedSecrets:    []string{"prod.db.pg.password"},
				AllowedOperations: []Op{OpRead, OpWrite},
			},
			EntityBindings: bindingSet("entity-1"),
		},
	}}
	e := NewEngine(source)
	d, err := e.EvaluateAccess(context.Background(), "entity-1", "prod.db.pg.password", OpRead, RequestContext{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatal("a matching deny policy must win over a matching allow policy")
	}
	if d.PolicyName != "deny-pg-password" {
		t.Errorf("PolicyName = %q, want deny-pg-password", d.PolicyName)
	}
}

func TestEvaluateAccessUnboundEntityDenied(t *testing.T) {
	source := &fakeSource{policies: []*Policy{
		{
			Name: "read-prod-db",
			Document: Document{
				AllowedSecrets:    []string{"prod.db.**"},
				AllowedOperations: []Op{OpRead},
			},
			EntityBindings: bindingSet("entity-1"),
		},
	}}
	e := NewEngine(source)
	d, err := e.EvaluateAccess(context.Background(), "entity-2", "prod.db.pg.password", OpRead, RequestContext{Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Error("entity-2 has no bindings to read-prod-db and must be denied")
	}
}

func TestSimulateReportsAllSteps(t *testing.T) {
	source := &fakeSource{policies: []*Policy{
		{
			Name: "business-hours-only",
			Document: Document{
				AllowedSecrets:    []string{"prod.db.**"},
				AllowedOperations: []Op{OpRead},
				Conditions:        Conditions{DaysOfWeek: []string{"mon"}},
			},
			EntityBindings: bindingSet("entity-1"),
		},
	}}
	e := NewEngine(source)
	result, err := e.Simulate(context.Background(), "entity-1", "prod.db.pg.password", OpRead,
		RequestContext{Now: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)}) // a Friday
	if err != nil {
		t.Fatal(err)
	}
	if result.Decision.Allow {
		t.Error("Friday should not satisfy a mon-only condition")
	}
	// path_glob + operation + 5 condition checks for the one bound policy.
	if len(result.Steps) != 7 {
		t.Errorf("Steps length = %d, want 7", len(result.Steps))
	}
}
