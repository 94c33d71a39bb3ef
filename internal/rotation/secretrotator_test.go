package rotation

import (
	"context"
	"encoding/json"
	"testing"
)

func TestDefaultGeneratorPreservesKeysChangesValues(t *testing.T) {
	current := json.RawMessage(`{"username":"admin","password":"s3cr3t","retries":3}`)
	gen := DefaultGenerator{}

	next, err := gen.Generate(context.Background(), current)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var before, after map[string]any
	if err := json.Unmarshal(current, &before); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(next, &after); err != nil {
		t.Fatal(err)
	}

	if len(after) != len(before) {
		t.Fatalf("field count changed: before=%d after=%d", len(before), len(after))
	}
	if after["retries"] != float64(3) {
		t.Fatalf("non-string field must be preserved, got %v", after["retries"])
	}
	if after["username"] == before["username"] {
		t.Fatal("username should have been regenerated")
	}
	if after["password"] == before["password"] {
		t.Fatal("password should have been regenerated")
	}
}

func TestDefaultGeneratorNonObjectPayload(t *testing.T) {
	gen := DefaultGenerator{}
	next, err := gen.Generate(context.Background(), json.RawMessage(`"plain-string-secret"`))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var s string
	if err := json.Unmarshal(next, &s); err != nil {
		t.Fatalf("expected a JSON string, got %s: %v", next, err)
	}
	if s == "plain-string-secret" {
		t.Fatal("expected a freshly generated token")
	}
}
