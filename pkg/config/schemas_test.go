package config

import (
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#CustomType: {
	field1: string
	field2: int
}
`

	if err := sr.RegisterSchema("custom", "#CustomType", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_RegisterRequiresRoot(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("missing", "#B", "#A: string\n"); err == nil {
		t.Error("expected error for missing root definition")
	}
	if err := sr.RegisterSchema("broken", "#A", `#A: {`); err == nil {
		t.Error("expected compile error")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("alpha", "#Alpha", "#Alpha: string\n"); err != nil {
		t.Fatal(err)
	}

	got := sr.ListSchemas()
	want := []string{"alpha", SchemaConfig}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("schema %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		data    any
		wantErr bool
	}{
		{
			name: "empty document takes defaults",
			data: map[string]any{},
		},
		{
			name: "valid scope",
			data: map[string]any{
				"scopes": []any{
					map[string]any{"provider": "aws", "account": "123456789012", "region": "us-east-1"},
				},
			},
		},
		{
			name: "scope missing region",
			data: map[string]any{
				"scopes": []any{
					map[string]any{"provider": "aws", "account": "123456789012"},
				},
			},
			wantErr: true,
		},
		{
			name:    "unknown field",
			data:    map[string]any{"reconcile": map[string]any{"pollEvery": "5m"}},
			wantErr: true,
		},
		{
			name:    "bad duration",
			data:    map[string]any{"reconcile": map[string]any{"pollInterval": "five minutes"}},
			wantErr: true,
		},
		{
			name:    "bad severity",
			data:    map[string]any{"drift": map[string]any{"severityMap": map[string]any{"tags": "urgent"}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(SchemaConfig, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema("nope", map[string]any{}); err == nil {
		t.Error("expected error for unknown schema")
	}
}
