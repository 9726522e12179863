package catalog_test

import (
	"encoding/json"
	"testing"

	"github.com/xraph/herald/catalog"
)

func TestValidator(t *testing.T) {
	v := catalog.NewValidator()

	tests := []struct {
		name    string
		schema  string
		payload string
		wantErr bool
	}{
		{"no schema", ``, `{"anything":true}`, false},
		{"valid", `{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`, `{"amount":125000.5}`, false},
		{"missing required", `{"type":"object","required":["amount"]}`, `{}`, true},
		{"wrong type", `{"type":"object","properties":{"amount":{"type":"number"}}}`, `{"amount":"lots"}`, true},
		{"empty payload", `{"type":"object"}`, ``, true},
		{"malformed payload", `{"type":"object"}`, `{"amount":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(json.RawMessage(tt.schema), json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatorCachesCompiledSchema(t *testing.T) {
	v := catalog.NewValidator()
	schema := json.RawMessage(`{"type":"object"}`)

	for range 3 {
		if err := v.Validate(schema, json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
}
