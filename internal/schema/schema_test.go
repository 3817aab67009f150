package schema

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("test payload not JSON: %v", err)
	}
	return v
}

func TestValidPushPasses(t *testing.T) {
	body := decode(t, `{"type":"task","action":"create","data":{"id":"T1"},"source":"mobile"}`)
	if err := ValidatePush(body); err != nil {
		t.Fatalf("expected valid push, got %v", err)
	}
}

func TestPushMissingFieldsFails(t *testing.T) {
	cases := []string{
		`{"action":"create","data":{}}`,
		`{"type":"task","data":{}}`,
		`{"type":"task","action":"create"}`,
		`{"type":"","action":"create","data":{}}`,
		`{"type":"task","action":"create","data":"not an object"}`,
	}
	for _, raw := range cases {
		if err := ValidatePush(decode(t, raw)); err == nil {
			t.Errorf("expected rejection for %s", raw)
		}
	}
}

func TestValidBatchPasses(t *testing.T) {
	body := decode(t, `{"updates":[{"type":"log","action":"add","data":{"txt":"x"}}]}`)
	if err := ValidateBatch(body); err != nil {
		t.Fatalf("expected valid batch, got %v", err)
	}
}

func TestBatchRejectsEmptyOrWrongShape(t *testing.T) {
	cases := []string{
		`{"updates":[]}`,
		`{"updates":"not a list"}`,
		`{}`,
		`{"updates":[{"type":"log"}]}`,
	}
	for _, raw := range cases {
		if err := ValidateBatch(decode(t, raw)); err == nil {
			t.Errorf("expected rejection for %s", raw)
		}
	}
}
