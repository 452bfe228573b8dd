package redact

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTextMasksEmail(t *testing.T) {
	r := New(true)
	got := r.Text("contact jane.doe@example.com for access")
	if strings.Contains(got, "jane.doe@") {
		t.Errorf("email local part leaked: %s", got)
	}
	if !strings.Contains(got, "@example.com") {
		t.Errorf("domain should be preserved: %s", got)
	}
	if !strings.Contains(got, "j***e@example.com") {
		t.Errorf("expected partial mask, got %s", got)
	}
}

func TestTextMasksPhoneKeepsLastFour(t *testing.T) {
	r := New(true)
	got := r.Text("call +1 (555) 123-4567 today")
	if strings.Contains(got, "555") {
		t.Errorf("phone prefix leaked: %s", got)
	}
	if !strings.Contains(got, "4567") {
		t.Errorf("last four digits should survive: %s", got)
	}
}

func TestTextMasksSSNAndCard(t *testing.T) {
	r := New(true)
	got := r.Text("ssn 123-45-6789 card 4111 1111 1111 1111")
	if strings.Contains(got, "123-45-6789") || strings.Contains(got, "4111") {
		t.Errorf("sensitive number leaked: %s", got)
	}
}

func TestDisabledRedactorIsPassthrough(t *testing.T) {
	r := New(false)
	in := "jane.doe@example.com 123-45-6789"
	if got := r.Text(in); got != in {
		t.Errorf("disabled redactor changed input: %s", got)
	}
	raw := []byte(`{"email":"jane@example.com"}`)
	if got := r.JSON(raw); string(got) != string(raw) {
		t.Errorf("disabled redactor changed JSON: %s", got)
	}
}

func TestJSONFieldAwareMasking(t *testing.T) {
	r := New(true)
	in := []byte(`{
		"userName": "jdoe",
		"emails": [{"value": "jane.doe@example.com", "primary": true}],
		"phoneNumbers": [{"value": "+15551234567"}],
		"password": "hunter2",
		"addresses": [{"streetAddress": "1 Main St", "postalCode": "94105"}],
		"ipAddress": "192.168.12.34"
	}`)
	out := r.JSON(in)

	var doc map[string]interface{}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("redacted output is not valid JSON: %v", err)
	}
	s := string(out)
	if strings.Contains(s, "jane.doe@") {
		t.Errorf("email leaked: %s", s)
	}
	if strings.Contains(s, "hunter2") {
		t.Errorf("password leaked: %s", s)
	}
	if strings.Contains(s, "1 Main St") {
		t.Errorf("street address leaked: %s", s)
	}
	if !strings.Contains(s, "941") || strings.Contains(s, "94105") {
		t.Errorf("postal code should keep leading 3 only: %s", s)
	}
	if !strings.Contains(s, "192.168.*.*") {
		t.Errorf("IPv4 should keep first two octets: %s", s)
	}
	if doc["userName"] != "jdoe" {
		t.Errorf("non-sensitive field altered: %v", doc["userName"])
	}
}

func TestJSONUnparseableFallsBackToText(t *testing.T) {
	r := New(true)
	out := r.JSON([]byte("not json but jane@example.com is here"))
	if strings.Contains(string(out), "jane@") {
		t.Errorf("fallback text scan missed email: %s", out)
	}
}

func TestValueWalksNestedStructures(t *testing.T) {
	r := New(true)
	v := map[string]interface{}{
		"nested": []interface{}{
			map[string]interface{}{"secret": "abc123", "note": "plain"},
		},
	}
	out := r.Value(v).(map[string]interface{})
	inner := out["nested"].([]interface{})[0].(map[string]interface{})
	if inner["secret"] == "abc123" {
		t.Error("secret field not masked")
	}
	if inner["note"] != "plain" {
		t.Errorf("benign field altered: %v", inner["note"])
	}
}
