package crypto

import "testing"

func TestCanonicalizeJSON(t *testing.T) {
	// invalid json
	jsonData := []byte(`{"test": "value"`)
	_, err := CanonicalizeJSON(jsonData)
	if err == nil {
		t.Fatalf("CanonicalizeJSON() expected error, got nil")
	}
	t.Logf("CanonicalizeJSON() correctly rejected invalid JSON: %v", err)
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"status":    400,
		"reference": "R-1",
		"nested":    map[string]any{"b": true, "a": "x"},
	})
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}

	want := `{"nested":{"a":"x","b":true},"reference":"R-1","status":400}`
	if string(got) != want {
		t.Errorf("CanonicalJSON() = %s, want %s", got, want)
	}
}
