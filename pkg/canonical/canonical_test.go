package canonical

import (
	"math"
	"strings"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	v := map[string]any{
		"zeta":  1,
		"alpha": 2,
		"mid":   map[string]any{"b": true, "a": false},
	}

	out, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	want := `{"alpha":2,"mid":{"a":false,"b":true},"zeta":1}`
	if string(out) != want {
		t.Errorf("canonical form mismatch:\n got %s\nwant %s", out, want)
	}
}

func TestMarshalStableAcrossCalls(t *testing.T) {
	v := map[string]any{"x": []any{1, "two", nil}, "y": 3.5}

	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal failed on iteration %d: %v", i, err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical bytes changed on iteration %d: %s vs %s", i, again, first)
		}
	}
}

func TestTransformEquivalentDocuments(t *testing.T) {
	a := []byte(`{"b": 1, "a": {"d": 4, "c": 3}}`)
	b := []byte(`{"a":{"c":3,"d":4},"b":1}`)

	ca, err := Transform(a)
	if err != nil {
		t.Fatalf("Transform(a) failed: %v", err)
	}
	cb, err := Transform(b)
	if err != nil {
		t.Fatalf("Transform(b) failed: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("equivalent documents canonicalize differently: %s vs %s", ca, cb)
	}
}

func TestTransformRejectsInvalidJSON(t *testing.T) {
	if _, err := Transform([]byte(`{"open":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	h1, err := Hash(map[string]any{"count": 1})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(map[string]any{"count": 2})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if h1 == h2 {
		t.Error("different content produced identical hashes")
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("expected lowercase hex sha256, got %q", h1)
	}
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2, "c": 3})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	// Same logical content built in a different insertion order.
	m := make(map[string]any)
	m["c"] = 3
	m["b"] = 2
	m["a"] = 1
	h2, err := Hash(m)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash depends on key insertion order: %s vs %s", h1, h2)
	}
}

func TestMarshalRejectsNonFiniteFloats(t *testing.T) {
	inf := map[string]any{"v": math.Inf(1)}
	if _, err := Marshal(inf); err == nil {
		t.Fatal("expected error for non-finite float")
	}
}
