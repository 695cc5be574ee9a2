package adapter

import "testing"

func TestEntityVersionDefaultsToZero(t *testing.T) {
	s := NewAgentState()
	if v := s.EntityVersion("never-seen"); v != 0 {
		t.Errorf("absent entity version = %d, want 0", v)
	}

	s.EntityVersions["A"] = 7
	if v := s.EntityVersion("A"); v != 7 {
		t.Errorf("entity version = %d, want 7", v)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewAgentState()
	s.Version = 3
	s.EntityVersions["A"] = 1
	s.Data["entities"] = map[string]any{"A": map[string]any{"qty": float64(2)}}

	cp := s.Clone()
	cp.EntityVersions["A"] = 99
	cp.Data["entities"].(map[string]any)["A"].(map[string]any)["qty"] = float64(100)

	if s.EntityVersions["A"] != 1 {
		t.Error("clone shares entity_versions map")
	}
	if s.Data["entities"].(map[string]any)["A"].(map[string]any)["qty"] != float64(2) {
		t.Error("clone shares nested data")
	}
	if cp.Version != 3 {
		t.Errorf("clone lost scalar fields: version=%d", cp.Version)
	}
}

func TestCloneNilMaps(t *testing.T) {
	var s AgentState
	cp := s.Clone()
	if cp.Data != nil {
		t.Error("nil data should stay nil")
	}
	if len(cp.EntityVersions) != 0 {
		t.Error("entity versions should be empty")
	}
}
