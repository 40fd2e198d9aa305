package imagecache

import "testing"

func TestDefaultConfigSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxOpenFiles <= 0 {
		t.Error("DefaultConfig: MaxOpenFiles must be positive")
	}
	if cfg.MaxMemoryBytes <= 0 {
		t.Error("DefaultConfig: MaxMemoryBytes must be positive")
	}
	if !cfg.Automip || !cfg.AcceptUntiled || !cfg.AcceptUnmipped || !cfg.Deduplicate {
		t.Error("DefaultConfig: automip/accept_untiled/accept_unmipped/deduplicate should default true")
	}
}

func TestSetAttributeTypeMismatchRejected(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := cfg.SetAttribute("max_open_files", "not an int"); ok {
		t.Error("SetAttribute accepted a string for an int field")
	}
	if _, ok := cfg.SetAttribute("automip", 1); ok {
		t.Error("SetAttribute accepted an int for a bool field")
	}
}

func TestSetAttributeUnknownNameRejected(t *testing.T) {
	cfg := DefaultConfig()
	if _, ok := cfg.SetAttribute("not_a_real_attribute", 1); ok {
		t.Error("SetAttribute accepted an unrecognized name")
	}
}

func TestSetAttributeEffectInvalidateAll(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name       string
		value      interface{}
		wantEffect attributeEffect
	}{
		{"autotile", 64, effectInvalidateAll},
		{"autoscanline", true, effectInvalidateAll},
		{"automip", false, effectInvalidateAll},
		{"max_open_files", 16, effectNone},
		{"deduplicate", false, effectNone},
		{"accept_untiled", false, effectNone},
	}
	for _, tt := range tests {
		effect, ok := cfg.SetAttribute(tt.name, tt.value)
		if !ok {
			t.Fatalf("SetAttribute(%q, %v) rejected, want accepted", tt.name, tt.value)
		}
		if effect != tt.wantEffect {
			t.Errorf("SetAttribute(%q) effect = %v, want %v", tt.name, effect, tt.wantEffect)
		}
	}
}

func TestSetAttributeAutotileRoundsToPow2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetAttribute("autotile", 50)
	got, _ := cfg.GetAttribute("autotile")
	if got.(int) != 64 {
		t.Errorf("autotile(50) rounded to %v, want 64", got)
	}
}

func TestSetAndGetAttributeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetAttribute("max_memory_MB", 128)
	got, ok := cfg.GetAttribute("max_memory_bytes")
	if !ok {
		t.Fatal("max_memory_bytes not readable after setting max_memory_MB")
	}
	if got.(int64) != 128<<20 {
		t.Errorf("max_memory_bytes = %v, want %d", got, int64(128)<<20)
	}
}

func TestConfigSnapshotIsACopy(t *testing.T) {
	cfg := DefaultConfig()
	snap := cfg.snapshot()
	cfg.SetAttribute("max_open_files", snap.MaxOpenFiles+1)
	if snap.MaxOpenFiles == cfg.snapshot().MaxOpenFiles {
		t.Error("snapshot() did not copy by value; mutating cfg affected the earlier snapshot")
	}
}
