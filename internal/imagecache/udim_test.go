package imagecache

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsUDIMPattern(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"texture.<UDIM>.tif", true},
		{"texture.%(UDIM)d.tif", true},
		{"texture.<u><v>.tif", true},
		{"texture.<uvtile>.tif", true},
		{"texture.1001.tif", false},
		{"plain.tif", false},
	}
	for _, tt := range tests {
		if got := isUDIMPattern(tt.name); got != tt.want {
			t.Errorf("isUDIMPattern(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBuildUDIMStateSingleToken(t *testing.T) {
	dir := t.TempDir()
	names := []string{"tex.1001.tif", "tex.1002.tif", "tex.1011.tif"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	pattern := filepath.Join(dir, "tex.<UDIM>.tif")
	st := buildUDIMState(pattern)
	if st == nil {
		t.Fatal("buildUDIMState returned nil")
	}
	if st.UTiles != 2 || st.VTiles != 2 {
		t.Fatalf("grid = %dx%d, want 2x2", st.UTiles, st.VTiles)
	}

	// 1001 -> u=0,v=0 ; 1002 -> u=1,v=0 ; 1011 -> u=0,v=1
	if got := st.slot(0, 0); got == nil || filepath.Base(got.Filename) != "tex.1001.tif" {
		t.Errorf("slot(0,0) = %v, want tex.1001.tif", got)
	}
	if got := st.slot(1, 0); got == nil || filepath.Base(got.Filename) != "tex.1002.tif" {
		t.Errorf("slot(1,0) = %v, want tex.1002.tif", got)
	}
	if got := st.slot(0, 1); got == nil || filepath.Base(got.Filename) != "tex.1011.tif" {
		t.Errorf("slot(0,1) = %v, want tex.1011.tif", got)
	}
	if got := st.slot(1, 1); got == nil || got.Filename != "" {
		t.Errorf("slot(1,1) should be an empty, unfilled grid cell")
	}
}

func TestBuildUDIMStatePairToken(t *testing.T) {
	dir := t.TempDir()
	names := []string{"tex.0_0.tif", "tex.1_0.tif", "tex.0_1.tif"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	pattern := filepath.Join(dir, "tex.<u><v>.tif")
	st := buildUDIMState(pattern)
	if st == nil {
		t.Fatal("buildUDIMState returned nil")
	}
	if st.UTiles != 2 || st.VTiles != 2 {
		t.Fatalf("grid = %dx%d, want 2x2", st.UTiles, st.VTiles)
	}
	if got := st.slot(1, 0); got == nil || filepath.Base(got.Filename) != "tex.1_0.tif" {
		t.Errorf("slot(1,0) = %v, want tex.1_0.tif", got)
	}
}

func TestUDIMSlotOutOfBounds(t *testing.T) {
	st := &udimState{UTiles: 2, VTiles: 2, Slots: make([]udimSlot, 4)}
	if st.slot(-1, 0) != nil {
		t.Error("slot(-1,0) should be nil")
	}
	if st.slot(2, 0) != nil {
		t.Error("slot(2,0) should be nil (out of UTiles range)")
	}
	var nilState *udimState
	if nilState.slot(0, 0) != nil {
		t.Error("slot on a nil udimState should be nil, not panic")
	}
}
