package imagecache

import "testing"

func TestTileIDHashDistinguishesFields(t *testing.T) {
	fileA := &FileRecord{id: 1}
	fileB := &FileRecord{id: 2}

	base := TileID{File: fileA, Subimage: 0, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4}

	variants := []TileID{
		base,
		{File: fileB, Subimage: 0, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4},
		{File: fileA, Subimage: 1, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4},
		{File: fileA, Subimage: 0, MipLevel: 1, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4},
		{File: fileA, Subimage: 0, MipLevel: 0, X: 64, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4},
		{File: fileA, Subimage: 0, MipLevel: 0, X: 0, Y: 64, Z: 0, ChBegin: 0, ChEnd: 4},
		{File: fileA, Subimage: 0, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 1, ChEnd: 4},
		{File: fileA, Subimage: 0, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 3},
		{File: fileA, Subimage: 0, MipLevel: 0, X: 0, Y: 0, Z: 0, ChBegin: 0, ChEnd: 4, ColorTransform: 1},
	}

	seen := map[uint64]TileID{}
	for i, id := range variants {
		h := id.hash()
		if prior, ok := seen[h]; ok && !prior.Equal(id) {
			t.Fatalf("variant %d: hash collision between %+v and %+v", i, prior, id)
		}
		seen[h] = id
	}
}

func TestTileIDEqual(t *testing.T) {
	f := &FileRecord{id: 1}
	a := TileID{File: f, X: 1, Y: 2}
	b := TileID{File: f, X: 1, Y: 2}
	c := TileID{File: f, X: 1, Y: 3}

	if !a.Equal(b) {
		t.Error("a.Equal(b) = false, want true")
	}
	if a.Equal(c) {
		t.Error("a.Equal(c) = true, want false")
	}
}

func TestTileIDIsValidMapKey(t *testing.T) {
	f := &FileRecord{id: 1}
	m := map[TileID]int{}
	id1 := TileID{File: f, X: 1, Y: 1}
	id2 := TileID{File: f, X: 1, Y: 2}
	m[id1] = 10
	m[id2] = 20

	if m[id1] != 10 || m[id2] != 20 {
		t.Fatalf("map lookups returned wrong values: %v", m)
	}
	if _, ok := m[TileID{File: f, X: 9, Y: 9}]; ok {
		t.Error("unexpected key present")
	}
}
