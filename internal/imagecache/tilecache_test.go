package imagecache

import "testing"

func tid(f *FileRecord, x, y int32) TileID {
	return TileID{File: f, X: x, Y: y, ChEnd: 4}
}

func TestTileCacheInsertOrRetrieve(t *testing.T) {
	tc := newTileCache(1 << 30)
	f := &FileRecord{id: 1}
	id := tid(f, 0, 0)

	rec1 := newEmptyTileRecord(id)
	stored1, won1 := tc.insertOrRetrieve(id, rec1)
	if !won1 || stored1 != rec1 {
		t.Fatalf("first insert: won=%v stored=%p want won=true stored=%p", won1, stored1, rec1)
	}

	rec2 := newEmptyTileRecord(id)
	stored2, won2 := tc.insertOrRetrieve(id, rec2)
	if won2 {
		t.Fatal("second insert for same id reported won=true")
	}
	if stored2 != rec1 {
		t.Fatal("second insert did not retrieve the original record")
	}
}

func TestTileCacheEraseIf(t *testing.T) {
	tc := newTileCache(1 << 30)
	fileA := &FileRecord{id: 1}
	fileB := &FileRecord{id: 2}

	for i := int32(0); i < 8; i++ {
		idA := tid(fileA, i, 0)
		idB := tid(fileB, i, 0)
		recA := newEmptyTileRecord(idA)
		recA.allocPixels(16)
		tc.insertOrRetrieve(idA, recA)
		tc.incrMem(recA.memBytes)

		recB := newEmptyTileRecord(idB)
		recB.allocPixels(16)
		tc.insertOrRetrieve(idB, recB)
		tc.incrMem(recB.memBytes)
	}

	tc.eraseIf(func(id TileID) bool { return id.File == fileA })

	for i := int32(0); i < 8; i++ {
		if _, ok := tc.find(tid(fileA, i, 0)); ok {
			t.Fatalf("fileA tile (%d,0) survived eraseIf", i)
		}
		if _, ok := tc.find(tid(fileB, i, 0)); !ok {
			t.Fatalf("fileB tile (%d,0) was incorrectly erased", i)
		}
	}
}

func TestTileCacheCheckMaxMemEvictsUnused(t *testing.T) {
	const tileSize = 64
	tc := newTileCache(int64(3 * (tileSize + tileMargin)))
	f := &FileRecord{id: 1}

	var ids []TileID
	for i := int32(0); i < 6; i++ {
		id := tid(f, i, 0)
		ids = append(ids, id)
		rec := newEmptyTileRecord(id)
		rec.allocPixels(tileSize)
		rec.markReady(true)
		tc.insertOrRetrieve(id, rec)
		tc.incrMem(rec.memBytes)
		// RecentlyUsed starts at 1 (see newEmptyTileRecord); clear it so the
		// sweep is free to evict on its very first pass over each tile.
		rec.RecentlyUsed.Store(0)
	}

	tc.checkMaxMem()

	used, max, current, _, _ := tc.stats()
	if used >= max {
		t.Errorf("bytesUsed=%d still >= maxBytes=%d after checkMaxMem", used, max)
	}
	if current >= int64(len(ids)) {
		t.Errorf("tilesCurrent=%d did not shrink below %d", current, len(ids))
	}
}

func TestTileCacheSetMaxBytes(t *testing.T) {
	tc := newTileCache(100)
	tc.setMaxBytes(200)
	_, max, _, _, _ := tc.stats()
	if max != 200 {
		t.Fatalf("maxBytes = %d, want 200", max)
	}
}
