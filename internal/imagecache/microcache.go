package imagecache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// microcacheFilesSize bounds the per-thread filename lookup so it stays a
// true bypass of the shared FileRegistry lock rather than growing into a
// second copy of it.
const microcacheFilesSize = 8

// PerThreadInfo is the Go-idiomatic stand-in for the source's thread-local
// singleton: rather than hiding it behind TLS, callers obtain one
// explicitly via Coordinator.CreateThreadInfo and pass it into every
// entry point, the same way a context.Context is threaded through Go
// APIs. The coordinator still keeps a registry of every live
// PerThreadInfo so invalidate_all can broadcast a purge flag and so stats
// can be merged across threads (§4.D.1).
type PerThreadInfo struct {
	files *lru.Cache[string, *FileRecord]

	tile     *TileRecord
	lasttile *TileRecord

	purge atomic.Bool

	statsFindTile      int64
	statsMicrocacheMiss int64
	statsCacheMiss     int64
}

func newPerThreadInfo() *PerThreadInfo {
	c, _ := lru.New[string, *FileRecord](microcacheFilesSize)
	return &PerThreadInfo{files: c}
}

// checkPurge drops both tile slots and clears the filename map if the
// coordinator signalled invalidate_all since our last call.
func (t *PerThreadInfo) checkPurge() {
	if t.purge.CompareAndSwap(true, false) {
		t.tile = nil
		t.lasttile = nil
		t.files.Purge()
	}
}

// saveTileSlots / restoreTileSlots protect the 2-slot LRU across a
// recursive get_pixels call from the auto-mip/auto-tile synthesis paths
// (§9 "Recursive get_pixels for auto-mip and auto-tile").
func (t *PerThreadInfo) saveTileSlots() (tile, lasttile *TileRecord) {
	return t.tile, t.lasttile
}

func (t *PerThreadInfo) restoreTileSlots(tile, lasttile *TileRecord) {
	t.tile, t.lasttile = tile, lasttile
}
