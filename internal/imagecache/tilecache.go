package imagecache

import (
	"sync"
	"sync/atomic"
)

const tileCacheShards = 64

type tileShard struct {
	mu sync.RWMutex
	m  map[TileID]*TileRecord
	// order preserves insertion order for the clock-sweep cursor; the
	// cursor walks this shard's slice, skipping entries already erased.
	order []TileID
}

// TileCache is the sharded, byte-budgeted TileID -> TileRecord map.
// Grounded on the teacher's cog.TileCache (map+order-slice LRU shape) and
// tile.DiskTileStore's atomic byte accounting, merged and generalized to
// TileID keys with disk-spill machinery dropped (not a persistent store).
type TileCache struct {
	shards [tileCacheShards]*tileShard

	bytesUsed atomic.Int64
	maxBytes  atomic.Int64

	sweepLock   *timedMutex
	sweepShard  int
	sweepCursor int

	tilesCreated atomic.Int64
	tilesCurrent atomic.Int64
	tilesPeak    atomic.Int64
}

func newTileCache(maxBytes int64) *TileCache {
	tc := &TileCache{sweepLock: newTimedMutex()}
	tc.maxBytes.Store(maxBytes)
	for i := range tc.shards {
		tc.shards[i] = &tileShard{m: make(map[TileID]*TileRecord)}
	}
	return tc
}

func (tc *TileCache) setMaxBytes(n int64) { tc.maxBytes.Store(n) }

func (tc *TileCache) shardFor(id TileID) *tileShard {
	return tc.shards[id.hash()%uint64(len(tc.shards))]
}

// find is the read-mostly lookup, under the shard's read lock only.
func (tc *TileCache) find(id TileID) (*TileRecord, bool) {
	s := tc.shardFor(id)
	s.mu.RLock()
	rec, ok := s.m[id]
	s.mu.RUnlock()
	return rec, ok
}

// insertOrRetrieve is the at-most-one-reader synchronization primitive: if
// no entry exists for id, newRecord is installed and (newRecord, true) is
// returned; otherwise the existing entry is returned with won == false.
func (tc *TileCache) insertOrRetrieve(id TileID, newRecord *TileRecord) (stored *TileRecord, won bool) {
	s := tc.shardFor(id)
	s.mu.Lock()
	if existing, ok := s.m[id]; ok {
		s.mu.Unlock()
		return existing, false
	}
	s.m[id] = newRecord
	s.order = append(s.order, id)
	s.mu.Unlock()

	tc.tilesCreated.Add(1)
	cur := tc.tilesCurrent.Add(1)
	for {
		peak := tc.tilesPeak.Load()
		if cur <= peak || tc.tilesPeak.CompareAndSwap(peak, cur) {
			break
		}
	}
	return newRecord, true
}

func (tc *TileCache) erase(id TileID) {
	s := tc.shardFor(id)
	s.mu.Lock()
	rec, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if ok {
		tc.tilesCurrent.Add(-1)
		tc.bytesUsed.Add(-rec.memBytes)
		rec.release()
	}
}

// eraseIf removes every entry for which pred returns true — used by
// invalidate to walk and drop all of one file's tiles.
func (tc *TileCache) eraseIf(pred func(TileID) bool) {
	for _, s := range tc.shards {
		s.mu.Lock()
		var toDrop []TileID
		for id := range s.m {
			if pred(id) {
				toDrop = append(toDrop, id)
			}
		}
		for _, id := range toDrop {
			rec := s.m[id]
			delete(s.m, id)
			tc.tilesCurrent.Add(-1)
			tc.bytesUsed.Add(-rec.memBytes)
			rec.release()
		}
		s.mu.Unlock()
	}
}

func (tc *TileCache) emptyRecordFor(id TileID) *TileRecord {
	return newEmptyTileRecord(id)
}

func (tc *TileCache) incrMem(n int64) {
	tc.bytesUsed.Add(n)
}

// checkMaxMem runs opportunistically after each successful tile read
// (§4.C). It clock-sweeps shards looking for tiles whose recently_used bit
// is already clear, evicting those and clearing the bit on tiles it visits
// for the first time.
func (tc *TileCache) checkMaxMem() {
	max := tc.maxBytes.Load()
	if max <= 0 || tc.bytesUsed.Load() < max {
		return
	}
	if !tc.sweepLock.TryLock(0) {
		return // somebody else is already sweeping
	}
	defer tc.sweepLock.Unlock()

	loops := 0
	for tc.bytesUsed.Load() >= max && loops < 100*len(tc.shards) {
		loops++
		s := tc.shards[tc.sweepShard]
		s.mu.Lock()
		if tc.sweepCursor >= len(s.order) {
			s.mu.Unlock()
			tc.sweepShard = (tc.sweepShard + 1) % len(tc.shards)
			tc.sweepCursor = 0
			continue
		}
		id := s.order[tc.sweepCursor]
		rec, ok := s.m[id]
		if !ok {
			// already erased by someone else; compact lazily
			s.order[tc.sweepCursor] = s.order[len(s.order)-1]
			s.order = s.order[:len(s.order)-1]
			s.mu.Unlock()
			continue
		}
		if !rec.PixelsReady.Load() || !rec.Valid.Load() {
			s.mu.Unlock()
			tc.sweepCursor++
			continue
		}
		if rec.RecentlyUsed.CompareAndSwap(1, 0) {
			s.mu.Unlock()
			tc.sweepCursor++
			continue
		}
		// already clear: evict
		delete(s.m, id)
		s.order[tc.sweepCursor] = s.order[len(s.order)-1]
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()

		tc.tilesCurrent.Add(-1)
		tc.bytesUsed.Add(-rec.memBytes)
		rec.release()
	}
}

func (tc *TileCache) stats() (bytesUsed, maxBytes, current, peak, created int64) {
	return tc.bytesUsed.Load(), tc.maxBytes.Load(), tc.tilesCurrent.Load(), tc.tilesPeak.Load(), tc.tilesCreated.Load()
}
