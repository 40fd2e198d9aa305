package imagecache

import (
	"sync"
	"sync/atomic"
)

// tileMargin is padding appended past the last pixel so the texture-filter
// layer above us can use fixed-width SIMD loads without bounds-checking
// the tail of a tile.
const tileMargin = 64

// bufferPools is a sync.Map of *sync.Pool keyed by buffer size, grounded
// on the teacher's rgbapool.go (sync.Map-of-sync.Pool keyed by dimensions,
// generalized here from *image.RGBA to raw byte buffers of any size since
// a TileRecord's buffer size varies with format/channel-range/tile-dims).
var bufferPools sync.Map // map[int]*sync.Pool

func getBuffer(size int) []byte {
	v, ok := bufferPools.Load(size)
	if !ok {
		v, _ = bufferPools.LoadOrStore(size, &sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		})
	}
	pool := v.(*sync.Pool)
	bp := pool.Get().(*[]byte)
	buf := *bp
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func putBuffer(buf []byte) {
	size := cap(buf)
	v, ok := bufferPools.Load(size)
	if !ok {
		return
	}
	b := buf[:size]
	v.(*sync.Pool).Put(&b)
}

// TileRecord is one cached tile. Constructed empty (PixelsReady == false)
// and handed to TileCache.insertOrRetrieve; the goroutine that wins the
// insert race is the one responsible for filling Pixels and flipping
// PixelsReady, per the at-most-one-reader protocol.
type TileRecord struct {
	ID TileID

	Pixels      []byte
	pooled      bool // true if Pixels came from bufferPools and should be returned on release
	PixelsReady atomic.Bool
	Valid       atomic.Bool

	RecentlyUsed atomic.Int32

	memBytes int64 // accounted size, refunded exactly once on eviction
}

func newEmptyTileRecord(id TileID) *TileRecord {
	t := &TileRecord{ID: id}
	t.RecentlyUsed.Store(1)
	return t
}

// allocPixels sizes and zero-fills the tile's pixel buffer, from the pool
// when the exact size recurs often (the common case: uniform tile/format).
func (t *TileRecord) allocPixels(size int) {
	t.Pixels = getBuffer(size + tileMargin)
	t.pooled = true
	t.memBytes = int64(len(t.Pixels))
}

// adoptExternal installs a client-owned buffer (add_tile with copy=false):
// never returned to the pool, never copied.
func (t *TileRecord) adoptExternal(buf []byte) {
	t.Pixels = buf
	t.pooled = false
	t.memBytes = int64(len(buf))
}

func (t *TileRecord) release() {
	if t.pooled && t.Pixels != nil {
		putBuffer(t.Pixels)
	}
	t.Pixels = nil
}

// waitPixelsReady spins with bounded exponential backoff until the reader
// publishes pixels (success or failure). Short tiles decode in
// microseconds to tens of milliseconds, waiters are few, so a spin beats a
// condition variable's syscall overhead in the common case.
func (t *TileRecord) waitPixelsReady() {
	if t.PixelsReady.Load() {
		return
	}
	backoffSpin(func() bool { return t.PixelsReady.Load() })
}

func (t *TileRecord) markReady(valid bool) {
	t.Valid.Store(valid)
	t.PixelsReady.Store(true)
}
