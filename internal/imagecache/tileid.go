package imagecache

import "hash/fnv"

// TileID identifies one cached tile: a file, subimage, MIP level, tile
// origin, channel range, and color-transform id. It carries a raw
// (non-owning) reference to the FileRecord — the FileRegistry guarantees
// every FileRecord reachable through a live TileID outlives it, because
// registry entries are invalidated in place and never removed from the
// map (see FileRecord's lifecycle note in record.go).
type TileID struct {
	File           *FileRecord
	Subimage       int32
	MipLevel       int32
	X, Y, Z        int32
	ChBegin, ChEnd int32
	ColorTransform int32
}

// hash mixes every field of the id so that two tiles differing only in,
// say, channel range never collide. Grounded on the FNV-64a tile-dedup
// hash used for PMTiles archive deduplication: the same mix-one-field-at-
// a-time shape, generalized across the wider key.
func (id TileID) hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v int64) {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		buf[4] = byte(v >> 32)
		buf[5] = byte(v >> 40)
		buf[6] = byte(v >> 48)
		buf[7] = byte(v >> 56)
		h.Write(buf[:])
	}
	// The file reference contributes its stable FileRecord.id, not its
	// address, so hashing stays deterministic across a file's lifetime
	// even though addresses are not (Go's GC may move nothing, but we
	// never rely on pointer identity surviving serialization anyway).
	if id.File != nil {
		put(int64(id.File.id))
	}
	put(int64(id.Subimage))
	put(int64(id.MipLevel))
	put(int64(id.X))
	put(int64(id.Y))
	put(int64(id.Z))
	put(int64(id.ChBegin))
	put(int64(id.ChEnd))
	put(int64(id.ColorTransform))
	return h.Sum64()
}

// Equal reports whether two TileIDs reference the same tile. Go struct
// equality on TileID already does this (all fields are comparable and
// File is a pointer compared by identity), so this method exists only for
// callers that prefer it spelled out; TileID remains a valid map key.
func (id TileID) Equal(other TileID) bool {
	return id == other
}
