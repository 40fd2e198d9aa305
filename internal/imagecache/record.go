package imagecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pspoerri/imagecache/internal/imageio"
)

// LevelInfo holds one MIP level's geometry and the bookkeeping the
// coordinator needs to fabricate tile origins and detect redundant reads.
type LevelInfo struct {
	Spec          imageio.ImageSpec
	TileWidth     int
	TileHeight    int
	TileDepth     int
	TilesX        int
	TilesY        int
	TilesZ        int
	PolyTime      time.Time // not set at ingestion (zero); invalidate does no mtime check
	TilesReadBits []uint64  // one bit per tile; atomic-OR on first successful read
}

func (l *LevelInfo) tileIndex(tx, ty, tz int) int {
	return (tz*l.TilesY+ty)*l.TilesX + tx
}

// markTileRead sets the tile's bit and reports whether it was already set
// (a redundant read, per the spec's open question on residency races).
func (l *LevelInfo) markTileRead(tx, ty, tz int) (redundant bool) {
	idx := l.tileIndex(tx, ty, tz)
	word := idx / 64
	bit := uint64(1) << uint(idx%64)
	for word >= len(l.TilesReadBits) {
		return false // defensive; should not happen once sized at ingestion
	}
	old := atomic.LoadUint64(&l.TilesReadBits[word])
	for {
		if old&bit != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&l.TilesReadBits[word], old, old|bit) {
			return false
		}
		old = atomic.LoadUint64(&l.TilesReadBits[word])
	}
}

// SubimageInfo holds one subimage's per-level geometry plus the flags and
// defaults established once during header ingestion.
type SubimageInfo struct {
	Levels []LevelInfo

	Untiled        bool
	Unmipped       bool
	IsVolume       bool
	FullPixelRange bool
	Autotiled      bool

	BytesPerPixel int
	Format        imageio.PixelType

	SWrap, TWrap, RWrap string
	EnvLayout           string // "", "latlong", "cubeface3x2", "cubeface6x1"
	YUp                 bool
	SampleBorder        bool

	MinMipLevel int

	AverageColor   []float32
	ConstantImage  bool
	ConstantChecked bool
}

func (s *SubimageInfo) nlevels() int { return len(s.Levels) }

// udimSlot is one grid cell of a virtual UDIM file.
type udimSlot struct {
	Filename string
	record   atomic.Pointer[FileRecord]
}

// udimState is populated once, during find_or_create, and is thereafter
// read-only apart from the atomic per-slot resolved-record pointer.
type udimState struct {
	UTiles, VTiles int
	Pattern        string
	Slots          []udimSlot // row-major, length UTiles*VTiles
}

func (u *udimState) slot(uu, vv int) *udimSlot {
	if u == nil || uu < 0 || vv < 0 || uu >= u.UTiles || vv >= u.VTiles {
		return nil
	}
	return &u.Slots[vv*u.UTiles+uu]
}

// FileRecord is the per-file descriptor the FileRegistry owns. One exists
// per distinct canonical filename (modulo duplicate coalescing, which
// redirects a duplicate's pixel traffic through another record's handle
// while keeping its own metadata).
//
// Once ValidSpec is true, Subimages is immutable until Invalidate runs.
type FileRecord struct {
	id       uint64 // stable identity, used for TileID hashing; assigned at construction
	Filename string

	inputLock *timedMutex
	handle    atomic.Pointer[openHandle]

	Subimages []SubimageInfo

	ValidSpec atomic.Bool
	Broken    atomic.Bool
	BrokenMsg atomic.Pointer[string]

	DuplicateOf atomic.Pointer[FileRecord]
	Fingerprint atomic.Pointer[string]

	UDIM *udimState // nil unless this filename is a UDIM pattern

	RecentlyUsed atomic.Int32

	TimesOpened     atomic.Int64
	TilesRead       atomic.Int64
	BytesRead       atomic.Int64
	RedundantTiles  atomic.Int64
	RedundantBytes  atomic.Int64
	IOSeconds       atomic.Int64 // nanoseconds, converted on read
	MutexWaitSeconds atomic.Int64
	ErrorsIssued    atomic.Int64

	MipLevelReadCounts []atomic.Int64

	creator imageio.Creator
	config  map[string]string

	mtime time.Time
}

// openHandle is the shareable reference to a live codec handle. It is
// replaced wholesale (never mutated) so readers holding a copy of the
// pointer from before an invalidate() keep a perfectly valid handle to
// finish their in-flight read.
type openHandle struct {
	input imageio.ImageInput
}

func newFileRecord(id uint64, filename string, creator imageio.Creator, config map[string]string) *FileRecord {
	return &FileRecord{
		id:        id,
		Filename:  filename,
		inputLock: newTimedMutex(),
		creator:   creator,
		config:    config,
	}
}

func (r *FileRecord) isBroken() bool { return r.Broken.Load() }

func (r *FileRecord) markBroken(msg string) {
	m := msg
	r.BrokenMsg.Store(&m)
	r.Broken.Store(true)
	r.handle.Store(nil)
}

func (r *FileRecord) brokenMessage() string {
	if p := r.BrokenMsg.Load(); p != nil {
		return *p
	}
	return ""
}

// canonical follows duplicate_of to the record that actually owns pixel
// data, one hop (duplicate chains are never more than one deep: §4.B only
// ever coalesces onto an already-canonical record).
func (r *FileRecord) canonical() *FileRecord {
	if d := r.DuplicateOf.Load(); d != nil {
		return d
	}
	return r
}

func (r *FileRecord) touch() { r.RecentlyUsed.Store(1) }

func (r *FileRecord) isVirtualUDIM() bool { return r.UDIM != nil }

// shapeSignature is compared between two records sharing a fingerprint to
// decide whether duplicate-coalescing is safe (§4.B verify).
type shapeSignature struct {
	nsubimages int
	dims       [][4]int // width, height, depth, nchannels per subimage
	nlevels    []int
	format     []imageio.PixelType
	swrap      []string
	twrap      []string
	envLayout  []string
	yup        []bool
	sampleBorder []bool
}

func computeShapeSignature(r *FileRecord) shapeSignature {
	sig := shapeSignature{nsubimages: len(r.Subimages)}
	for _, s := range r.Subimages {
		spec := s.Levels[0].Spec
		sig.dims = append(sig.dims, [4]int{spec.Width, spec.Height, spec.Depth, spec.NChannels})
		sig.nlevels = append(sig.nlevels, len(s.Levels))
		sig.format = append(sig.format, s.Format)
		sig.swrap = append(sig.swrap, s.SWrap)
		sig.twrap = append(sig.twrap, s.TWrap)
		sig.envLayout = append(sig.envLayout, s.EnvLayout)
		sig.yup = append(sig.yup, s.YUp)
		sig.sampleBorder = append(sig.sampleBorder, s.SampleBorder)
	}
	return sig
}

func (a shapeSignature) equal(b shapeSignature) bool {
	if a.nsubimages != b.nsubimages {
		return false
	}
	for i := range a.dims {
		if a.dims[i] != b.dims[i] || a.nlevels[i] != b.nlevels[i] || a.format[i] != b.format[i] ||
			a.swrap[i] != b.swrap[i] || a.twrap[i] != b.twrap[i] || a.envLayout[i] != b.envLayout[i] ||
			a.yup[i] != b.yup[i] || a.sampleBorder[i] != b.sampleBorder[i] {
			return false
		}
	}
	return true
}

// fileIDAllocator hands out the stable small integers FileRecord.id uses
// for TileID hashing, so hashes stay deterministic without depending on
// pointer addresses.
type fileIDAllocator struct {
	mu   sync.Mutex
	next uint64
}

func (a *fileIDAllocator) next_() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}
