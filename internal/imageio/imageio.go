// Package imageio defines the codec capability boundary consumed by the
// image tile cache: opening a file, reading its header, and decoding
// rectangles of pixels. Nothing in this package knows about tiles, MIP
// pyramids, or caching — those live in internal/imagecache. Concrete
// implementations satisfying ImageInput live under internal/codec/*.
package imageio

import "fmt"

// PixelType identifies the in-memory representation of one channel sample.
type PixelType int

const (
	TypeUnknown PixelType = iota
	TypeUint8
	TypeUint16
	TypeHalf
	TypeFloat32
)

// BytesPerSample returns the storage width of one channel sample.
func (t PixelType) BytesPerSample() int {
	switch t {
	case TypeUint8:
		return 1
	case TypeUint16, TypeHalf:
		return 2
	case TypeFloat32:
		return 4
	default:
		return 0
	}
}

func (t PixelType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeHalf:
		return "half"
	case TypeFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// ImageSpec describes one subimage at one MIP level: its data window,
// display ("full") window, tiling, channel layout, and free-form metadata
// pulled from the file (georeferencing tags, ICC profiles, compression
// names, anything a codec wants to surface).
type ImageSpec struct {
	X, Y, Z                   int
	Width, Height, Depth      int
	FullX, FullY, FullZ       int
	FullWidth, FullHeight, FullDepth int
	TileWidth, TileHeight, TileDepth int
	NChannels int
	Format    PixelType
	Metadata  map[string]string
}

// PixelBytes returns the byte size of a contiguous tile_pixels x nchannels buffer.
func (s ImageSpec) PixelBytes() int {
	return s.NChannels * s.Format.BytesPerSample()
}

// TileVoxels returns the pixel count of one tile (TileDepth defaults to 1).
func (s ImageSpec) TileVoxels() int {
	d := s.TileDepth
	if d <= 0 {
		d = 1
	}
	return s.TileWidth * s.TileHeight * d
}

func (s ImageSpec) GetAttribute(name string) (string, bool) {
	v, ok := s.Metadata[name]
	return v, ok
}

// ImageInput is the codec capability the cache consumes. Implementations
// are not required to be safe for concurrent use on the *same* handle
// except where noted — the cache serializes access to one handle via
// FileRecord.input_lock and relies only on ReadTile/ReadScanlines/ReadImage
// being safe to call from a single reader goroutine at a time per handle
// (concurrent handles on the same file, one per open, are fine).
type ImageInput interface {
	// Open opens filename and positions at subimage 0, MIP level 0,
	// returning that level's spec. config carries codec-specific hints
	// (e.g. "oiio:UnassociatedAlpha").
	Open(filename string, config map[string]string) (ImageSpec, error)

	FormatName() string

	// SeekSubimage repositions to (subimage, miplevel). Returns false when
	// out of range. Must be safe to call repeatedly after Open.
	SeekSubimage(subimage, miplevel int) bool

	// Spec returns the header for (subimage, miplevel) without requiring a
	// prior SeekSubimage call.
	Spec(subimage, miplevel int) (ImageSpec, bool)

	// ReadTile reads exactly one tile's pixels, converted to typ, into out.
	// out must be at least TileVoxels() * (chend-chbegin) * typ.BytesPerSample().
	ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, typ PixelType, out []byte) error

	// ReadScanlines reads rows [ybegin,yend) of plane z.
	ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, typ PixelType, out []byte, xstride, ystride int) error

	// ReadImage reads the whole (subimage, miplevel) in one call.
	ReadImage(subimage, miplevel, chbegin, chend int, typ PixelType, out []byte, xstride, ystride, zstride int) error

	// GetThumbnail fills out with a codec-provided thumbnail for subimage,
	// if any exists. ok is false when the codec has none (not an error).
	GetThumbnail(subimage int) (img ImageSpec, pixels []byte, ok bool)

	Close() error
	GetError() string
}

// Creator constructs a fresh, unopened ImageInput for a given format. The
// cache looks one up from a Creator when FileRecord.find_or_create is not
// given an explicit one (add_file's custom-constructor path).
type Creator func() ImageInput

// ErrUnsupported describes a filename whose extension no codec claims.
// CreatorForFile reports that case through its ok result and does not
// return this error.
var ErrUnsupported = fmt.Errorf("imageio: no codec registered for this file")

// ColorConverter is the color-pipeline capability from spec §6: invoked
// in-place on a decoded tile buffer whenever the tile's color-transform id
// is non-zero. Implementations live under internal/colorpipeline.
type ColorConverter interface {
	Convert(buf []byte, typ PixelType, nchannels int, from, to string) error
}
