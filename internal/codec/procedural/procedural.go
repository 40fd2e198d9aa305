// Package procedural implements an in-memory imageio.ImageInput that
// synthesizes pixels instead of decoding them from a file. It exists for
// tests and for add_file/add_tile demos: generalizing the teacher's
// solidImage/checkerImage test helpers from one-off *image.RGBA fixtures
// into a full codec lets tests exercise find_file/find_tile/get_pixels
// (including auto-mip and auto-tile synthesis) without needing a real
// COG or PMTiles archive on disk.
package procedural

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pspoerri/imagecache/internal/imageio"
)

// Pattern selects the per-pixel color function.
type Pattern int

const (
	PatternSolid Pattern = iota
	PatternGradient
	PatternChecker
	// PatternIndex writes the raw scanline index (y*width+x) mod 65536 into
	// every channel, unnormalized, for tests that need an exact, predictable
	// per-pixel value rather than a [0,1]-normalized synthetic color.
	PatternIndex
)

func parsePattern(s string) Pattern {
	switch strings.ToLower(s) {
	case "gradient":
		return PatternGradient
	case "checker":
		return PatternChecker
	case "index":
		return PatternIndex
	default:
		return PatternSolid
	}
}

// Input is a procedural ImageInput. Config keys recognized by Open:
//
//	pattern    "solid" | "gradient" | "checker" | "index" (default "solid")
//	width      full-resolution width in pixels (default 256)
//	height     full-resolution height in pixels (default 256)
//	tile       tile edge length; 0 means untiled, exercising autotile (default 64)
//	levels     number of MIP levels the codec itself provides; 1 means
//	           a single level, exercising automip (default 1)
//	channels   channel count, 1-4 (default 4)
//	block      checker block size in pixels (default 8)
type Input struct {
	pattern  Pattern
	width    int
	height   int
	tile     int
	levels   int
	nch      int
	block    int
	lastErr  string

	tileReads atomic.Int64
}

// TileReadCount reports how many times ReadTile has been called, for tests
// asserting the at-most-one-reader protocol calls the codec exactly once
// per tile.
func (in *Input) TileReadCount() int64 { return in.tileReads.Load() }

func init() {
	imageio.RegisterFormat(func() imageio.ImageInput { return &Input{} }, ".proc")
}

func (in *Input) FormatName() string { return "procedural" }

// Open ignores filename's contents beyond using it as a fallback pattern
// name when config is empty, e.g. "gradient.proc".
func (in *Input) Open(filename string, config map[string]string) (imageio.ImageSpec, error) {
	in.pattern = PatternSolid
	in.width, in.height = 256, 256
	in.tile = 64
	in.levels = 1
	in.nch = 4
	in.block = 8

	if p, ok := config["pattern"]; ok {
		in.pattern = parsePattern(p)
	} else {
		base := strings.TrimSuffix(filename, ".proc")
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		in.pattern = parsePattern(base)
	}
	in.width = intOr(config["width"], in.width)
	in.height = intOr(config["height"], in.height)
	in.tile = intOr(config["tile"], in.tile)
	in.levels = intOr(config["levels"], in.levels)
	in.nch = intOr(config["channels"], in.nch)
	in.block = intOr(config["block"], in.block)

	if in.width <= 0 || in.height <= 0 {
		return imageio.ImageSpec{}, fmt.Errorf("procedural: width/height must be positive")
	}
	return in.specForLevel(0), nil
}

func intOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func (in *Input) SeekSubimage(subimage, miplevel int) bool {
	return subimage == 0 && miplevel >= 0 && miplevel < in.levels
}

func (in *Input) Spec(subimage, miplevel int) (imageio.ImageSpec, bool) {
	if subimage != 0 || miplevel < 0 || miplevel >= in.levels {
		return imageio.ImageSpec{}, false
	}
	return in.specForLevel(miplevel), true
}

func (in *Input) specForLevel(miplevel int) imageio.ImageSpec {
	w := in.width >> uint(miplevel)
	h := in.height >> uint(miplevel)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return imageio.ImageSpec{
		Width: w, Height: h, Depth: 1,
		FullWidth: w, FullHeight: h, FullDepth: 1,
		TileWidth: in.tile, TileHeight: in.tile, TileDepth: 1,
		NChannels: in.nch,
		Format:    imageio.TypeFloat32,
		Metadata:  map[string]string{"procedural:pattern": patternName(in.pattern)},
	}
}

func patternName(p Pattern) string {
	switch p {
	case PatternGradient:
		return "gradient"
	case PatternChecker:
		return "checker"
	case PatternIndex:
		return "index"
	default:
		return "solid"
	}
}

// colorAt returns the synthesized channel values for the given level's
// pixel coordinates. Every pattern except PatternIndex returns values
// normalized to [0,1]; PatternIndex returns the raw, unscaled sample value.
func (in *Input) colorAt(levelW, levelH, x, y int) []float64 {
	out := make([]float64, in.nch)
	switch in.pattern {
	case PatternIndex:
		v := float64((y*levelW + x) % 65536)
		for ch := range out {
			out[ch] = v
		}
	case PatternGradient:
		for ch := 0; ch < in.nch; ch++ {
			switch ch {
			case 0:
				out[ch] = float64(x) / float64(maxInt4(levelW-1, 1))
			case 1:
				out[ch] = float64(y) / float64(maxInt4(levelH-1, 1))
			case 2:
				out[ch] = 0.5
			default:
				out[ch] = 1.0
			}
		}
	case PatternChecker:
		b := maxInt4(in.block, 1)
		on := (x/b+y/b)%2 == 0
		for ch := 0; ch < in.nch; ch++ {
			if on {
				out[ch] = 0.9
			} else {
				out[ch] = 0.1
			}
		}
	default: // solid
		for ch := 0; ch < in.nch; ch++ {
			out[ch] = 0.5
		}
	}
	return out
}

func maxInt4(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (in *Input) ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, typ imageio.PixelType, out []byte) error {
	in.tileReads.Add(1)
	spec := in.specForLevel(miplevel)
	return in.fillRect(spec.Width, spec.Height, x, y, in.tile, in.tile, chbegin, chend, typ, out, 0, 0)
}

func (in *Input) ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride int) error {
	spec := in.specForLevel(miplevel)
	return in.fillRect(spec.Width, spec.Height, 0, ybegin, spec.Width, yend-ybegin, chbegin, chend, typ, out, xstride, ystride)
}

func (in *Input) ReadImage(subimage, miplevel, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride, zstride int) error {
	spec := in.specForLevel(miplevel)
	return in.fillRect(spec.Width, spec.Height, 0, 0, spec.Width, spec.Height, chbegin, chend, typ, out, xstride, ystride)
}

func (in *Input) fillRect(levelW, levelH, x0, y0, w, h, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride int) error {
	nch := chend - chbegin
	stride := typ.BytesPerSample()
	pixelSize := nch * stride
	if xstride <= 0 {
		xstride = pixelSize
	}
	if ystride <= 0 {
		ystride = w * xstride
	}

	for row := 0; row < h; row++ {
		y := y0 + row
		for col := 0; col < w; col++ {
			x := x0 + col
			off := row*ystride + col*xstride
			if off+pixelSize > len(out) {
				continue
			}
			if x >= levelW || y >= levelH {
				continue // outside the data window: leave zeroed
			}
			colors := in.colorAt(levelW, levelH, x, y)
			for ch := 0; ch < nch; ch++ {
				v := 0.0
				srcCh := chbegin + ch
				if srcCh >= 0 && srcCh < len(colors) {
					v = colors[srcCh]
				}
				if in.pattern == PatternIndex {
					writeSampleRaw(out[off+ch*stride:], typ, v)
				} else {
					writeSample(out[off+ch*stride:], typ, v)
				}
			}
		}
	}
	return nil
}

// writeSampleRaw writes v as typ without the [0,1]-to-native-range scaling
// writeSample applies; used by PatternIndex, whose colorAt already produces
// values in typ's native range.
func writeSampleRaw(buf []byte, typ imageio.PixelType, v float64) {
	switch typ {
	case imageio.TypeUint8:
		buf[0] = clampByte(v)
	case imageio.TypeUint16:
		u := clampUint16(v)
		buf[0] = byte(u)
		buf[1] = byte(u >> 8)
	case imageio.TypeFloat32:
		bits := math.Float32bits(float32(v))
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
	}
}

func writeSample(buf []byte, typ imageio.PixelType, v float64) {
	switch typ {
	case imageio.TypeUint8:
		buf[0] = clampByte(v * 255.0)
	case imageio.TypeUint16:
		u := clampUint16(v * 65535.0)
		buf[0] = byte(u)
		buf[1] = byte(u >> 8)
	case imageio.TypeFloat32:
		bits := math.Float32bits(float32(v))
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
	}
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

func clampUint16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

func (in *Input) GetThumbnail(subimage int) (imageio.ImageSpec, []byte, bool) {
	const thumb = 16
	spec := imageio.ImageSpec{
		Width: thumb, Height: thumb, Depth: 1,
		FullWidth: thumb, FullHeight: thumb, FullDepth: 1,
		NChannels: in.nch, Format: imageio.TypeFloat32,
	}
	buf := make([]byte, thumb*thumb*in.nch*imageio.TypeFloat32.BytesPerSample())
	if err := in.fillRect(thumb, thumb, 0, 0, thumb, thumb, 0, in.nch, imageio.TypeFloat32, buf, 0, 0); err != nil {
		return imageio.ImageSpec{}, nil, false
	}
	return spec, buf, true
}

func (in *Input) Close() error { return nil }

func (in *Input) GetError() string { return in.lastErr }
