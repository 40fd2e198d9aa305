package cog

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"sync"

	"github.com/pspoerri/imagecache/internal/imageio"
)

// Input adapts a Reader to imageio.ImageInput. A COG/GeoTIFF has exactly
// one subimage; its IFDs (full resolution plus overviews) are exposed as
// MIP levels 0..NumOverviews(). Strip-based TIFFs are already promoted to
// a virtual tile layout by Reader.Open, so every level here is tiled.
type Input struct {
	mu      sync.Mutex
	r       *Reader
	lastErr string
}

func init() {
	imageio.RegisterFormat(func() imageio.ImageInput { return &Input{} }, ".tif", ".tiff")
}

func (in *Input) FormatName() string { return "cog" }

func (in *Input) Open(filename string, config map[string]string) (imageio.ImageSpec, error) {
	r, err := Open(filename)
	if err != nil {
		in.lastErr = err.Error()
		return imageio.ImageSpec{}, err
	}
	in.r = r
	return in.specForLevel(0), nil
}

func (in *Input) SeekSubimage(subimage, miplevel int) bool {
	if subimage != 0 || miplevel < 0 || miplevel >= in.r.IFDCount() {
		return false
	}
	return true
}

func (in *Input) Spec(subimage, miplevel int) (imageio.ImageSpec, bool) {
	if subimage != 0 || miplevel < 0 || miplevel >= in.r.IFDCount() {
		return imageio.ImageSpec{}, false
	}
	return in.specForLevel(miplevel), true
}

func (in *Input) specForLevel(level int) imageio.ImageSpec {
	w := in.r.IFDWidth(level)
	h := in.r.IFDHeight(level)
	ts := in.r.IFDTileSize(level)

	nch := 4
	format := imageio.TypeUint8
	if in.r.IsFloat() {
		nch = 1
		format = imageio.TypeFloat32
	}

	meta := map[string]string{
		"cog:format":     in.r.FormatDescription(),
		"cog:epsg":       strconv.Itoa(in.r.EPSG()),
		"cog:nodata":     in.r.NoData(),
		"cog:pixel_size": strconv.FormatFloat(in.r.PixelSize(), 'g', -1, 64),
		"cog:overviews":  strconv.Itoa(in.r.NumOverviews()),
	}

	return imageio.ImageSpec{
		Width: w, Height: h, Depth: 1,
		FullWidth: w, FullHeight: h, FullDepth: 1,
		TileWidth: ts[0], TileHeight: ts[1], TileDepth: 1,
		NChannels: nch,
		Format:    format,
		Metadata:  meta,
	}
}

// ReadTile reads one tile, converting from the codec's native RGBA (or
// single-band float) representation into typ.
func (in *Input) ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, typ imageio.PixelType, out []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	ts := in.r.IFDTileSize(miplevel)
	tw, th := ts[0], ts[1]
	if tw <= 0 || th <= 0 {
		return fmt.Errorf("cog: zero tile size at level %d", miplevel)
	}
	col := x / tw
	row := y / th

	if in.r.IsFloat() {
		data, w, h, err := in.r.ReadFloatTile(miplevel, col, row)
		if err != nil {
			in.lastErr = err.Error()
			return err
		}
		writeFloatTile(data, w, h, typ, out)
		return nil
	}

	img, err := in.r.ReadTile(miplevel, col, row)
	if err != nil {
		in.lastErr = err.Error()
		return err
	}
	writeRGBATile(img, tw, th, chbegin, chend, typ, out)
	return nil
}

// ReadScanlines is rarely exercised for COGs (every level is tiled after
// Open's strip promotion); it's implemented by delegating to ReadImage.
func (in *Input) ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride int) error {
	return in.ReadImage(subimage, miplevel, chbegin, chend, typ, out, xstride, ystride, 0)
}

func (in *Input) ReadImage(subimage, miplevel, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride, zstride int) error {
	spec := in.specForLevel(miplevel)
	nch := chend - chbegin
	pixelSize := nch * typ.BytesPerSample()
	if xstride <= 0 {
		xstride = pixelSize
	}
	if ystride <= 0 {
		ystride = spec.Width * xstride
	}

	tw, th := spec.TileWidth, spec.TileHeight
	tileBuf := make([]byte, tw*th*pixelSize)

	for ty := 0; ty*th < spec.Height; ty++ {
		for tx := 0; tx*tw < spec.Width; tx++ {
			if err := in.ReadTile(subimage, miplevel, tx*tw, ty*th, 0, chbegin, chend, typ, tileBuf); err != nil {
				return err
			}
			rowsInTile := minInt2(th, spec.Height-ty*th)
			colsInTile := minInt2(tw, spec.Width-tx*tw)
			for row := 0; row < rowsInTile; row++ {
				srcOff := row * tw * pixelSize
				dstOff := (ty*th+row)*ystride + tx*tw*xstride
				copy(out[dstOff:dstOff+colsInTile*pixelSize], tileBuf[srcOff:srcOff+colsInTile*pixelSize])
			}
		}
	}
	return nil
}

func (in *Input) GetThumbnail(subimage int) (imageio.ImageSpec, []byte, bool) {
	return imageio.ImageSpec{}, nil, false
}

func (in *Input) Close() error {
	if in.r == nil {
		return nil
	}
	return in.r.Close()
}

func (in *Input) GetError() string { return in.lastErr }

func minInt2(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// writeFloatTile copies a decoded single-band elevation tile into out,
// converted to typ. An empty (all-nodata) tile decodes to a nil data
// slice: out is left zeroed, matching the cache's zero-fill convention.
func writeFloatTile(data []float32, w, h int, typ imageio.PixelType, out []byte) {
	stride := typ.BytesPerSample()
	for i, v := range data {
		off := i * stride
		if off+stride > len(out) {
			break
		}
		writeSampleAt(out[off:], typ, float64(v))
	}
}

// writeRGBATile walks a tw x th image.Image and writes channels
// [chbegin,chend) (within R,G,B,A) converted to typ into out.
func writeRGBATile(img image.Image, tw, th, chbegin, chend int, typ imageio.PixelType, out []byte) {
	nch := chend - chbegin
	stride := typ.BytesPerSample()
	pixelSize := nch * stride

	for y := 0; y < th; y++ {
		for x := 0; x < tw; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			chans := [4]float64{float64(r) / 65535.0, float64(g) / 65535.0, float64(b) / 65535.0, float64(a) / 65535.0}

			off := (y*tw + x) * pixelSize
			if off+pixelSize > len(out) {
				continue
			}
			for ch := 0; ch < nch; ch++ {
				srcCh := chbegin + ch
				v := 0.0
				if srcCh >= 0 && srcCh < 4 {
					v = chans[srcCh]
				}
				writeSampleNormalized(out[off+ch*stride:], typ, v)
			}
		}
	}
}

// writeSampleAt writes v (in the codec's native units, e.g. raw elevation
// meters) as typ without rescaling.
func writeSampleAt(buf []byte, typ imageio.PixelType, v float64) {
	switch typ {
	case imageio.TypeUint8:
		buf[0] = clamp8(v)
	case imageio.TypeUint16:
		u := clamp16(v)
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

// writeSampleNormalized writes v (in [0,1]) rescaled to typ's native range.
func writeSampleNormalized(buf []byte, typ imageio.PixelType, v float64) {
	switch typ {
	case imageio.TypeUint8:
		writeSampleAt(buf, typ, v*255.0)
	case imageio.TypeUint16:
		writeSampleAt(buf, typ, v*65535.0)
	case imageio.TypeFloat32:
		writeSampleAt(buf, typ, v)
	}
}

func clamp8(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

func clamp16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}
