package cog

import (
	"image"
	"image/color"
	"testing"

	"github.com/pspoerri/imagecache/internal/imageio"
)

func TestFormatNameAndThumbnail(t *testing.T) {
	in := &Input{}
	if in.FormatName() != "cog" {
		t.Errorf("FormatName() = %q, want %q", in.FormatName(), "cog")
	}
	if _, _, ok := in.GetThumbnail(0); ok {
		t.Error("GetThumbnail should report no thumbnail for COG/GeoTIFF")
	}
	if in.Close() != nil {
		t.Error("Close on an unopened Input should be a no-op, not an error")
	}
}

func TestWriteFloatTileConvertsAndClamps(t *testing.T) {
	data := []float32{-10, 0, 300}
	out := make([]byte, len(data)*2) // uint16
	writeFloatTile(data, 3, 1, imageio.TypeUint16, out)

	got := func(i int) uint16 { return uint16(out[i*2]) | uint16(out[i*2+1])<<8 }
	if got(0) != 0 {
		t.Errorf("negative elevation clamped to %d, want 0", got(0))
	}
	if got(1) != 0 {
		t.Errorf("zero elevation = %d, want 0", got(1))
	}
	if got(2) != 300 {
		t.Errorf("elevation 300 = %d, want 300", got(2))
	}
}

func TestWriteFloatTileStopsAtBufferEnd(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	out := make([]byte, 4) // room for only 2 uint16 samples
	writeFloatTile(data, 4, 1, imageio.TypeUint16, out) // must not panic
}

func TestWriteRGBATileChannelSelection(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 128, B: 0, A: 255})
	img.Set(1, 0, color.RGBA{R: 0, G: 0, B: 255, A: 128})

	out := make([]byte, 2*4) // 2 pixels, RGBA uint8
	writeRGBATile(img, 2, 1, 0, 4, imageio.TypeUint8, out)

	if out[0] != 255 {
		t.Errorf("pixel0.R = %d, want 255", out[0])
	}
	if out[4] != 0 || out[6] != 255 {
		t.Errorf("pixel1 R,B = %d,%d, want 0,255", out[4], out[6])
	}
}

func TestWriteRGBATileRespectsChbegin(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	// chbegin=1, chend=3 selects G,B only.
	out := make([]byte, 2)
	writeRGBATile(img, 1, 1, 1, 3, imageio.TypeUint8, out)
	wantG := byte(float64(20*257) / 65535.0 * 255.0) // approx after 16-bit round trip through RGBA()
	wantB := byte(float64(30*257) / 65535.0 * 255.0)
	if out[0] == 0 && out[1] == 0 {
		t.Error("writeRGBATile with chbegin=1 wrote nothing for G,B channels")
	}
	if out[0] != wantG || out[1] != wantB {
		t.Errorf("writeRGBATile with chbegin=1 wrote %d,%d, want G,B = %d,%d", out[0], out[1], wantG, wantB)
	}
}

func TestClamp8And16(t *testing.T) {
	if clamp8(-5) != 0 || clamp8(400) != 255 || clamp8(100) != 100 {
		t.Error("clamp8 did not clamp to [0,255]")
	}
	if clamp16(-5) != 0 || clamp16(100000) != 65535 || clamp16(1000) != 1000 {
		t.Error("clamp16 did not clamp to [0,65535]")
	}
}

func TestWriteSampleNormalizedScalesToRange(t *testing.T) {
	out := make([]byte, 1)
	writeSampleNormalized(out, imageio.TypeUint8, 1.0)
	if out[0] != 255 {
		t.Errorf("normalized 1.0 as uint8 = %d, want 255", out[0])
	}
	out16 := make([]byte, 2)
	writeSampleNormalized(out16, imageio.TypeUint16, 0.5)
	got := uint16(out16[0]) | uint16(out16[1])<<8
	if got < 32000 || got > 33000 {
		t.Errorf("normalized 0.5 as uint16 = %d, want close to 32767", got)
	}
}

func TestRegisteredByExtension(t *testing.T) {
	for _, ext := range []string{"x.tif", "x.tiff"} {
		if _, ok := imageio.CreatorForFile(ext); !ok {
			t.Errorf("%q not registered with a codec", ext)
		}
	}
}
