package procedural

import (
	"testing"

	"github.com/pspoerri/imagecache/internal/imageio"
)

func openWith(t *testing.T, config map[string]string) *Input {
	t.Helper()
	in := &Input{}
	if _, err := in.Open("test.proc", config); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return in
}

func TestOpenDefaults(t *testing.T) {
	in := openWith(t, nil)
	spec, ok := in.Spec(0, 0)
	if !ok {
		t.Fatal("Spec(0,0) = false, want true")
	}
	if spec.Width != 256 || spec.Height != 256 {
		t.Errorf("default size = %dx%d, want 256x256", spec.Width, spec.Height)
	}
	if spec.NChannels != 4 {
		t.Errorf("default channels = %d, want 4", spec.NChannels)
	}
	if spec.TileWidth != 64 || spec.TileHeight != 64 {
		t.Errorf("default tile = %dx%d, want 64x64", spec.TileWidth, spec.TileHeight)
	}
}

func TestOpenUntiledTriggersAutotileShape(t *testing.T) {
	in := openWith(t, map[string]string{"tile": "0"})
	spec, _ := in.Spec(0, 0)
	if spec.TileWidth != 0 || spec.TileHeight != 0 {
		t.Errorf("tile dims = %dx%d, want 0x0 (untiled)", spec.TileWidth, spec.TileHeight)
	}
}

func TestOpenSingleLevelTriggersAutomipShape(t *testing.T) {
	in := openWith(t, map[string]string{"levels": "1"})
	if _, ok := in.Spec(0, 1); ok {
		t.Error("Spec(0,1) should not exist when levels=1")
	}
}

func TestSeekSubimageBounds(t *testing.T) {
	in := openWith(t, map[string]string{"levels": "3"})
	if !in.SeekSubimage(0, 0) || !in.SeekSubimage(0, 2) {
		t.Error("SeekSubimage should accept mip levels within [0, levels)")
	}
	if in.SeekSubimage(0, 3) || in.SeekSubimage(1, 0) || in.SeekSubimage(0, -1) {
		t.Error("SeekSubimage should reject out-of-range subimage/miplevel")
	}
}

func TestReadTileIndexPatternExact(t *testing.T) {
	const w, h, tile = 16, 16, 16
	in := openWith(t, map[string]string{
		"pattern": "index", "width": "16", "height": "16", "tile": "16", "channels": "1",
	})
	buf := make([]byte, tile*tile*2) // uint16
	if err := in.ReadTile(0, 0, 0, 0, 0, 0, 1, imageio.TypeUint16, buf); err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*w + x) * 2
			got := uint16(buf[off]) | uint16(buf[off+1])<<8
			want := uint16((y*w + x) % 65536)
			if got != want {
				t.Fatalf("pixel(%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
}

func TestReadTileCountIncrements(t *testing.T) {
	in := openWith(t, nil)
	if in.TileReadCount() != 0 {
		t.Fatalf("TileReadCount before any read = %d, want 0", in.TileReadCount())
	}
	buf := make([]byte, 64*64*4)
	in.ReadTile(0, 0, 0, 0, 0, 0, 4, imageio.TypeUint8, buf)
	in.ReadTile(0, 0, 64, 0, 0, 0, 4, imageio.TypeUint8, buf)
	if in.TileReadCount() != 2 {
		t.Fatalf("TileReadCount = %d, want 2", in.TileReadCount())
	}
}

func TestReadImageMatchesReadTileStitch(t *testing.T) {
	in := openWith(t, map[string]string{
		"pattern": "checker", "width": "32", "height": "32", "tile": "16", "channels": "1",
	})
	whole := make([]byte, 32*32)
	if err := in.ReadImage(0, 0, 0, 1, imageio.TypeUint8, whole, 0, 0, 0); err != nil {
		t.Fatalf("ReadImage: %v", err)
	}

	tileBuf := make([]byte, 16*16)
	for _, origin := range [][2]int{{0, 0}, {16, 0}, {0, 16}, {16, 16}} {
		if err := in.ReadTile(0, 0, origin[0], origin[1], 0, 0, 1, imageio.TypeUint8, tileBuf); err != nil {
			t.Fatalf("ReadTile: %v", err)
		}
		for row := 0; row < 16; row++ {
			for col := 0; col < 16; col++ {
				want := tileBuf[row*16+col]
				got := whole[(origin[1]+row)*32+(origin[0]+col)]
				if got != want {
					t.Fatalf("origin %v (%d,%d): ReadImage=%d ReadTile=%d", origin, col, row, got, want)
				}
			}
		}
	}
}

func TestGetThumbnail(t *testing.T) {
	in := openWith(t, nil)
	spec, buf, ok := in.GetThumbnail(0)
	if !ok {
		t.Fatal("GetThumbnail = false, want true")
	}
	if spec.Width != 16 || spec.Height != 16 {
		t.Errorf("thumbnail size = %dx%d, want 16x16", spec.Width, spec.Height)
	}
	if len(buf) == 0 {
		t.Error("thumbnail buffer is empty")
	}
}

func TestRegisteredByExtension(t *testing.T) {
	creator, ok := imageio.CreatorForFile("anything.proc")
	if !ok {
		t.Fatal(".proc extension not registered")
	}
	if _, ok := creator().(*Input); !ok {
		t.Error("registered creator does not produce *Input")
	}
}
