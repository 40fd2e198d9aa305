package imagecache

import (
	"testing"

	"github.com/pspoerri/imagecache/internal/codec/procedural"
	"github.com/pspoerri/imagecache/internal/imageio"
	"go.uber.org/zap"
)

func newTestRegistry(cfg *Config) *FileRegistry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newFileRegistry(cfg, zap.NewNop())
}

func procCreator() imageio.Creator {
	return func() imageio.ImageInput { return &procedural.Input{} }
}

func TestFindOrCreateReturnsSameRecordForSameName(t *testing.T) {
	r := newTestRegistry(nil)
	rec1, created1 := r.findOrCreate("same.proc", procCreator(), nil, false)
	if !created1 {
		t.Fatal("first findOrCreate should report created=true")
	}
	rec2, created2 := r.findOrCreate("same.proc", procCreator(), nil, false)
	if created2 {
		t.Error("second findOrCreate for the same name reported created=true")
	}
	if rec1 != rec2 {
		t.Error("findOrCreate returned different records for the same filename")
	}
}

func TestVerifyOpensAndIngestsHeaders(t *testing.T) {
	r := newTestRegistry(nil)
	rec, _ := r.findOrCreate("verify.proc", procCreator(), map[string]string{"width": "32", "height": "32"}, false)
	rec = r.verify(rec, false)
	if rec.isBroken() {
		t.Fatalf("verify marked a valid procedural record broken: %s", rec.brokenMessage())
	}
	if len(rec.Subimages) == 0 {
		t.Fatal("verify did not populate Subimages")
	}
	if rec.Subimages[0].Levels[0].Spec.Width != 32 {
		t.Errorf("ingested width = %d, want 32", rec.Subimages[0].Levels[0].Spec.Width)
	}
}

// TestOpenAndReadHeaderMarksBrokenOnFailure covers invariant 4's "broken
// records have no open handle" half: a codec that fails to Open must leave
// the record broken with currentlyOpenCount unaffected.
func TestOpenAndReadHeaderMarksBrokenOnFailure(t *testing.T) {
	r := newTestRegistry(nil)
	before := r.currentlyOpenCount()
	badCreator := func() imageio.ImageInput { return &procedural.Input{} }
	rec, _ := r.findOrCreate("broken.proc", badCreator, map[string]string{"width": "-1"}, false)
	r.openAndReadHeader(rec)
	if !rec.isBroken() {
		t.Fatal("record with invalid width should be marked broken")
	}
	if rec.handle.Load() != nil {
		t.Error("broken record has a live handle")
	}
	if r.currentlyOpenCount() != before {
		t.Errorf("currentlyOpenCount changed from %d to %d on a failed open", before, r.currentlyOpenCount())
	}
}

// TestCoalesceRedirectsDuplicateAndClosesItsHandle covers invariant 4's
// duplicate half and scenario S5: two distinct records sharing a
// fingerprint and shape, once the second verifies, must redirect onto the
// first and release the second's own handle.
func TestCoalesceRedirectsDuplicateAndClosesItsHandle(t *testing.T) {
	r := newTestRegistry(nil)

	makeFingerprinted := func(name string) imageio.Creator {
		return func() imageio.ImageInput { return &fingerprintedInput{w: 16, h: 16} }
	}

	recA, _ := r.findOrCreate("dupA.proc", makeFingerprinted("dupA.proc"), nil, false)
	recA = r.verify(recA, false)
	if recA.isBroken() {
		t.Fatalf("recA broken: %s", recA.brokenMessage())
	}

	recB, _ := r.findOrCreate("dupB.proc", makeFingerprinted("dupB.proc"), nil, false)
	recB = r.verify(recB, false)
	if recB.isBroken() {
		t.Fatalf("recB broken: %s", recB.brokenMessage())
	}

	canonical := recB.canonical()
	if canonical != recA {
		t.Errorf("recB.canonical() = %p, want recA %p (duplicate not coalesced)", canonical, recA)
	}
	if recB.handle.Load() != nil {
		t.Error("duplicate record recB still holds an open handle after coalescing")
	}
}

func TestInvalidateClearsFingerprintAndTiles(t *testing.T) {
	r := newTestRegistry(nil)
	tc := newTileCache(1 << 30)
	rec, _ := r.findOrCreate("inv.proc", procCreator(), nil, false)
	rec = r.verify(rec, false)
	if rec.isBroken() {
		t.Fatalf("rec broken: %s", rec.brokenMessage())
	}

	id := TileID{File: rec, X: 0, Y: 0, ChEnd: 4}
	tr := newEmptyTileRecord(id)
	tr.allocPixels(16)
	tc.insertOrRetrieve(id, tr)
	tc.incrMem(tr.memBytes)

	r.invalidate(rec, true, tc)

	if rec.ValidSpec.Load() {
		t.Error("ValidSpec still true after invalidate")
	}
	if rec.handle.Load() != nil {
		t.Error("handle still set after invalidate")
	}
	if _, ok := tc.find(id); ok {
		t.Error("tile survived invalidate's eraseIf")
	}

	// Idempotence: invalidating again must not panic.
	r.invalidate(rec, true, tc)
}

func TestCheckMaxFilesSweepsUnderLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenFiles = 2
	r := newTestRegistry(cfg)

	var recs []*FileRecord
	for i := 0; i < 5; i++ {
		rec, _ := r.findOrCreate(string(rune('a'+i))+".proc", procCreator(), nil, false)
		rec = r.verify(rec, false)
		if rec.isBroken() {
			t.Fatalf("rec %d broken: %s", i, rec.brokenMessage())
		}
		if _, err := r.open(rec); err != nil {
			t.Fatalf("open rec %d: %v", i, err)
		}
		rec.RecentlyUsed.Store(0)
		recs = append(recs, rec)
	}

	r.checkMaxFiles()

	if r.currentlyOpenCount() > int64(cfg.MaxOpenFiles)+4 {
		t.Errorf("currentlyOpenCount = %d after sweep, want <= limit+slack", r.currentlyOpenCount())
	}
}

// fingerprintedInput is a minimal imageio.ImageInput used only to exercise
// duplicate coalescing: it reports a fixed oiio:SHA-1 fingerprint and a
// fixed shape regardless of filename, simulating two distinct files with
// byte-identical content.
type fingerprintedInput struct {
	w, h int
}

func (f *fingerprintedInput) Open(filename string, config map[string]string) (imageio.ImageSpec, error) {
	return f.specVal()
}
func (f *fingerprintedInput) FormatName() string                       { return "fingerprinted" }
func (f *fingerprintedInput) SeekSubimage(subimage, miplevel int) bool { return subimage == 0 && miplevel == 0 }
func (f *fingerprintedInput) Spec(subimage, miplevel int) (imageio.ImageSpec, bool) {
	if subimage != 0 || miplevel != 0 {
		return imageio.ImageSpec{}, false
	}
	spec, _ := f.specVal()
	return spec, true
}
func (f *fingerprintedInput) specVal() (imageio.ImageSpec, error) {
	return imageio.ImageSpec{
		Width: f.w, Height: f.h, Depth: 1,
		FullWidth: f.w, FullHeight: f.h, FullDepth: 1,
		TileWidth: f.w, TileHeight: f.h, TileDepth: 1,
		NChannels: 1, Format: imageio.TypeUint8,
		Metadata: map[string]string{"oiio:SHA-1": "same-content-hash"},
	}, nil
}
func (f *fingerprintedInput) ReadTile(subimage, miplevel, x, y, z, chbegin, chend int, typ imageio.PixelType, out []byte) error {
	return nil
}
func (f *fingerprintedInput) ReadScanlines(subimage, miplevel, ybegin, yend, z, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride int) error {
	return nil
}
func (f *fingerprintedInput) ReadImage(subimage, miplevel, chbegin, chend int, typ imageio.PixelType, out []byte, xstride, ystride, zstride int) error {
	return nil
}
func (f *fingerprintedInput) GetThumbnail(subimage int) (imageio.ImageSpec, []byte, bool) {
	return imageio.ImageSpec{}, nil, false
}
func (f *fingerprintedInput) Close() error    { return nil }
func (f *fingerprintedInput) GetError() string { return "" }
