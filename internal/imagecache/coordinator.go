// Package imagecache implements the image tile cache: a concurrent,
// memory- and handle-bounded cache serving random-access pixel reads from
// tiled, multi-subimage, multi-resolution image files.
package imagecache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pspoerri/imagecache/internal/imageio"
)

// FileHandle is the opaque reference clients hold to a registered file
// (spec §6 query surface). It is valid for the coordinator's lifetime;
// Good reports whether the underlying record opened successfully.
type FileHandle struct{ rec *FileRecord }

func (h FileHandle) isZero() bool { return h.rec == nil }

// TileHandle is the opaque reference returned by get_tile/add_tile.
type TileHandle struct {
	rec *TileRecord
	id  TileID
}

func (h TileHandle) isZero() bool { return h.rec == nil }

// Coordinator is the public surface (spec §2 component D): it owns the
// FileRegistry, TileCache, configuration, and the per-thread microcaches,
// and implements get_pixels plus the auto-mip/auto-tile synthesis that
// makes every file look tiled and mip-mapped to callers.
type Coordinator struct {
	config *Config
	files  *FileRegistry
	tiles  *TileCache
	color  imageio.ColorConverter

	perThread perThreadRegistry
	metrics   *cacheMetrics
	log       *zap.Logger

	errs sync.Map // map[*PerThreadInfo]*errorList
}

// New constructs a Coordinator. cfg may be nil for DefaultConfig(); color
// may be nil if no tile ever carries a non-zero color-transform id.
func New(cfg *Config, color imageio.ColorConverter, log *zap.Logger) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		config: cfg,
		files:  newFileRegistry(cfg, log),
		tiles:  newTileCache(cfg.snapshot().MaxMemoryBytes),
		color:  color,
		log:    log,
	}
	c.metrics = newCacheMetrics(c.tiles, c.files)
	return c
}

// CreateThreadInfo returns a new PerThreadInfo and registers it with the
// coordinator so invalidate_all can reach it. Each goroutine that calls
// into the coordinator concurrently should hold its own (§4.D.1); this is
// the explicit, Go-idiomatic replacement for the source's implicit
// thread-local singleton.
func (c *Coordinator) CreateThreadInfo() *PerThreadInfo {
	t := newPerThreadInfo()
	c.perThread.add(t)
	return t
}

func (c *Coordinator) DestroyThreadInfo(t *PerThreadInfo) {
	c.perThread.remove(t)
}

func (c *Coordinator) pushError(t *PerThreadInfo, err error) {
	v, _ := c.errs.LoadOrStore(t, &errorList{})
	v.(*errorList).push(err)
	c.log.Debug("imagecache: operation error", zap.Error(err))
}

// GetError drains this thread's error list (spec's geterror).
func (c *Coordinator) GetError(t *PerThreadInfo, clear bool) string {
	v, ok := c.errs.Load(t)
	if !ok {
		return ""
	}
	return v.(*errorList).drain(clear)
}

func (c *Coordinator) HasError(t *PerThreadInfo) bool {
	v, ok := c.errs.Load(t)
	return ok && v.(*errorList).hasError()
}

// Attribute sets one configuration value, triggering invalidate_all when
// the table in §4.D.9 calls for it.
func (c *Coordinator) Attribute(name string, value interface{}) bool {
	effect, ok := c.config.SetAttribute(name, value)
	if !ok {
		return false
	}
	if name == "max_memory_bytes" || name == "max_memory_MB" {
		c.tiles.setMaxBytes(c.config.snapshot().MaxMemoryBytes)
	}
	if effect == effectInvalidateAll {
		c.InvalidateAll(true)
	}
	return true
}

func (c *Coordinator) GetAttribute(name string) (interface{}, bool) {
	return c.config.GetAttribute(name)
}

func (c *Coordinator) GetStats(level int) string { return c.getStats(level) }

// --- §4.D.2 find_file / verify_file ---

func (c *Coordinator) findFile(t *PerThreadInfo, name string, creator imageio.Creator, config map[string]string, replace bool) *FileRecord {
	t.checkPurge()

	cfg := c.config.snapshot()
	if cfg.SubstituteImage != "" {
		name = cfg.SubstituteImage
	}

	if !replace {
		if rec, ok := t.files.Get(name); ok {
			return rec
		}
	}
	rec, _ := c.files.findOrCreate(name, creator, config, replace)
	t.files.Add(name, rec)
	return rec
}

func (c *Coordinator) verifyFile(rec *FileRecord, headerOnly bool) *FileRecord {
	return c.files.verify(rec, headerOnly)
}

// GetImageHandle resolves a filename to a FileHandle, running header
// ingestion so Good() reflects whether the file actually opens.
func (c *Coordinator) GetImageHandle(t *PerThreadInfo, filename string) FileHandle {
	rec := c.findFile(t, filename, nil, nil, false)
	rec = c.verifyFile(rec, false)
	return FileHandle{rec: rec}
}

func (c *Coordinator) Good(h FileHandle) bool {
	return !h.isZero() && !h.rec.isBroken()
}

func (c *Coordinator) FilenameFromHandle(h FileHandle) string {
	if h.isZero() {
		return ""
	}
	return h.rec.Filename
}

// --- §4.D.3 / §4.D.4 find_tile / find_tile_main_cache ---

func (c *Coordinator) findTile(t *PerThreadInfo, id TileID, markUsed bool) bool {
	t.statsFindTile++

	if t.tile != nil && t.tile.ID == id {
		if markUsed {
			t.tile.RecentlyUsed.Store(1)
		}
		return t.tile.Valid.Load()
	}
	t.tile, t.lasttile = t.lasttile, t.tile
	if t.tile != nil && t.tile.ID == id {
		t.tile.RecentlyUsed.Store(1)
		return t.tile.Valid.Load()
	}

	t.statsMicrocacheMiss++
	return c.findTileMainCache(t, id)
}

func (c *Coordinator) findTileMainCache(t *PerThreadInfo, id TileID) bool {
	if out, ok := c.tiles.find(id); ok {
		out.waitPixelsReady()
		out.RecentlyUsed.Store(1)
		t.tile = out
		return out.Valid.Load()
	}

	t.statsCacheMiss++
	newRecord := c.tiles.emptyRecordFor(id)
	stored, won := c.tiles.insertOrRetrieve(id, newRecord)
	if won {
		start := time.Now()
		valid := c.readTile(t, newRecord)
		newRecord.markReady(valid)
		c.tiles.incrMem(newRecord.memBytes)
		if id.File != nil {
			id.File.IOSeconds.Add(int64(time.Since(start)))
		}
		c.tiles.checkMaxMem()
		c.files.checkMaxFiles()
	} else {
		stored.waitPixelsReady()
	}
	t.tile = stored
	return stored.Valid.Load()
}

// --- §4.D.5 read_tile dispatch ---

// readTile is the only place that invokes the codec. It fills rec.Pixels
// and returns whether the read succeeded.
func (c *Coordinator) readTile(t *PerThreadInfo, rec *TileRecord) bool {
	id := rec.ID
	file := id.File
	if file == nil || int(id.Subimage) >= len(file.Subimages) {
		return false
	}
	si := &file.Subimages[id.Subimage]
	if int(id.MipLevel) >= len(si.Levels) {
		return false
	}
	level := &si.Levels[id.MipLevel]

	format := si.Format
	if c.config.snapshot().Forcefloat {
		format = imageio.TypeFloat32
	}
	nch := int(id.ChEnd - id.ChBegin)
	pixelSize := nch * format.BytesPerSample()
	size := level.TileWidth * level.TileHeight * maxInt(level.TileDepth, 1) * pixelSize

	var ok bool
	switch {
	case si.Unmipped && id.MipLevel > 0:
		ok = c.readTileAutoMip(t, rec, file, si, level, format, size)
	case si.Untiled:
		ok = c.readTileAutoTile(t, rec, file, si, level, format, size)
	default:
		ok = c.readTileDirect(rec, file, level, format, size)
	}

	if ok {
		file.TilesRead.Add(1)
		file.BytesRead.Add(int64(size))
		tx := (int(id.X) - level.Spec.X) / maxInt(level.TileWidth, 1)
		ty := (int(id.Y) - level.Spec.Y) / maxInt(level.TileHeight, 1)
		if level.markTileRead(tx, ty, 0) {
			file.RedundantTiles.Add(1)
			file.RedundantBytes.Add(int64(size))
		}
		if id.ColorTransform != 0 && c.color != nil {
			if err := c.color.Convert(rec.Pixels[:size], format, nch, "linear", colorSpaceForTransform(id.ColorTransform)); err != nil {
				c.pushError(t, newError(KindColorConvertFailed, file.Filename, "%v", err))
			}
		}
	} else {
		file.markBroken(fmt.Sprintf("read_tile failed for subimage %d mip %d tile (%d,%d,%d)", id.Subimage, id.MipLevel, id.X, id.Y, id.Z))
		file.ErrorsIssued.Add(1)
		c.pushError(t, newError(KindIOFailure, file.Filename, "tile (%d,%d,%d) subimage %d mip %d", id.X, id.Y, id.Z, id.Subimage, id.MipLevel))
	}
	return ok
}

// colorSpaceForTransform maps a small integer transform id to a named
// colorspace understood by the color pipeline. 0 means "no conversion"
// and never reaches here.
func colorSpaceForTransform(id int32) string {
	switch id {
	case 1:
		return "srgb"
	case 2:
		return "terrarium"
	default:
		return "linear"
	}
}

func (c *Coordinator) readTileDirect(rec *TileRecord, file *FileRecord, level *LevelInfo, format imageio.PixelType, size int) bool {
	input, err := c.files.open(file)
	if err != nil {
		return false
	}
	rec.allocPixels(size)

	retries := maxInt(c.config.snapshot().FailureRetries, 1)
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		lastErr = input.ReadTile(int(rec.ID.Subimage), int(rec.ID.MipLevel), int(rec.ID.X), int(rec.ID.Y), int(rec.ID.Z),
			int(rec.ID.ChBegin), int(rec.ID.ChEnd), format, rec.Pixels[:size])
		if lastErr == nil {
			return true
		}
		if attempt+1 < retries {
			time.Sleep(100 * time.Millisecond)
		}
	}
	_ = lastErr
	return false
}

// readTileAutoTile implements the untiled-file branch of §4.D.5: read one
// full scanline row, split it into tile-sized chunks, and offer the
// neighboring chunks to the TileCache so one codec read amortizes across
// an entire tile row.
func (c *Coordinator) readTileAutoTile(t *PerThreadInfo, rec *TileRecord, file *FileRecord, si *SubimageInfo, level *LevelInfo, format imageio.PixelType, size int) bool {
	id := rec.ID
	nch := int(id.ChEnd - id.ChBegin)
	pixelSize := nch * format.BytesPerSample()

	if !si.Autotiled {
		input, err := c.files.open(file)
		if err != nil {
			return false
		}
		rec.allocPixels(size)
		if err := input.ReadImage(int(id.Subimage), int(id.MipLevel), int(id.ChBegin), int(id.ChEnd), format, rec.Pixels[:size], 0, 0, 0); err != nil {
			return false
		}
		if len(file.Subimages) == 1 {
			c.files.close(file)
		}
		return true
	}

	input, err := c.files.open(file)
	if err != nil {
		return false
	}

	rowY := level.Spec.Y + (int(id.Y)-level.Spec.Y)/level.TileHeight*level.TileHeight
	rowHeight := minInt(level.TileHeight, level.Spec.Y+level.Spec.Height-rowY)
	rowWidth := level.Spec.Width
	scratch := make([]byte, rowWidth*rowHeight*pixelSize)
	if err := input.ReadScanlines(int(id.Subimage), int(id.MipLevel), rowY, rowY+rowHeight, int(id.Z),
		int(id.ChBegin), int(id.ChEnd), format, scratch, 0, 0); err != nil {
		return false
	}

	for tx := 0; tx < level.TilesX; tx++ {
		tileX := level.Spec.X + tx*level.TileWidth
		tileW := minInt(level.TileWidth, level.Spec.X+level.Spec.Width-tileX)
		neighborID := id
		neighborID.X = int32(tileX)
		neighborID.Y = int32(rowY)

		buf := make([]byte, level.TileWidth*level.TileHeight*pixelSize)
		for row := 0; row < rowHeight; row++ {
			srcOff := (row*rowWidth + (tileX - level.Spec.X)) * pixelSize
			dstOff := row * level.TileWidth * pixelSize
			copy(buf[dstOff:dstOff+tileW*pixelSize], scratch[srcOff:srcOff+tileW*pixelSize])
		}

		if neighborID == id {
			rec.adoptExternal(buf)
			continue
		}
		neighborRec := newEmptyTileRecord(neighborID)
		neighborRec.adoptExternal(buf)
		stored, won := c.tiles.insertOrRetrieve(neighborID, neighborRec)
		if won {
			stored.markReady(true)
			c.tiles.incrMem(stored.memBytes)
		}
		// lost: our scratch copy for that neighbor is simply dropped.
	}
	return true
}

// readTileAutoMip fabricates a MIP level by bilinearly downsampling the
// next-finer level, recursively calling get_pixels (which may re-enter
// the tile cache). The microcache's two tile slots are saved/restored
// around the recursion per §9.
func (c *Coordinator) readTileAutoMip(t *PerThreadInfo, rec *TileRecord, file *FileRecord, si *SubimageInfo, level *LevelInfo, format imageio.PixelType, size int) bool {
	id := rec.ID
	nch := int(id.ChEnd - id.ChBegin)
	pixelSize := nch * format.BytesPerSample()

	finer := &si.Levels[id.MipLevel-1]
	sx0 := float64(finer.Spec.Width) / float64(level.Spec.Width)
	sy0 := float64(finer.Spec.Height) / float64(level.Spec.Height)

	x0 := int(id.X)
	y0 := int(id.Y)
	srcX0 := int(float64(x0-level.Spec.X) * sx0)
	srcY0 := int(float64(y0-level.Spec.Y) * sy0)
	srcW := int(float64(level.TileWidth)*sx0) + 2
	srcH := int(float64(level.TileHeight)*sy0) + 2

	saveTile, saveLast := t.saveTileSlots()
	srcBuf := make([]byte, srcW*srcH*pixelSize)
	ok := c.getPixelsLocked(t, file, int(id.Subimage), int(id.MipLevel-1),
		finer.Spec.X+srcX0, finer.Spec.X+srcX0+srcW,
		finer.Spec.Y+srcY0, finer.Spec.Y+srcY0+srcH,
		0, 1, int(id.ChBegin), int(id.ChEnd), format, srcBuf, 0, 0, 0)
	t.restoreTileSlots(saveTile, saveLast)
	if !ok {
		return false
	}

	rec.allocPixels(size)
	bilinearDownsample(srcBuf, srcW, srcH, rec.Pixels, level.TileWidth, level.TileHeight, pixelSize, nch, format)
	return true
}

func bilinearDownsample(src []byte, sw, sh int, dst []byte, dw, dh, pixelSize, nch int, format imageio.PixelType) {
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return
	}
	for dy := 0; dy < dh; dy++ {
		fy := (float64(dy) + 0.5) * float64(sh) / float64(dh)
		sy := int(fy)
		ty := fy - float64(sy)
		sy1 := minInt(sy+1, sh-1)
		sy = minInt(sy, sh-1)
		for dx := 0; dx < dw; dx++ {
			fx := (float64(dx) + 0.5) * float64(sw) / float64(dw)
			sx := int(fx)
			tx := fx - float64(sx)
			sx1 := minInt(sx+1, sw-1)
			sx = minInt(sx, sw-1)

			dstOff := (dy*dw + dx) * pixelSize
			for ch := 0; ch < nch; ch++ {
				stride := format.BytesPerSample()
				v00 := readChannel(src, (sy*sw+sx)*pixelSize+ch*stride, format)
				v10 := readChannel(src, (sy*sw+sx1)*pixelSize+ch*stride, format)
				v01 := readChannel(src, (sy1*sw+sx)*pixelSize+ch*stride, format)
				v11 := readChannel(src, (sy1*sw+sx1)*pixelSize+ch*stride, format)
				top := v00 + (v10-v00)*tx
				bot := v01 + (v11-v01)*tx
				v := top + (bot-top)*ty
				writeChannel(dst, dstOff+ch*stride, format, v)
			}
		}
	}
}

// --- §4.D.6 get_pixels ---

// GetPixels is the public hot-read path.
func (c *Coordinator) GetPixels(t *PerThreadInfo, h FileHandle, subimage, mip int,
	xbegin, xend, ybegin, yend, zbegin, zend, chbegin, chend int,
	typ imageio.PixelType, out []byte, xstride, ystride, zstride int) bool {

	if h.isZero() {
		c.pushError(t, newError(KindFileNotFound, "", "nil file handle"))
		return false
	}
	return c.getPixelsLocked(t, h.rec.canonical(), subimage, mip, xbegin, xend, ybegin, yend, zbegin, zend,
		chbegin, chend, typ, out, xstride, ystride, zstride)
}

func (c *Coordinator) getPixelsLocked(t *PerThreadInfo, file *FileRecord, subimage, mip int,
	xbegin, xend, ybegin, yend, zbegin, zend, chbegin, chend int,
	typ imageio.PixelType, out []byte, xstride, ystride, zstride int) bool {

	file = c.verifyFile(file, false)
	if file.isBroken() {
		c.pushError(t, newError(KindBroken, file.Filename, "%s", file.brokenMessage()))
		zeroFillAll(out, xbegin, xend, ybegin, yend, zbegin, zend, chend-chbegin, typ)
		return false
	}
	if subimage < 0 || subimage >= len(file.Subimages) {
		c.pushError(t, newError(KindUnknownSubimage, file.Filename, "subimage %d", subimage))
		return false
	}
	si := &file.Subimages[subimage]
	if mip < 0 || mip >= len(si.Levels) {
		c.pushError(t, newError(KindUnknownMipLevel, file.Filename, "mip %d", mip))
		return false
	}
	if mip < si.MinMipLevel {
		mip = si.MinMipLevel
	}
	level := &si.Levels[mip]

	nch := chend - chbegin
	if nch <= 0 || xend <= xbegin || yend <= ybegin || zend <= zbegin {
		return true // zero-sized rect: write nothing, allocate no tiles (invariant 7)
	}

	pixelSize := nch * typ.BytesPerSample()
	if xstride <= 0 {
		xstride = pixelSize
	}
	rowWidth := xend - xbegin
	if ystride <= 0 {
		ystride = rowWidth * xstride
	}
	if zstride <= 0 {
		zstride = (yend - ybegin) * ystride
	}

	tw := maxInt(level.TileWidth, 1)
	th := maxInt(level.TileHeight, 1)
	td := maxInt(level.TileDepth, 1)

	ok := true
	for z := zbegin; z < zend; z++ {
		if z < level.Spec.Z || z >= level.Spec.Z+maxInt(level.Spec.Depth, 1) {
			zeroFillPlane(out, z, zbegin, zstride, xbegin, xend, ybegin, yend, xstride, ystride, pixelSize)
			continue
		}
		prevTX, prevTY, prevTZ := minInt32, minInt32, minInt32
		var curValid bool
		for y := ybegin; y < yend; y++ {
			x := xbegin
			for x < xend {
				if x < level.Spec.X || x >= level.Spec.X+level.Spec.Width ||
					y < level.Spec.Y || y >= level.Spec.Y+level.Spec.Height {
					writeZeroPixel(out, x, y, z, xbegin, ybegin, zbegin, xstride, ystride, zstride, pixelSize)
					x++
					continue
				}
				tx := level.Spec.X + (x-level.Spec.X)/tw*tw
				ty := level.Spec.Y + (y-level.Spec.Y)/th*th
				tz := level.Spec.Z + (z-level.Spec.Z)/td*td

				if tx != prevTX || ty != prevTY || tz != prevTZ {
					id := TileID{File: file, Subimage: int32(subimage), MipLevel: int32(mip),
						X: int32(tx), Y: int32(ty), Z: int32(tz), ChBegin: int32(chbegin), ChEnd: int32(chend)}
					curValid = c.findTile(t, id, true)
					prevTX, prevTY, prevTZ = tx, ty, tz
					if !curValid {
						ok = false
					}
				}

				spanEnd := minInt(tx+tw, level.Spec.X+level.Spec.Width)
				spanEnd = minInt(spanEnd, xend)
				if curValid && t.tile != nil {
					copyTileSpan(t.tile.Pixels, level, tx, ty, x, y, spanEnd-x, pixelSize,
						out, x, y, z, xbegin, ybegin, zbegin, xstride, ystride, zstride)
				} else {
					for xx := x; xx < spanEnd; xx++ {
						writeZeroPixel(out, xx, y, z, xbegin, ybegin, zbegin, xstride, ystride, zstride, pixelSize)
					}
				}
				x = spanEnd
			}
		}
	}
	return ok
}

const minInt32 = -1 << 31

// --- §4.D.7 get_imagespec / get_image_info / get_thumbnail ---

func (c *Coordinator) GetImageSpec(h FileHandle, subimage int) (imageio.ImageSpec, bool) {
	if h.isZero() {
		return imageio.ImageSpec{}, false
	}
	rec := h.rec
	if rec.isVirtualUDIM() {
		return c.udimImageInfo(rec, subimage)
	}
	rec = c.verifyFile(rec, false)
	if rec.isBroken() || subimage < 0 || subimage >= len(rec.Subimages) {
		return imageio.ImageSpec{}, false
	}
	return rec.Subimages[subimage].Levels[0].Spec, true
}

// GetImageInfo answers metadata queries, including the "exists" special
// case from §4.D.7.
func (c *Coordinator) GetImageInfo(h FileHandle, subimage, mip int, name string) (string, bool) {
	if h.isZero() {
		if name == "exists" {
			return "0", true
		}
		return "", false
	}
	if name == "exists" {
		rec := c.verifyFile(h.rec, true)
		if rec.isVirtualUDIM() {
			any := false
			for i := range rec.UDIM.Slots {
				if rec.UDIM.Slots[i].Filename != "" {
					any = true
					break
				}
			}
			if any {
				return "1", true
			}
			return "0", true
		}
		if rec.isBroken() {
			return "0", true
		}
		return "1", true
	}

	if h.rec.isVirtualUDIM() {
		val, ok := c.udimMetadataAgree(h.rec, name)
		return val, ok
	}
	rec := c.verifyFile(h.rec, false)
	if rec.isBroken() || subimage < 0 || subimage >= len(rec.Subimages) || mip < 0 || mip >= len(rec.Subimages[subimage].Levels) {
		return "", false
	}
	return rec.Subimages[subimage].Levels[mip].Spec.GetAttribute(name)
}

func (c *Coordinator) udimImageInfo(rec *FileRecord, subimage int) (imageio.ImageSpec, bool) {
	var first imageio.ImageSpec
	got := false
	for i := range rec.UDIM.Slots {
		slot := &rec.UDIM.Slots[i]
		if slot.Filename == "" {
			continue
		}
		sub := c.files.resolveUDIM(rec, i%rec.UDIM.UTiles, i/rec.UDIM.UTiles)
		if sub == nil {
			continue
		}
		sub = c.verifyFile(sub, false)
		if sub.isBroken() || subimage >= len(sub.Subimages) {
			continue
		}
		spec := sub.Subimages[subimage].Levels[0].Spec
		if !got {
			first, got = spec, true
			continue
		}
		if spec.Width != first.Width || spec.Height != first.Height || spec.NChannels != first.NChannels {
			return imageio.ImageSpec{}, false
		}
	}
	return first, got
}

func (c *Coordinator) udimMetadataAgree(rec *FileRecord, name string) (string, bool) {
	var val string
	got := false
	for i := range rec.UDIM.Slots {
		slot := &rec.UDIM.Slots[i]
		if slot.Filename == "" {
			continue
		}
		sub := c.files.resolveUDIM(rec, i%rec.UDIM.UTiles, i/rec.UDIM.UTiles)
		if sub == nil {
			continue
		}
		sub = c.verifyFile(sub, false)
		if sub.isBroken() || len(sub.Subimages) == 0 {
			continue
		}
		v, ok := sub.Subimages[0].Levels[0].Spec.GetAttribute(name)
		if !ok {
			return "", false
		}
		if !got {
			val, got = v, true
		} else if v != val {
			return "", false
		}
	}
	return val, got
}

func (c *Coordinator) GetThumbnail(t *PerThreadInfo, h FileHandle, subimage int) (imageio.ImageSpec, []byte, bool) {
	if h.isZero() {
		return imageio.ImageSpec{}, nil, false
	}
	rec := c.verifyFile(h.rec, false)
	if rec.isBroken() {
		return imageio.ImageSpec{}, nil, false
	}
	input, err := c.files.open(rec)
	if err != nil {
		return imageio.ImageSpec{}, nil, false
	}
	return input.GetThumbnail(subimage)
}

// ResolveUDIM exposes §4.B.1's resolve_udim for direct callers/tests.
func (c *Coordinator) ResolveUDIM(h FileHandle, u, v int) FileHandle {
	if h.isZero() || !h.rec.isVirtualUDIM() {
		return FileHandle{}
	}
	return FileHandle{rec: c.files.resolveUDIM(h.rec, u, v)}
}

// --- §4.D.8 add_file / add_tile ---

func (c *Coordinator) AddFile(t *PerThreadInfo, filename string, creator imageio.Creator, config map[string]string, replace bool) FileHandle {
	rec := c.findFile(t, filename, creator, config, replace)
	rec = c.verifyFile(rec, false)
	if rec.isBroken() {
		c.log.Warn("imagecache: add_file produced a broken record", zap.String("filename", filename), zap.String("reason", rec.brokenMessage()))
	}
	return FileHandle{rec: rec}
}

// AddTile inserts a pre-decoded tile, bypassing the codec entirely. When
// copy is true, buf is memcpy'd into a pooled buffer; when false, buf is
// adopted as an externally owned, non-freeing pointer (spec invariant 9).
func (c *Coordinator) AddTile(h FileHandle, subimage, mip, x, y, z, chbegin, chend int, typ imageio.PixelType, buf []byte, copy_ bool) TileHandle {
	if h.isZero() {
		return TileHandle{}
	}
	id := TileID{File: h.rec, Subimage: int32(subimage), MipLevel: int32(mip),
		X: int32(x), Y: int32(y), Z: int32(z), ChBegin: int32(chbegin), ChEnd: int32(chend)}
	rec := newEmptyTileRecord(id)
	if copy_ {
		rec.allocPixels(len(buf))
		copy(rec.Pixels, buf)
	} else {
		rec.adoptExternal(buf)
	}
	rec.markReady(true)
	stored, won := c.tiles.insertOrRetrieve(id, rec)
	if won {
		c.tiles.incrMem(stored.memBytes)
	}
	return TileHandle{rec: stored, id: id}
}

func (c *Coordinator) GetTile(t *PerThreadInfo, h FileHandle, subimage, mip, x, y, z, chbegin, chend int) TileHandle {
	if h.isZero() {
		return TileHandle{}
	}
	id := TileID{File: h.rec.canonical(), Subimage: int32(subimage), MipLevel: int32(mip),
		X: int32(x), Y: int32(y), Z: int32(z), ChBegin: int32(chbegin), ChEnd: int32(chend)}
	if !c.findTile(t, id, true) {
		return TileHandle{}
	}
	return TileHandle{rec: t.tile, id: id}
}

func (c *Coordinator) ReleaseTile(TileHandle) {
	// No refcounting needed: TileRecord lifetime is owned by the TileCache
	// and kept alive for the caller by the reference in TileHandle itself
	// until it's dropped by the garbage collector.
}

func (c *Coordinator) TilePixels(h TileHandle) ([]byte, imageio.PixelType) {
	if h.isZero() {
		return nil, imageio.TypeUnknown
	}
	format := imageio.TypeUnknown
	if h.id.File != nil && int(h.id.Subimage) < len(h.id.File.Subimages) {
		format = h.id.File.Subimages[h.id.Subimage].Format
	}
	return h.rec.Pixels, format
}

func (c *Coordinator) TileROI(h TileHandle) (x, y, z, w, h2, d int) {
	if h.isZero() {
		return
	}
	file := h.id.File
	if file == nil || int(h.id.Subimage) >= len(file.Subimages) || int(h.id.MipLevel) >= len(file.Subimages[h.id.Subimage].Levels) {
		return int(h.id.X), int(h.id.Y), int(h.id.Z), 0, 0, 0
	}
	level := file.Subimages[h.id.Subimage].Levels[h.id.MipLevel]
	return int(h.id.X), int(h.id.Y), int(h.id.Z), level.TileWidth, level.TileHeight, maxInt(level.TileDepth, 1)
}

// --- invalidate / close ---

func (c *Coordinator) Invalidate(h FileHandle, force bool) {
	if h.isZero() {
		return
	}
	c.files.invalidate(h.rec, force, c.tiles)
	c.perThread.broadcastPurge()
}

func (c *Coordinator) InvalidateAll(force bool) {
	c.files.invalidateAll(force, c.tiles)
	c.perThread.broadcastPurge()
}

func (c *Coordinator) Close(h FileHandle) {
	if !h.isZero() {
		c.files.close(h.rec)
	}
}

// CloseAll drops every open handle, one goroutine per shard (shards don't
// share locks, so this parallelizes for free on a registry with many open
// files).
func (c *Coordinator) CloseAll() {
	g, _ := errgroup.WithContext(context.Background())
	for _, s := range c.files.shards {
		s := s
		g.Go(func() error {
			s.mu.RLock()
			recs := make([]*FileRecord, 0, len(s.m))
			for _, rec := range s.m {
				recs = append(recs, rec)
			}
			s.mu.RUnlock()
			for _, rec := range recs {
				c.files.close(rec)
			}
			return nil
		})
	}
	g.Wait()
	c.log.Debug("imagecache: closed all open file handles")
}

// --- pixel copy / zero-fill helpers for get_pixels ---

func copyTileSpan(tilePixels []byte, level *LevelInfo, tileX, tileY, x, y, n, pixelSize int,
	out []byte, outX, outY, outZ, xbegin, ybegin, zbegin, xstride, ystride, zstride int) {
	if tilePixels == nil {
		for i := 0; i < n; i++ {
			writeZeroPixel(out, outX+i, outY, outZ, xbegin, ybegin, zbegin, xstride, ystride, zstride, pixelSize)
		}
		return
	}
	localX := x - tileX
	localY := y - tileY
	tw := maxInt(level.TileWidth, 1)
	srcOff := (localY*tw + localX) * pixelSize
	for i := 0; i < n; i++ {
		dstOff := (outX+i-xbegin)*xstride + (outY-ybegin)*ystride + (outZ-zbegin)*zstride
		so := srcOff + i*pixelSize
		if so+pixelSize <= len(tilePixels) && dstOff+pixelSize <= len(out) {
			copy(out[dstOff:dstOff+pixelSize], tilePixels[so:so+pixelSize])
		}
	}
}

func writeZeroPixel(out []byte, x, y, z, xbegin, ybegin, zbegin, xstride, ystride, zstride, pixelSize int) {
	off := (x-xbegin)*xstride + (y-ybegin)*ystride + (z-zbegin)*zstride
	if off >= 0 && off+pixelSize <= len(out) {
		for i := 0; i < pixelSize; i++ {
			out[off+i] = 0
		}
	}
}

func zeroFillPlane(out []byte, z, zbegin, zstride, xbegin, xend, ybegin, yend, xstride, ystride, pixelSize int) {
	for y := ybegin; y < yend; y++ {
		for x := xbegin; x < xend; x++ {
			writeZeroPixel(out, x, y, z, xbegin, ybegin, zbegin, xstride, ystride, zstride, pixelSize)
		}
	}
}

func zeroFillAll(out []byte, xbegin, xend, ybegin, yend, zbegin, zend, nch int, typ imageio.PixelType) {
	pixelSize := nch * typ.BytesPerSample()
	rowWidth := xend - xbegin
	xstride := pixelSize
	ystride := rowWidth * xstride
	zstride := (yend - ybegin) * ystride
	for z := zbegin; z < zend; z++ {
		zeroFillPlane(out, z, zbegin, zstride, xbegin, xend, ybegin, yend, xstride, ystride, pixelSize)
	}
}

func readChannel(buf []byte, off int, typ imageio.PixelType) float64 {
	if off < 0 || off+typ.BytesPerSample() > len(buf) {
		return 0
	}
	switch typ {
	case imageio.TypeUint8:
		return float64(buf[off])
	case imageio.TypeUint16:
		return float64(uint16(buf[off]) | uint16(buf[off+1])<<8)
	case imageio.TypeFloat32:
		bits := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		return float64(math.Float32frombits(bits))
	default:
		return 0
	}
}

func writeChannel(buf []byte, off int, typ imageio.PixelType, v float64) {
	if off < 0 || off+typ.BytesPerSample() > len(buf) {
		return
	}
	switch typ {
	case imageio.TypeUint8:
		buf[off] = byte(clampF(v, 0, 255))
	case imageio.TypeUint16:
		u := uint16(clampF(v, 0, 65535))
		buf[off] = byte(u)
		buf[off+1] = byte(u >> 8)
	case imageio.TypeFloat32:
		bits := math.Float32bits(float32(v))
		buf[off] = byte(bits)
		buf[off+1] = byte(bits >> 8)
		buf[off+2] = byte(bits >> 16)
		buf[off+3] = byte(bits >> 24)
	}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
