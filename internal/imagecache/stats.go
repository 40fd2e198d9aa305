package imagecache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics is the Prometheus surface backing the statistics table in
// spec §6 ("Statistics surface"). Registered lazily per Coordinator so
// tests can spin up multiple coordinators without colliding on the
// default registry.
type cacheMetrics struct {
	registry *prometheus.Registry

	bytesUsed      prometheus.GaugeFunc
	tilesCurrent   prometheus.GaugeFunc
	tilesCreated   prometheus.CounterFunc
	filesOpen      prometheus.GaugeFunc
	findTileCalls  prometheus.Counter
	microcacheMiss prometheus.Counter
	cacheMiss      prometheus.Counter
	bytesReadTotal prometheus.Counter
	ioSeconds      prometheus.Counter
}

func newCacheMetrics(tc *TileCache, fr *FileRegistry) *cacheMetrics {
	reg := prometheus.NewRegistry()
	m := &cacheMetrics{registry: reg}

	m.bytesUsed = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "imagecache_bytes_used", Help: "Bytes currently held by cached tiles.",
	}, func() float64 { b, _, _, _, _ := tc.stats(); return float64(b) })

	m.tilesCurrent = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "imagecache_tiles_current", Help: "Tiles currently resident in the cache.",
	}, func() float64 { _, _, c, _, _ := tc.stats(); return float64(c) })

	m.tilesCreated = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "imagecache_tiles_created_total", Help: "Tiles ever inserted into the cache.",
	}, func() float64 { _, _, _, _, c := tc.stats(); return float64(c) })

	m.filesOpen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "imagecache_files_open", Help: "Codec handles currently open.",
	}, func() float64 { return float64(fr.currentlyOpenCount()) })

	m.findTileCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_find_tile_calls_total", Help: "Calls to find_tile across all threads.",
	})
	m.microcacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_microcache_misses_total", Help: "find_tile calls that missed the per-thread microcache.",
	})
	m.cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_cache_misses_total", Help: "find_tile calls that missed the shared TileCache entirely.",
	})
	m.bytesReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_bytes_read_total", Help: "Bytes read from codecs.",
	})
	m.ioSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imagecache_io_seconds_total", Help: "Seconds spent inside codec read calls.",
	})

	reg.MustRegister(m.bytesUsed, m.tilesCurrent, m.tilesCreated, m.filesOpen,
		m.findTileCalls, m.microcacheMiss, m.cacheMiss, m.bytesReadTotal, m.ioSeconds)
	return m
}

// perThreadRegistry tracks every live PerThreadInfo so invalidate_all can
// broadcast a purge and stats can be merged (§4.D.1). It's the one piece
// of truly shared, rarely-touched state in the per-thread design.
type perThreadRegistry struct {
	mu    sync.Mutex
	infos []*PerThreadInfo
}

func (p *perThreadRegistry) add(t *PerThreadInfo) {
	p.mu.Lock()
	p.infos = append(p.infos, t)
	p.mu.Unlock()
}

func (p *perThreadRegistry) remove(t *PerThreadInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, x := range p.infos {
		if x == t {
			p.infos = append(p.infos[:i], p.infos[i+1:]...)
			return
		}
	}
}

func (p *perThreadRegistry) broadcastPurge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.infos {
		t.purge.Store(true)
	}
}

func (p *perThreadRegistry) mergedStats() (findTile, microcacheMiss, cacheMiss int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.infos {
		findTile += t.statsFindTile
		microcacheMiss += t.statsMicrocacheMiss
		cacheMiss += t.statsCacheMiss
	}
	return
}

// fileStatsRow is one line of the per-file table in a getstats(level) report.
type fileStatsRow struct {
	filename   string
	bytesRead  int64
	ioSeconds  float64
	tilesRead  int64
	redundant  int64
}

// getStats renders the human-readable report from spec §6. level 0 is a
// short summary block (memory, tiles, open files, find_tile counts);
// level >= 1 adds two per-file tables, one sorted by bytes read and one
// sorted by I/O time.
func (c *Coordinator) getStats(level int) string {
	var b strings.Builder
	bytesUsed, maxBytes, tilesCurrent, tilesPeak, tilesCreated := c.tiles.stats()
	findTile, microcacheMiss, cacheMiss := c.perThread.mergedStats()

	fmt.Fprintf(&b, "imagecache statistics\n")
	fmt.Fprintf(&b, "  Cache memory: %s used / %s budget\n", humanize.IBytes(uint64(maxInt64(bytesUsed, 0))), humanize.IBytes(uint64(maxInt64(maxBytes, 0))))
	fmt.Fprintf(&b, "  Tiles: %d current, %d peak, %d created\n", tilesCurrent, tilesPeak, tilesCreated)
	fmt.Fprintf(&b, "  Open files: %d current (limit %d)\n", c.files.currentlyOpenCount(), c.config.snapshot().MaxOpenFiles)
	fmt.Fprintf(&b, "  find_tile calls: %d (microcache misses %d, cache misses %d)\n", findTile, microcacheMiss, cacheMiss)

	if level < 1 {
		return b.String()
	}

	rows := c.collectFileStatsRows()
	sort.Slice(rows, func(i, j int) bool { return rows[i].bytesRead > rows[j].bytesRead })
	fmt.Fprintf(&b, "  Per-file (by bytes read):\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "    %-40s %10s  tiles=%-6d redundant=%-6d io=%.3fs\n",
			row.filename, humanize.IBytes(uint64(maxInt64(row.bytesRead, 0))), row.tilesRead, row.redundant, row.ioSeconds)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ioSeconds > rows[j].ioSeconds })
	fmt.Fprintf(&b, "  Per-file (by I/O time):\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "    %-40s %.3fs\n", row.filename, row.ioSeconds)
	}

	return b.String()
}

func (c *Coordinator) collectFileStatsRows() []fileStatsRow {
	var rows []fileStatsRow
	for _, s := range c.files.shards {
		s.mu.RLock()
		for name, rec := range s.m {
			rows = append(rows, fileStatsRow{
				filename:  name,
				bytesRead: rec.BytesRead.Load(),
				ioSeconds: time.Duration(rec.IOSeconds.Load()).Seconds(),
				tilesRead: rec.TilesRead.Load(),
				redundant: rec.RedundantTiles.Load(),
			})
		}
		s.mu.RUnlock()
	}
	return rows
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
