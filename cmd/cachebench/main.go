// Command cachebench drives concurrent get_pixels load against one file
// for a fixed duration, to exercise the cache's tile-sharding and
// clock-sweep eviction under contention and report a throughput number.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pspoerri/imagecache/internal/imagecache"

	_ "github.com/pspoerri/imagecache/internal/codec/cog"
	_ "github.com/pspoerri/imagecache/internal/codec/procedural"
)

func main() {
	var (
		concurrency  int
		duration     time.Duration
		maxMemory    int64
		maxOpenFiles int
		verbose      bool
	)
	flag.IntVar(&concurrency, "c", 8, "number of concurrent reader goroutines")
	flag.DurationVar(&duration, "d", 5*time.Second, "how long to run")
	flag.Int64Var(&maxMemory, "max-memory", 64<<20, "cache max_memory_bytes")
	flag.IntVar(&maxOpenFiles, "max-open-files", 32, "cache max_open_files")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: cachebench [-c N] [-d 5s] file")
		os.Exit(1)
	}
	filename := flag.Arg(0)

	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("cachebench: logger init: %v", err)
	}
	defer logger.Sync()

	cfg := imagecache.DefaultConfig()
	cfg.MaxMemoryBytes = maxMemory
	cfg.MaxOpenFiles = maxOpenFiles

	cache := imagecache.New(cfg, nil, logger)

	t := cache.CreateThreadInfo()
	h := cache.GetImageHandle(t, filename)
	if !cache.Good(h) {
		log.Fatalf("cachebench: %s: %s", filename, cache.GetError(t, true))
	}
	spec, ok := cache.GetImageSpec(h, 0)
	if !ok {
		log.Fatalf("cachebench: %s: no subimage 0", filename)
	}
	cache.DestroyThreadInfo(t)

	var reads, errs int64
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			wt := cache.CreateThreadInfo()
			defer cache.DestroyThreadInfo(wt)
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, spec.TileVoxels()*spec.PixelBytes())

			for {
				select {
				case <-stop:
					return
				default:
				}
				x := rng.Intn(maxInt(spec.Width-spec.TileWidth, 1))
				y := rng.Intn(maxInt(spec.Height-spec.TileHeight, 1))
				ok := cache.GetPixels(wt, h, 0, 0,
					x, x+spec.TileWidth, y, y+spec.TileHeight, 0, 1, 0, spec.NChannels,
					spec.Format, buf, 0, 0, 0)
				if ok {
					atomic.AddInt64(&reads, 1)
				} else {
					atomic.AddInt64(&errs, 1)
				}
			}
		}(int64(i) + 1)
	}

	time.Sleep(duration)
	close(stop)
	wg.Wait()

	total := atomic.LoadInt64(&reads)
	fmt.Printf("%d reads in %s (%.0f reads/sec), %d errors\n",
		total, duration, float64(total)/duration.Seconds(), atomic.LoadInt64(&errs))
	fmt.Println(cache.GetStats(1))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
