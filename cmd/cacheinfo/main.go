// Command cacheinfo opens one or more image files through the tile cache
// and prints their subimage geometry plus the cache's own statistics
// dump, for spot-checking a codec or a cache configuration from the shell.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pspoerri/imagecache/internal/imagecache"

	_ "github.com/pspoerri/imagecache/internal/codec/cog"
	_ "github.com/pspoerri/imagecache/internal/codec/procedural"
)

func main() {
	var statsLevel int
	flag.IntVar(&statsLevel, "stats", 1, "getstats verbosity level (0-5)")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: cacheinfo [-stats N] file [file ...]")
		os.Exit(1)
	}

	cache := imagecache.New(imagecache.DefaultConfig(), nil, nil)
	t := cache.CreateThreadInfo()
	defer cache.DestroyThreadInfo(t)

	status := 0
	for _, filename := range flag.Args() {
		if err := describe(cache, t, filename); err != nil {
			log.Printf("cacheinfo: %s: %v", filename, err)
			status = 1
		}
	}

	fmt.Println(cache.GetStats(statsLevel))
	os.Exit(status)
}

func describe(cache *imagecache.Coordinator, t *imagecache.PerThreadInfo, filename string) error {
	h := cache.GetImageHandle(t, filename)
	if !cache.Good(h) {
		return fmt.Errorf("%s", cache.GetError(t, true))
	}

	fmt.Printf("%s\n", filename)
	for sub := 0; ; sub++ {
		spec, ok := cache.GetImageSpec(h, sub)
		if !ok {
			break
		}
		fmt.Printf("  subimage %d: %dx%d, %d channel(s), %s, tile %dx%d\n",
			sub, spec.Width, spec.Height, spec.NChannels, spec.Format, spec.TileWidth, spec.TileHeight)
	}
	if thumbSpec, _, ok := cache.GetThumbnail(t, h, 0); ok {
		fmt.Printf("  thumbnail: %dx%d\n", thumbSpec.Width, thumbSpec.Height)
	}
	return nil
}
