package sysinfo

import (
	"log"
	"runtime"
)

// DefaultMemoryPressurePercent is the default fraction of total RAM the
// cache will use for max_memory_bytes when the caller doesn't set one
// explicitly. 0.90 = 90%.
const DefaultMemoryPressurePercent = 0.90

// ComputeMemoryLimit returns a reasonable default for max_memory_bytes: a
// fraction (e.g. 0.90 for 90%) of total system RAM, less headroom for the
// Go runtime and everything else sharing the process.
//
// Returns 0 if RAM detection fails or the computed limit is unreasonably
// small; callers should fall back to a fixed default in that case.
func ComputeMemoryLimit(fraction float64, verbose bool) int64 {
	totalRAM, err := totalSystemRAM()
	if err != nil {
		if verbose {
			log.Printf("Cannot detect system RAM: %v; using fallback cache size", err)
		}
		return 0
	}

	if verbose {
		log.Printf("System RAM: %.1f GB", float64(totalRAM)/(1024*1024*1024))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	overhead := m.Sys + 2*1024*1024*1024 // current usage + 2 GB headroom

	limit := int64(float64(totalRAM)*fraction) - int64(overhead)
	if limit < 64*1024*1024 { // minimum 64 MB
		if verbose {
			log.Printf("Computed memory limit too small (%.0f MB); using fallback cache size",
				float64(limit)/(1024*1024))
		}
		return 0
	}

	if verbose {
		log.Printf("Tile cache memory limit: %.1f GB (%.0f%% of RAM minus %.1f GB overhead)",
			float64(limit)/(1024*1024*1024), fraction*100, float64(overhead)/(1024*1024*1024))
	}

	return limit
}
