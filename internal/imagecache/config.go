package imagecache

import (
	"sync"

	"github.com/pspoerri/imagecache/internal/sysinfo"
)

// Config holds every tunable from spec §4.D.9. The hot path reads a copy
// taken by snapshot() under the read lock; SetAttribute (called by
// Coordinator.Attribute, which decides whether the change requires an
// invalidate_all) writes under the write lock. Fields set directly on a
// Config before it is passed to New bypass the lock.
type Config struct {
	mu sync.RWMutex

	MaxOpenFiles      int
	MaxOpenFilesStrict bool
	MaxMemoryBytes    int64

	Autotile     int
	Autoscanline bool
	Automip      bool

	Forcefloat bool

	AcceptUntiled  bool
	AcceptUnmipped bool

	Deduplicate bool

	FailureRetries int
	MaxMipRes      int

	SearchPath string

	TrustFileExtensions bool

	SubstituteImage string

	LatlongUp string // "y" or "z"
}

// DefaultConfig mirrors the defaults a texture system of this shape ships
// with: generous open-file/memory ceilings auto-sized from the host,
// autotile/automip on, untiled/unmipped files accepted.
func DefaultConfig() *Config {
	c := &Config{
		MaxOpenFiles:   256,
		MaxMemoryBytes: 256 << 20,
		Autotile:       64,
		Automip:        true,
		AcceptUntiled:  true,
		AcceptUnmipped: true,
		Deduplicate:    true,
		FailureRetries: 1,
		MaxMipRes:      1 << 30,
		LatlongUp:      "y",
	}
	if n := sysinfo.MaxOpenFiles(); n > 0 {
		c.MaxOpenFiles = n
	}
	if n := sysinfo.ComputeMemoryLimit(sysinfo.DefaultMemoryPressurePercent, false); n > 0 {
		c.MaxMemoryBytes = n
	}
	return c
}

func (c *Config) snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// attributeEffect tells the caller whether the change it just applied
// requires an invalidate_all per the table in spec §4.D.9.
type attributeEffect int

const (
	effectNone attributeEffect = iota
	effectInvalidateAll
)

// SetAttribute applies one named config change and reports whether it
// requires an invalidate_all.
func (c *Config) SetAttribute(name string, value interface{}) (attributeEffect, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case "max_open_files":
		n, ok := toInt(value)
		if !ok {
			return effectNone, false
		}
		c.MaxOpenFiles = n
		return effectNone, true
	case "max_open_files_strict":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.MaxOpenFilesStrict = b
		return effectNone, true
	case "max_memory_bytes", "max_memory_MB":
		n, ok := toInt64(value)
		if !ok {
			return effectNone, false
		}
		if name == "max_memory_MB" {
			n *= 1 << 20
		}
		c.MaxMemoryBytes = n
		return effectNone, true
	case "autotile":
		n, ok := toInt(value)
		if !ok {
			return effectNone, false
		}
		c.Autotile = nextPow2(n)
		return effectInvalidateAll, true
	case "autoscanline":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.Autoscanline = b
		return effectInvalidateAll, true
	case "automip":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.Automip = b
		return effectInvalidateAll, true
	case "forcefloat":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.Forcefloat = b
		return effectNone, true
	case "accept_untiled":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.AcceptUntiled = b
		return effectNone, true
	case "accept_unmipped":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.AcceptUnmipped = b
		return effectNone, true
	case "deduplicate":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.Deduplicate = b
		return effectNone, true
	case "failure_retries":
		n, ok := toInt(value)
		if !ok {
			return effectNone, false
		}
		c.FailureRetries = n
		return effectNone, true
	case "max_mip_res":
		n, ok := toInt(value)
		if !ok {
			return effectNone, false
		}
		c.MaxMipRes = n
		return effectNone, true
	case "searchpath":
		s, ok := value.(string)
		if !ok {
			return effectNone, false
		}
		c.SearchPath = s
		return effectNone, true
	case "trust_file_extensions":
		b, ok := value.(bool)
		if !ok {
			return effectNone, false
		}
		c.TrustFileExtensions = b
		return effectNone, true
	case "substitute_image":
		s, ok := value.(string)
		if !ok {
			return effectNone, false
		}
		c.SubstituteImage = s
		return effectNone, true
	case "latlong_up":
		s, ok := value.(string)
		if !ok {
			return effectNone, false
		}
		c.LatlongUp = s
		return effectNone, true
	}
	return effectNone, false
}

func (c *Config) GetAttribute(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch name {
	case "max_open_files":
		return c.MaxOpenFiles, true
	case "max_open_files_strict":
		return c.MaxOpenFilesStrict, true
	case "max_memory_bytes":
		return c.MaxMemoryBytes, true
	case "autotile":
		return c.Autotile, true
	case "autoscanline":
		return c.Autoscanline, true
	case "automip":
		return c.Automip, true
	case "forcefloat":
		return c.Forcefloat, true
	case "accept_untiled":
		return c.AcceptUntiled, true
	case "accept_unmipped":
		return c.AcceptUnmipped, true
	case "deduplicate":
		return c.Deduplicate, true
	case "failure_retries":
		return c.FailureRetries, true
	case "max_mip_res":
		return c.MaxMipRes, true
	case "searchpath":
		return c.SearchPath, true
	case "trust_file_extensions":
		return c.TrustFileExtensions, true
	case "substitute_image":
		return c.SubstituteImage, true
	case "latlong_up":
		return c.LatlongUp, true
	}
	return nil, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func nextPow2(n int) int {
	if n <= 1 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
