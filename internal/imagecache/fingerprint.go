package imagecache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// fingerprintTable maps a content-hash fingerprint string to the canonical
// FileRecord that owns it, used by verify() to coalesce byte-identical
// files onto one physical descriptor (§4.B duplicate coalescing). Grounded
// on the teacher's internal/pmtiles/writer.go dedup map (hash -> canonical
// entry), but since fingerprints here come from file metadata rather than
// content we hash ourselves, the table is small and long-lived, which
// fits patrickmn/go-cache's expiring-map shape well (we simply disable
// expiration: entries live exactly as long as their FileRecord is
// relevant, i.e. until invalidate()).
type fingerprintTable struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func newFingerprintTable() *fingerprintTable {
	return &fingerprintTable{c: gocache.New(gocache.NoExpiration, 10*time.Minute)}
}

// lookupOrStore returns the existing record for fingerprint if present;
// otherwise stores candidate under fingerprint and returns (candidate, false).
func (t *fingerprintTable) lookupOrStore(fingerprint string, candidate *FileRecord) (*FileRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.c.Get(fingerprint); ok {
		return v.(*FileRecord), true
	}
	t.c.Set(fingerprint, candidate, gocache.NoExpiration)
	return candidate, false
}

func (t *fingerprintTable) remove(fingerprint string) {
	if fingerprint == "" {
		return
	}
	t.mu.Lock()
	t.c.Delete(fingerprint)
	t.mu.Unlock()
}
