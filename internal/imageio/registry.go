package imageio

import (
	"path/filepath"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Creator{}
)

// RegisterFormat associates a Creator with one or more file extensions
// (including the leading dot, e.g. ".tif"). Concrete codec packages call
// this from an init() so the cache can find_or_create a codec handle by
// filename alone when the caller didn't supply one explicitly
// (config's trust_file_extensions path).
func RegisterFormat(creator Creator, extensions ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, ext := range extensions {
		registry[strings.ToLower(ext)] = creator
	}
}

// CreatorForFile looks up a registered Creator by filename extension.
func CreatorForFile(filename string) (Creator, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[ext]
	return c, ok
}
