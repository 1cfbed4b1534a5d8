// Package filecache persists the lowered code of compiled modules across processes.
package filecache

import (
	"crypto/sha256"
	"io"
)

// Cache is the interface for compilation caches. Regardless of the usage of Cache, the compiled functions are cached
// in memory, but their lifetime is bound to the lifetime of the Engine. Lowering is not free, so Cache lets the
// result outlive the process.
//
// Since these methods are concurrently accessed, the implementations must be Goroutine-safe.
type Cache interface {
	// Get returns the content added with the key, or ok=false with a nil error if there is none. content.Close is
	// called by the caller.
	//
	// Note: the returned content is not validated again, so implementations that share a cache between trust domains
	// might want to sign what is passed to Add.
	Get(key Key) (content io.ReadCloser, ok bool, err error)

	// Add stores content under key. The content must be returned as-is by Get.
	Add(key Key, content io.Reader) (err error)

	// Delete is called when the content returned by Get for key is no longer usable. For example, when it was
	// written by a different version of the engine.
	Delete(key Key) (err error)
}

// Key is the 256-bit identifier of cached content.
type Key = [sha256.Size]byte
