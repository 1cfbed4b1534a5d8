package wasmfuel

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"

	"github.com/wasmfuel/wasmfuel/internal/filecache"
	"github.com/wasmfuel/wasmfuel/internal/version"
)

// CompilationCache persists the lowered code of compiled modules, configured with
// EngineConfig.WithCompilationCache.
//
// Regardless of the usage of this, compiled modules are cached in memory, but their lifetime is bound to the Engine.
// A cache is only valid for use in one Engine at a time, and Engine.Close closes it.
type CompilationCache interface {
	// Close releases the underlying database.
	Close() error
}

// NewCompilationCache returns a cache persisted in the directory dir, which is created if it doesn't exist.
//
// Entries are only used by the same version of wasmfuel on the same platform: a version-specific directory is
// created under dir.
//
// Note: The embedder must safeguard this directory from external changes.
func NewCompilationCache(dir string) (CompilationCache, error) {
	return newCompilationCache(dir, version.GetVersion())
}

func newCompilationCache(dir string, wasmfuelVersion string) (*cache, error) {
	// Resolve a potentially relative directory into an absolute one.
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	// Ensure the user-supplied directory.
	if err = mkdir(dir); err != nil {
		return nil, err
	}

	// Create a version-specific directory to avoid conflicts.
	dirname := path.Join(dir, "wasmfuel-"+wasmfuelVersion+"-"+goruntime.GOARCH+"-"+goruntime.GOOS)
	if err = mkdir(dirname); err != nil {
		return nil, err
	}

	fc, err := filecache.New(dirname)
	if err != nil {
		return nil, err
	}
	return &cache{fileCache: fc}, nil
}

// NewInMemoryCompilationCache returns a cache that is lost when closed. This is mostly useful in tests.
func NewInMemoryCompilationCache() (CompilationCache, error) {
	fc, err := filecache.NewInMemory()
	if err != nil {
		return nil, err
	}
	return &cache{fileCache: fc}, nil
}

// cache implements CompilationCache interface.
type cache struct {
	fileCache *filecache.BadgerCache
}

// Close implements the same method on the CompilationCache interface.
func (c *cache) Close() error {
	return c.fileCache.Close()
}

func mkdir(dirname string) error {
	if st, err := os.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		// If the directory not found, create the cache dir.
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}
