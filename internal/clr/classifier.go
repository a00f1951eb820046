package clr

import (
	"context"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultClassifierSize is the number of classification results kept by
// NewClassifier when given a non-positive size.
const DefaultClassifierSize = 4096

type classifyKey struct {
	path    string
	size    int64
	modTime int64
}

// Classifier memoises IsManagedBinaryContext results. Entries are keyed by
// path, size and modification time so a rewritten file is classified again.
type Classifier struct {
	cache *lru.Cache[classifyKey, bool]
}

// NewClassifier returns a Classifier holding at most size results.
func NewClassifier(size int) *Classifier {
	if size <= 0 {
		size = DefaultClassifierSize
	}
	cache, err := lru.New[classifyKey, bool](size)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &Classifier{cache: cache}
}

// IsManaged classifies path, consulting the cache first. Results obtained
// under a cancelled context are not cached.
func (c *Classifier) IsManaged(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	key := classifyKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if managed, ok := c.cache.Get(key); ok {
		return managed
	}

	managed := IsManagedBinaryContext(ctx, path)
	if ctx.Err() == nil {
		c.cache.Add(key, managed)
	}
	return managed
}

// Len returns the number of cached results.
func (c *Classifier) Len() int {
	return c.cache.Len()
}
