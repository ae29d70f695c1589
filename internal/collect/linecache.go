package collect

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// LineCache remembers which lines of each script are coverable, so repeated
// collections against a long-lived VM can tell the service which libraries
// are already compiled. It supports persistence to JSON for reuse across
// tool invocations. Concurrent collection passes sharing one cache must be
// serialized by the caller; the mutex only guards individual operations.
type LineCache struct {
	mu    sync.RWMutex
	lines map[string]map[int]struct{}
}

// NewLineCache creates an empty cache.
func NewLineCache() *LineCache {
	return &LineCache{lines: make(map[string]map[int]struct{})}
}

// LoadLineCache reads a cache from path. A missing file yields an empty
// cache.
func LoadLineCache(path string) (*LineCache, error) {
	cache := NewLineCache()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cache, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read line cache: %w", err)
	}
	var flat map[string][]int
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("failed to parse line cache: %w", err)
	}
	for uri, lines := range flat {
		cache.Add(uri, lines...)
	}
	return cache, nil
}

// Save writes the cache to path as JSON with sorted lines.
func (c *LineCache) Save(path string) error {
	c.mu.RLock()
	flat := make(map[string][]int, len(c.lines))
	for uri := range c.lines {
		flat[uri] = c.linesLocked(uri)
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(flat, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal line cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write line cache: %w", err)
	}
	return nil
}

// Add records coverable lines for a script. Adding a script with no lines
// still registers the script as compiled.
func (c *LineCache) Add(uri string, lines ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.lines[uri]
	if !ok {
		set = make(map[int]struct{})
		c.lines[uri] = set
	}
	for _, line := range lines {
		set[line] = struct{}{}
	}
}

// Keys returns the cached script URIs, sorted.
func (c *LineCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.lines))
	for uri := range c.lines {
		keys = append(keys, uri)
	}
	sort.Strings(keys)
	return keys
}

// Lines returns the cached coverable lines for a script, sorted. Nil when
// the script is unknown.
func (c *LineCache) Lines(uri string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.linesLocked(uri)
}

func (c *LineCache) linesLocked(uri string) []int {
	set, ok := c.lines[uri]
	if !ok {
		return nil
	}
	lines := make([]int, 0, len(set))
	for line := range set {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return lines
}
