package plume

import (
	"sort"
	"strings"
	"sync"
)

// NormalizePath reduces a service path to its canonical registry form:
// surrounding whitespace and leading/trailing slashes are stripped, interior
// segments are preserved. "/" and "" both normalize to "", the root path.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// JoinPath joins a mount prefix and a child path in normalized form.
func JoinPath(prefix, path string) string {
	prefix = NormalizePath(prefix)
	path = NormalizePath(path)
	switch {
	case prefix == "":
		return path
	case path == "":
		return prefix
	default:
		return prefix + "/" + path
	}
}

// PathRegistry maps normalized paths to wrapped services. Every lookup of
// any spelling variant of a registered path returns the identical
// *WrappedService instance. Safe for concurrent use.
type PathRegistry struct {
	mu       sync.RWMutex
	services map[string]*WrappedService
}

// NewPathRegistry returns an empty registry.
func NewPathRegistry() *PathRegistry {
	return &PathRegistry{services: make(map[string]*WrappedService)}
}

// Register binds a wrapped service to the normalized form of path, replacing
// any previous binding, and returns the normalized path.
func (r *PathRegistry) Register(path string, svc *WrappedService) string {
	norm := NormalizePath(path)
	r.mu.Lock()
	r.services[norm] = svc
	r.mu.Unlock()
	return norm
}

// Lookup resolves a path (in any spelling variant) to its wrapped service.
func (r *PathRegistry) Lookup(path string) (*WrappedService, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[NormalizePath(path)]
	return svc, ok
}

// Paths returns the registered normalized paths, sorted.
func (r *PathRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.services))
	for p := range r.services {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len reports the number of registered paths.
func (r *PathRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Range calls fn for each registered path over a point-in-time snapshot,
// stopping early when fn returns false.
func (r *PathRegistry) Range(fn func(path string, svc *WrappedService) bool) {
	r.mu.RLock()
	snapshot := make(map[string]*WrappedService, len(r.services))
	for p, s := range r.services {
		snapshot[p] = s
	}
	r.mu.RUnlock()

	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if !fn(p, snapshot[p]) {
			return
		}
	}
}
