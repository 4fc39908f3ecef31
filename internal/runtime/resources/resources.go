// Package resources implements the read-only resource surface of the server:
// URI-addressed providers behind one paginated list/read contract. Providers
// register under a URI scheme; the store routes requests and paginates merged
// listings with a stable ordering so repeated pages over unchanged data are
// identical.
package resources

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/wire"
)

// Provider serves the resources of one URI scheme.
type Provider interface {
	// Scheme returns the URI scheme this provider owns, without "://".
	Scheme() string

	// Entries enumerates the resources whose URI starts with prefix. An empty
	// prefix enumerates everything. Order does not matter; the store sorts.
	Entries(prefix string) ([]wire.ResourceDescriptor, error)

	// Read returns a byte range of one resource.
	Read(params wire.ReadResourceParams) (wire.ReadResourceResult, error)
}

// Store routes resource requests to the provider owning the URI scheme and
// paginates listings.
type Store struct {
	mu        sync.RWMutex
	providers map[string]Provider
	schemes   []string

	defaultPageSize int
	maxPageSize     int
}

// NewStore builds an empty store. Non-positive sizes fall back to 50/500.
func NewStore(defaultPageSize, maxPageSize int) *Store {
	if maxPageSize <= 0 {
		maxPageSize = 500
	}
	if defaultPageSize <= 0 || defaultPageSize > maxPageSize {
		defaultPageSize = 50
		if defaultPageSize > maxPageSize {
			defaultPageSize = maxPageSize
		}
	}
	return &Store{
		providers:       make(map[string]Provider),
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Register adds a provider. Each scheme can be registered once.
func (s *Store) Register(p Provider) error {
	scheme := p.Scheme()
	if scheme == "" {
		return fmt.Errorf("resources: provider has no scheme")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.providers[scheme]; exists {
		return fmt.Errorf("%w: %q", rterrors.ErrProviderRegistered, scheme)
	}
	s.providers[scheme] = p
	s.schemes = append(s.schemes, scheme)
	sort.Strings(s.schemes)
	return nil
}

// Schemes returns the registered schemes sorted ascending.
func (s *Store) Schemes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.schemes))
	copy(out, s.schemes)
	return out
}

// List enumerates resources matching the optional URI prefix, sorted by URI,
// and returns the requested page. A prefix naming an unregistered scheme is
// a not-found error; an empty prefix merges every provider.
func (s *Store) List(params wire.ListResourcesParams) (wire.ListResourcesResult, error) {
	providers, prefix, err := s.route(params.URI)
	if err != nil {
		return wire.ListResourcesResult{}, err
	}

	var items []wire.ResourceDescriptor
	for _, p := range providers {
		entries, err := p.Entries(prefix)
		if err != nil {
			return wire.ListResourcesResult{}, err
		}
		items = append(items, entries...)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].URI < items[j].URI })

	page, pageSize := s.normalizePage(params.Page, params.PageSize)
	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return wire.ListResourcesResult{
		Items:    items[start:end],
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Read returns a byte range of the resource named by the URI.
func (s *Store) Read(params wire.ReadResourceParams) (wire.ReadResourceResult, error) {
	scheme, _, ok := SplitURI(params.URI)
	if !ok {
		return wire.ReadResourceResult{}, rterrors.NotFound(fmt.Sprintf("resource %q", params.URI))
	}

	s.mu.RLock()
	p, exists := s.providers[scheme]
	s.mu.RUnlock()
	if !exists {
		return wire.ReadResourceResult{}, rterrors.NotFound(fmt.Sprintf("resource scheme %q", scheme))
	}
	return p.Read(params)
}

// route resolves the providers a listing touches. A URI prefix restricts the
// listing to its scheme's provider.
func (s *Store) route(uri string) ([]Provider, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if uri == "" {
		providers := make([]Provider, 0, len(s.schemes))
		for _, scheme := range s.schemes {
			providers = append(providers, s.providers[scheme])
		}
		return providers, "", nil
	}

	scheme, _, ok := SplitURI(uri)
	if !ok {
		return nil, "", rterrors.NotFound(fmt.Sprintf("resource %q", uri))
	}
	p, exists := s.providers[scheme]
	if !exists {
		return nil, "", rterrors.NotFound(fmt.Sprintf("resource scheme %q", scheme))
	}
	return []Provider{p}, uri, nil
}

func (s *Store) normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.defaultPageSize
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}
	return page, pageSize
}

// SplitURI splits "scheme://rest" and reports whether the URI had that shape.
func SplitURI(uri string) (scheme, rest string, ok bool) {
	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return "", "", false
	}
	return uri[:idx], uri[idx+len("://"):], true
}

// ClampRange fits a requested [start, start+length) window into a resource of
// the given size. Offsets outside the resource clamp to its edges instead of
// failing; a non-positive length reads to the end.
func ClampRange(size, start, length int64) (int64, int64) {
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	remaining := size - start
	if length <= 0 || length > remaining {
		length = remaining
	}
	return start, length
}
