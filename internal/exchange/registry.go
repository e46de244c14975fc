package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrExchangeUnknown is returned for base URLs not in the registry.
var ErrExchangeUnknown = errors.New("exchange not configured")

// maxInflight bounds concurrent requests per exchange.
const maxInflight = 16

// Registry maps configured exchange base URLs to clients and enforces
// a per-exchange concurrency bound shared by all callers.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*entry
}

type entry struct {
	client *Client
	sem    *semaphore.Weighted
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*entry)}
}

// Add registers an exchange. Re-adding a known base URL replaces the
// trusted master key but keeps the existing concurrency bound.
func (r *Registry) Add(baseURL, masterPub string) {
	key := normalize(baseURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[key] = &entry{
		client: NewClient(baseURL, masterPub),
		sem:    semaphore.NewWeighted(maxInflight),
	}
}

// Get returns the client for a base URL.
func (r *Registry) Get(baseURL string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[normalize(baseURL)]
	if !ok {
		return nil, ErrExchangeUnknown
	}
	return e.client, nil
}

// URLs returns the registered base URLs.
func (r *Registry) URLs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	urls := make([]string, 0, len(r.clients))
	for _, e := range r.clients {
		urls = append(urls, e.client.BaseURL())
	}
	return urls
}

// Acquire reserves one request slot at the exchange, blocking until a
// slot frees or ctx is done. The returned release function must be
// called exactly once.
func (r *Registry) Acquire(ctx context.Context, baseURL string) (release func(), err error) {
	r.mu.RLock()
	e, ok := r.clients[normalize(baseURL)]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrExchangeUnknown
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { e.sem.Release(1) }, nil
}

func normalize(baseURL string) string {
	return strings.TrimSuffix(strings.ToLower(baseURL), "/")
}
