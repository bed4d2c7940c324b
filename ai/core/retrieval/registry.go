package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Retriever fetches context documents for a query.
type Retriever interface {
	// GetRelevantDocuments returns documents sorted by descending score.
	// Ties keep datasource order.
	GetRelevantDocuments(ctx context.Context, query string) ([]Document, error)

	// HealthCheck verifies the backing datasource is reachable.
	HealthCheck(ctx context.Context) error
}

// Registry maps adapter names to retriever instances. The set is built at
// startup and append-only until restart: entries are never replaced or
// removed while serving.
type Registry struct {
	mu         sync.RWMutex
	retrievers map[string]Retriever
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{retrievers: make(map[string]Retriever)}
}

// Register adds a retriever under an adapter name. Re-registering a name is
// a configuration error.
func (r *Registry) Register(name string, retriever Retriever) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.retrievers[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.retrievers[name] = retriever
	return nil
}

// Get returns the retriever for an adapter name.
func (r *Registry) Get(name string) (Retriever, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	retriever, ok := r.retrievers[name]
	return retriever, ok
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.retrievers))
	for name := range r.retrievers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
