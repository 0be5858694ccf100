package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
)

// MemoryRegistry is an in-memory registry sufficient for this core: seeded
// at process start, invalidatable, never the system of record. A future registry
// backed by a remote template service would implement the same Registry
// interface without any core code changing.
type MemoryRegistry struct {
	mu   sync.RWMutex
	byID map[Key]*domain.Template
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: map[Key]*domain.Template{}}
}

// Register seeds or replaces a template. Safe to call after Resolve has
// already been used by in-flight requests — replacement is atomic from the
// perspective of any single Resolve call.
func (r *MemoryRegistry) Register(t *domain.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[Key{Namespace: t.Namespace, Name: t.Name, Version: t.Version}] = t
}

// Invalidate drops a template so a subsequent Resolve fails with
// TemplateNotFound until it is re-registered. Exists so the cache can never
// silently serve stale data past an operator's explicit decision to pull it.
func (r *MemoryRegistry) Invalidate(namespace, name, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, Key{Namespace: namespace, Name: name, Version: version})
}

func (r *MemoryRegistry) Resolve(_ context.Context, namespace, name, version string) (*domain.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[Key{Namespace: namespace, Name: name, Version: version}]
	if !ok {
		return nil, apierr.New(apierr.Permanent, "template_not_found", fmt.Errorf("%w: %s/%s@%s", apierr.ErrTemplateNotFound, namespace, name, version))
	}
	return t, nil
}
