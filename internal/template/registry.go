// Package template is the consumed-not-produced template registry
// collaborator: it resolves a (namespace, name, version) triple to the step
// list, dependency edges, and per-step retry/handler metadata that
// TaskRequestActor needs to materialize a new task. Template authoring,
// parsing, and durable storage are explicitly out of scope for the core —
// this package only has to satisfy the Registry interface, not implement a
// template language.
package template

import (
	"context"

	"github.com/flowforge/taskflow-core/internal/domain"
)

// Registry resolves templates by identity. Implementations may be backed by
// a remote service, a file on disk, or (as here) an in-memory map seeded at
// process start — the core is agnostic to which.
type Registry interface {
	Resolve(ctx context.Context, namespace, name, version string) (*domain.Template, error)
}

// Key identifies a template the same way the core's own NotFound error
// does, so callers formatting an error message don't have to rebuild the
// triple by hand.
type Key struct {
	Namespace string
	Name      string
	Version   string
}
