package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request/operation context with an optional GORM
// transaction. Every repository method takes one of these instead of a bare
// context.Context so call sites never have to choose between threading a
// context and a *gorm.DB separately.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
