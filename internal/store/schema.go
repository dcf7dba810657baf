package store

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// RunSchema applies the embedded schema. Statements are idempotent
// (IF NOT EXISTS) so this is safe to run on every startup.
func (s *Postgres) RunSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
