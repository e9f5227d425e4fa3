package jobs

import (
	"context"
	"strings"
)

// NewStore returns nil when no database is configured; the manager then keeps
// jobs in memory only.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}
