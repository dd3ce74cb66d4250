package patterns

import (
	"context"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, hotspots []models.Hotspot) error

// StoreHotspots implements Store.
func (f StoreFunc) StoreHotspots(ctx context.Context, hotspots []models.Hotspot) error {
	return f(ctx, hotspots)
}
