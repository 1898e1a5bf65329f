// Package repository provides read access to bins, their images and the
// datasets that group them.
package repository

import (
	"context"

	"github.com/ifcbdash/server/internal/model"
)

// BinRepository supplies immutable snapshots of bin data. Implementations
// return errors wrapping model.ErrNotFound for unknown bins and datasets.
type BinRepository interface {
	GetBin(ctx context.Context, id string) (model.Bin, error)
	// GetImages returns the bin's images ordered by index.
	GetImages(ctx context.Context, binID string) ([]model.ImageDescriptor, error)
	GetDataset(ctx context.Context, name string) (model.Dataset, error)
	// FilteredBins returns the matching bins ordered by timestamp. An empty
	// filter.Dataset selects bins from every dataset.
	FilteredBins(ctx context.Context, filter model.BinFilter) ([]model.Bin, error)
}
