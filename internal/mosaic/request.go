package mosaic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/model"
)

// Request identifies one mosaic layout.
type Request struct {
	BinID string      `json:"bin_id"`
	Shape model.Shape `json:"shape"`
	Scale float64     `json:"scale"`
}

// Validate rejects requests that Pack cannot lay out.
func (r Request) Validate() error {
	if strings.TrimSpace(r.BinID) == "" {
		return fmt.Errorf("%w: missing bin id", model.ErrInvalidRequest)
	}
	if r.Shape.Height <= 0 || r.Shape.Width <= 0 {
		return fmt.Errorf("%w: invalid mosaic shape %dx%d", model.ErrInvalidRequest, r.Shape.Width, r.Shape.Height)
	}
	if !(r.Scale > 0 && r.Scale <= 1) {
		return fmt.Errorf("%w: scale %v outside (0, 1]", model.ErrInvalidRequest, r.Scale)
	}
	return nil
}

// Key returns the cache key for the request's layout.
func (r Request) Key() string {
	return cache.MosaicKey(r.BinID, r.Shape.Height, r.Shape.Width, r.Scale)
}

// ParseViewSize parses a "WIDTHxHEIGHT" view size such as "800x600".
func ParseViewSize(s string) (model.Shape, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return model.Shape{}, fmt.Errorf("%w: view size %q is not WIDTHxHEIGHT", model.ErrInvalidRequest, s)
	}
	w, errW := strconv.Atoi(parts[0])
	h, errH := strconv.Atoi(parts[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return model.Shape{}, fmt.Errorf("%w: invalid view size %q", model.ErrInvalidRequest, s)
	}
	return model.Shape{Height: h, Width: w}, nil
}

// FormatViewSize is the inverse of ParseViewSize.
func FormatViewSize(shape model.Shape) string {
	return fmt.Sprintf("%dx%d", shape.Width, shape.Height)
}

// ParseScaleFactor converts a percentage scale factor (e.g. 33) to a scale.
func ParseScaleFactor(percent int) (float64, error) {
	if percent <= 0 || percent > 100 {
		return 0, fmt.Errorf("%w: scale factor %d outside 1..100", model.ErrInvalidRequest, percent)
	}
	return float64(percent) / 100, nil
}
