// Package mosaic lays out a bin's particle images on fixed-size pages and
// caches the resulting placements.
package mosaic

import (
	"math"
	"sort"

	"github.com/ifcbdash/server/internal/model"
)

// Pack places images row by row, in ascending index order, onto pages of the
// given shape after scaling each image by scale.
//
// An image whose scaled size exceeds the page is still placed at the cursor,
// alone on its row, and may extend past the page bounds. Pack never fails;
// shape and scale must be validated by the caller (see Request.Validate).
func Pack(images []model.ImageDescriptor, shape model.Shape, scale float64) []model.PlacementRecord {
	if len(images) == 0 {
		return []model.PlacementRecord{}
	}

	ordered := make([]model.ImageDescriptor, len(images))
	copy(ordered, images)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})

	records := make([]model.PlacementRecord, 0, len(ordered))
	x, y, rowHeight, page := 0, 0, 0, 0

	for _, img := range ordered {
		w := scaled(img.Width, scale)
		h := scaled(img.Height, scale)

		if x+w > shape.Width && x > 0 {
			y += rowHeight
			x = 0
			rowHeight = 0
		}
		if y+h > shape.Height && y > 0 {
			page++
			y = 0
			x = 0
			rowHeight = 0
		}

		records = append(records, model.PlacementRecord{
			TargetIndex: img.Index,
			Page:        page,
			X:           x,
			Y:           y,
			Width:       w,
			Height:      h,
		})

		x += w
		if h > rowHeight {
			rowHeight = h
		}
	}

	return records
}

// scaled returns floor(n*scale), never less than one pixel.
func scaled(n int, scale float64) int {
	v := int(math.Floor(float64(n) * scale))
	if v < 1 {
		return 1
	}
	return v
}

// PageCount returns the number of pages used by records.
func PageCount(records []model.PlacementRecord) int {
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Page + 1
}

// PageRecords returns the records placed on page.
func PageRecords(records []model.PlacementRecord, page int) []model.PlacementRecord {
	lo := sort.Search(len(records), func(i int) bool { return records[i].Page >= page })
	hi := sort.Search(len(records), func(i int) bool { return records[i].Page > page })
	return records[lo:hi]
}
