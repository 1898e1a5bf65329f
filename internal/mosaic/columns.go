package mosaic

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"

	"github.com/ifcbdash/server/internal/model"
)

// Columns is the field-to-array form of a placement sequence, serialized
// directly as the JSON response body.
type Columns struct {
	TargetIndex []int `json:"target_index"`
	Page        []int `json:"page"`
	X           []int `json:"x"`
	Y           []int `json:"y"`
	Width       []int `json:"width"`
	Height      []int `json:"height"`
}

// ToColumns converts records to columnar form.
func ToColumns(records []model.PlacementRecord) Columns {
	n := len(records)
	c := Columns{
		TargetIndex: make([]int, n),
		Page:        make([]int, n),
		X:           make([]int, n),
		Y:           make([]int, n),
		Width:       make([]int, n),
		Height:      make([]int, n),
	}
	for i, r := range records {
		c.TargetIndex[i] = r.TargetIndex
		c.Page[i] = r.Page
		c.X[i] = r.X
		c.Y[i] = r.Y
		c.Width[i] = r.Width
		c.Height[i] = r.Height
	}
	return c
}

// Records converts columnar form back to records.
func (c Columns) Records() ([]model.PlacementRecord, error) {
	n := len(c.TargetIndex)
	if len(c.Page) != n || len(c.X) != n || len(c.Y) != n || len(c.Width) != n || len(c.Height) != n {
		return nil, fmt.Errorf("mosaic columns have mismatched lengths")
	}
	out := make([]model.PlacementRecord, n)
	for i := range out {
		out[i] = model.PlacementRecord{
			TargetIndex: c.TargetIndex[i],
			Page:        c.Page[i],
			X:           c.X[i],
			Y:           c.Y[i],
			Width:       c.Width[i],
			Height:      c.Height[i],
		}
	}
	return out, nil
}

// zstd frame magic number, used to tell compressed payloads from plain JSON.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// Encode serializes records for the cache store, optionally zstd-compressed.
func Encode(records []model.PlacementRecord, compress bool) ([]byte, error) {
	data, err := sonic.Marshal(ToColumns(records))
	if err != nil {
		return nil, fmt.Errorf("failed to encode placements: %w", err)
	}
	if !compress {
		return data, nil
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decode is the inverse of Encode and accepts both compressed and plain payloads.
func Decode(data []byte) ([]model.PlacementRecord, error) {
	if len(data) >= len(zstdMagic) && string(data[:len(zstdMagic)]) == string(zstdMagic) {
		raw, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress placements: %w", err)
		}
		data = raw
	}
	var c Columns
	if err := sonic.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode placements: %w", err)
	}
	return c.Records()
}
