package model

import "errors"

var (
	// ErrNotFound is returned when a bin, dataset or lookup candidate does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is returned when request parameters fail validation.
	ErrInvalidRequest = errors.New("invalid request")
)
