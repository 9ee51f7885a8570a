package scanner

import "errors"

var (
	ErrNoInterface     = errors.New("no usable network interface")
	ErrSegmentTooLarge = errors.New("network segment too large")
	ErrInvalidSegment  = errors.New("invalid network segment")
	ErrUnknownBackend  = errors.New("unknown probe backend")
)
