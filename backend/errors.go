package backend

import "github.com/cockroachdb/errors"

var (
	ErrUnknownLibrary = errors.New("unknown library")
	ErrUnknownDevice  = errors.New("unknown device subtype")
	ErrDeviceClosed   = errors.New("device is closed")
	ErrInvalidObject  = errors.New("invalid object handle")
	ErrNotCommitted   = errors.New("object was never committed")
	ErrUnknownChannel = errors.New("channel not declared on frame")
	ErrFrameMapped    = errors.New("frame channel is mapped")
	ErrNotMapped      = errors.New("frame channel is not mapped")
	ErrNotRendered    = errors.New("frame has not been rendered")
	ErrRenderInFlight = errors.New("frame render already in flight")
)
