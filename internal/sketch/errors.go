package sketch

import "errors"

var (
	// ErrIncompatibleSketch means a merge was attempted between sketches
	// built with different structural parameters. Programmer error.
	ErrIncompatibleSketch = errors.New("sketch: incompatible parameters")

	// ErrEndpointMismatch means an EndpointSketch merge was attempted across
	// different endpoint ids.
	ErrEndpointMismatch = errors.New("sketch: endpoint id mismatch")

	// ErrInvalidFormat means serialized bytes failed structural validation.
	ErrInvalidFormat = errors.New("sketch: invalid serialized format")
)
