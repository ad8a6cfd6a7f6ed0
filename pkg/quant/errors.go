package quant

import "errors"

var (
	// ErrConfig marks invalid construction-time configuration.  Layers
	// returning it must not be used.
	ErrConfig = errors.New("invalid quantization configuration")

	// ErrShapeMismatch marks a call-time disagreement between an input
	// tensor and the fixed configuration of a layer.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
)
