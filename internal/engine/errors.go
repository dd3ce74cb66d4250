package engine

import "errors"

var (
	// ErrInsufficientData means the window holds fewer records than the configured minimum.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrModelFit means a model could not be fitted, typically on non-finite input.
	ErrModelFit = errors.New("model fit failed")
	// ErrZeroVariance means a boundary dimension is constant across the window.
	ErrZeroVariance = errors.New("zero variance")
)
