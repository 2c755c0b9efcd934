package inference

import "errors"

var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrIncompatibleModel = errors.New("incompatible model")
	ErrInferenceFailed   = errors.New("inference failed")
)
