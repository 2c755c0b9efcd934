package inference

import (
	"context"
	"fmt"
	"log"

	"github.com/kd-demo/kd-compare/models"
)

// Model is a frozen image-to-image inference function. Implementations are
// safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, input *models.Tensor) (*models.Tensor, error)
	InputShape() []int64
	OutputShape() []int64
	Close() error
}

// PoolReporter is implemented by models backed by a session pool.
type PoolReporter interface {
	Stats() PoolStats
}

// Load resolves the ONNX artifact behind locator and opens it with the
// configured backend.
func Load(ctx context.Context, locator string, opts ...WithOption) (Model, error) {
	o, err := parseOptions(opts)
	if err != nil {
		return nil, err
	}

	onnxBytes, err := NewResolver(o.CacheDir).Fetch(ctx, locator)
	if err != nil {
		return nil, err
	}

	var model Model
	switch o.Backend {
	case BackendORT:
		model, err = newORTModel(onnxBytes, o)
	case BackendGo:
		model, err = newGoModel(onnxBytes, o)
	default:
		err = fmt.Errorf("%w: unknown backend %q", ErrModelUnavailable, o.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("Loaded model %s with %s backend: input %v, output %v", locator, o.Backend, model.InputShape(), model.OutputShape())
	return model, nil
}
