package inference

import (
	"fmt"

	"github.com/kd-demo/kd-compare/models"
)

// resolveInput checks the declared model input against the expected NHWC
// shape. Dynamic dimensions (-1 or 0) match anything.
func resolveInput(declared, expected []int64) ([]int64, error) {
	if len(declared) != len(expected) {
		return nil, fmt.Errorf("%w: model input has shape %v, expected %v", ErrIncompatibleModel, declared, expected)
	}
	for i, d := range declared {
		if d > 0 && d != expected[i] {
			return nil, fmt.Errorf("%w: model input has shape %v, expected %v", ErrIncompatibleModel, declared, expected)
		}
	}
	return append([]int64(nil), expected...), nil
}

// resolveOutput fills dynamic output dimensions: the batch becomes 1 and the
// spatial/channel axes take the input geometry.
func resolveOutput(declared, input []int64) ([]int64, error) {
	out := append([]int64(nil), declared...)
	var fill []int64
	switch len(declared) {
	case 4:
		fill = []int64{1, input[1], input[2], input[3]}
	case 3:
		fill = []int64{input[1], input[2], input[3]}
	default:
		return nil, fmt.Errorf("%w: model output has rank %d, expected an image tensor", ErrIncompatibleModel, len(declared))
	}
	for i, d := range out {
		if d <= 0 {
			out[i] = fill[i]
		}
	}
	return out, nil
}

func checkInput(t *models.Tensor, shape []int64) error {
	if t == nil {
		return fmt.Errorf("%w: no input tensor", ErrIncompatibleModel)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleModel, err)
	}
	if len(t.Shape) != len(shape) {
		return fmt.Errorf("%w: input shape %v, model expects %v", ErrIncompatibleModel, t.Shape, shape)
	}
	for i := range shape {
		if t.Shape[i] != shape[i] {
			return fmt.Errorf("%w: input shape %v, model expects %v", ErrIncompatibleModel, t.Shape, shape)
		}
	}
	return nil
}
