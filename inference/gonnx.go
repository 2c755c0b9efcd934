package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/kd-demo/kd-compare/models"
)

// goModel runs the graph with the pure Go gonnx interpreter. Runs are
// serialised because the interpreter keeps per-run state on the model.
type goModel struct {
	mu          sync.Mutex
	model       *gonnx.Model
	inputName   string
	outputName  string
	inputShape  []int64
	outputShape []int64
}

func newGoModel(onnxBytes []byte, o *Options) (*goModel, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	inputNames := model.InputNames()
	outputNames := model.OutputNames()
	if len(inputNames) != 1 || len(outputNames) < 1 {
		return nil, fmt.Errorf("%w: model has %d inputs and %d outputs, expected one image in and out", ErrIncompatibleModel, len(inputNames), len(outputNames))
	}

	inShape := model.InputShapes()[inputNames[0]]
	declaredIn := make([]int64, len(inShape))
	for i, d := range inShape {
		declaredIn[i] = d.Size
	}
	outShape := model.OutputShapes()[outputNames[0]]
	declaredOut := make([]int64, len(outShape))
	for i, d := range outShape {
		declaredOut[i] = d.Size
	}

	inputShape, err := resolveInput(declaredIn, o.InputShape)
	if err != nil {
		return nil, err
	}
	outputShape, err := resolveOutput(declaredOut, inputShape)
	if err != nil {
		return nil, err
	}

	return &goModel{
		model:       model,
		inputName:   inputNames[0],
		outputName:  outputNames[0],
		inputShape:  inputShape,
		outputShape: outputShape,
	}, nil
}

func (m *goModel) Predict(ctx context.Context, input *models.Tensor) (*models.Tensor, error) {
	if err := checkInput(input, m.inputShape); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	shape := make([]int, len(input.Shape))
	for i, d := range input.Shape {
		shape[i] = int(d)
	}
	backing := append([]float32(nil), input.Data...)

	m.mu.Lock()
	outputs, err := m.model.Run(map[string]tensor.Tensor{
		m.inputName: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: model inference: %v", ErrInferenceFailed, err)
	}

	out, ok := outputs[m.outputName]
	if !ok {
		return nil, fmt.Errorf("%w: output %s missing from result", ErrInferenceFailed, m.outputName)
	}
	if dense, ok := out.(*tensor.Dense); ok && dense.IsMaterializable() {
		out = dense.Materialize()
	}
	data, ok := out.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: output %s has type %T, expected float32", ErrIncompatibleModel, m.outputName, out.Data())
	}

	result := &models.Tensor{Shape: make([]int64, len(out.Shape()))}
	for i, d := range out.Shape() {
		result.Shape[i] = int64(d)
	}
	result.Data = append([]float32(nil), data...)
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleModel, err)
	}
	return result, nil
}

func (m *goModel) InputShape() []int64  { return m.inputShape }
func (m *goModel) OutputShape() []int64 { return m.outputShape }

func (m *goModel) Close() error {
	return nil
}
