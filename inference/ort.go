package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kd-demo/kd-compare/models"
)

var ortEnvironment sync.Mutex

// initializeORT starts the onnxruntime environment once per process.
func initializeORT(o *Options) error {
	ortEnvironment.Lock()
	defer ortEnvironment.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if o.LibraryPath != "" {
		ort.SetSharedLibraryPath(o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	if err := ort.DisableTelemetry(); err != nil {
		return errors.Join(err, ort.DestroyEnvironment())
	}
	return nil
}

// DestroyEnvironment tears down onnxruntime if it was started.
func DestroyEnvironment() error {
	ortEnvironment.Lock()
	defer ortEnvironment.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ModelSession is one onnxruntime session with its bound input and output.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = errors.Join(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = errors.Join(err, m.Input.Destroy())
	}
	if m.Output != nil {
		err = errors.Join(err, m.Output.Destroy())
	}
	return err
}

type ortModel struct {
	onnxBytes   []byte
	inputName   string
	outputName  string
	inputShape  []int64
	outputShape []int64
	options     *Options
	pool        *SessionPool[*ModelSession]
}

func newORTModel(onnxBytes []byte, o *Options) (*ortModel, error) {
	if err := initializeORT(o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: read model metadata: %v", ErrModelUnavailable, err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("%w: model has %d inputs and %d outputs, expected one image in and out", ErrIncompatibleModel, len(inputs), len(outputs))
	}
	for _, info := range []ort.InputOutputInfo{inputs[0], outputs[0]} {
		if info.DataType != ort.TensorElementDataTypeFloat {
			return nil, fmt.Errorf("%w: %s has element type %v, expected float32", ErrIncompatibleModel, info.Name, info.DataType)
		}
	}

	inputShape, err := resolveInput(inputs[0].Dimensions, o.InputShape)
	if err != nil {
		return nil, err
	}
	outputShape, err := resolveOutput(outputs[0].Dimensions, inputShape)
	if err != nil {
		return nil, err
	}

	m := &ortModel{
		onnxBytes:   onnxBytes,
		inputName:   inputs[0].Name,
		outputName:  outputs[0].Name,
		inputShape:  inputShape,
		outputShape: outputShape,
		options:     o,
	}

	m.pool, err = NewSessionPool(o.PoolSize, o.AcquireTimeout, m.initSession)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return m, nil
}

func (m *ortModel) initSession() (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(m.options.IntraOpNumThreads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(m.options.InterOpNumThreads); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(m.inputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(m.outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(
		m.onnxBytes,
		[]string{m.inputName},
		[]string{m.outputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

func (m *ortModel) Predict(ctx context.Context, input *models.Tensor) (*models.Tensor, error) {
	if err := checkInput(input, m.inputShape); err != nil {
		return nil, err
	}

	s, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}

	copy(s.Input.GetData(), input.Data)
	if err := s.Session.Run(); err != nil {
		m.pool.Discard(s)
		return nil, fmt.Errorf("%w: model inference: %v", ErrInferenceFailed, err)
	}

	output := models.NewTensor(m.outputShape...)
	copy(output.Data, s.Output.GetData())
	m.pool.Release(s)
	return output, nil
}

func (m *ortModel) InputShape() []int64  { return m.inputShape }
func (m *ortModel) OutputShape() []int64 { return m.outputShape }

func (m *ortModel) Stats() PoolStats {
	return m.pool.Stats()
}

func (m *ortModel) Close() error {
	return m.pool.Destroy()
}
