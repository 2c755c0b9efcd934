package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kd-demo/kd-compare/models"
)

// Loader opens a model. It is called at most once per Handle.
type Loader func(ctx context.Context) (Model, error)

// State of a Handle, as reported by health checks.
type State int32

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Handle loads a model lazily on first use and keeps it, or the load error,
// for the lifetime of the process.
type Handle struct {
	Name  string
	load  Loader
	once  sync.Once
	model Model
	err   error
	state atomic.Int32
}

func NewHandle(name string, load Loader) *Handle {
	return &Handle{Name: name, load: load}
}

// LocatorLoader loads the ONNX artifact at locator with the given options.
func LocatorLoader(locator string, opts ...WithOption) Loader {
	return func(ctx context.Context) (Model, error) {
		return Load(ctx, locator, opts...)
	}
}

func (h *Handle) Get(ctx context.Context) (Model, error) {
	h.once.Do(func() {
		// The first caller's cancellation must not poison the cached result.
		model, err := h.load(context.WithoutCancel(ctx))
		if err == nil && model == nil {
			err = errors.New("loader returned no model")
		}
		if err != nil {
			if !errors.Is(err, ErrIncompatibleModel) && !errors.Is(err, ErrModelUnavailable) {
				err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			h.err = fmt.Errorf("%s model: %w", h.Name, err)
			h.state.Store(int32(StateFailed))
			return
		}
		h.model = model
		h.state.Store(int32(StateReady))
	})
	return h.model, h.err
}

// Predict loads the model if needed and runs it once.
func (h *Handle) Predict(ctx context.Context, input *models.Tensor) (*models.Tensor, error) {
	model, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	output, err := model.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%s model: %w", h.Name, err)
	}
	return output, nil
}

func (h *Handle) State() State {
	return State(h.state.Load())
}

// Model returns the loaded model without triggering a load.
func (h *Handle) Model() Model {
	if h.State() != StateReady {
		return nil
	}
	return h.model
}

func (h *Handle) Close() error {
	if m := h.Model(); m != nil {
		return m.Close()
	}
	return nil
}

// Pair holds the teacher and student handles. The two are never combined.
type Pair struct {
	Teacher *Handle
	Student *Handle
}

func NewPair(teacher, student Loader) *Pair {
	return &Pair{
		Teacher: NewHandle("teacher", teacher),
		Student: NewHandle("student", student),
	}
}

// Warm loads both models now instead of on the first request.
func (p *Pair) Warm(ctx context.Context) error {
	_, teacherErr := p.Teacher.Get(ctx)
	_, studentErr := p.Student.Get(ctx)
	return errors.Join(teacherErr, studentErr)
}

func (p *Pair) Close() error {
	return errors.Join(p.Teacher.Close(), p.Student.Close())
}
