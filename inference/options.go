package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	BackendORT = "ORT"
	BackendGo  = "GO"

	// DefaultPoolSize is the number of ORT sessions kept per model.
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

type Options struct {
	Backend           string
	LibraryPath       string
	IntraOpNumThreads int
	InterOpNumThreads int
	PoolSize          int
	AcquireTimeout    time.Duration
	CacheDir          string
	// InputShape is the NHWC shape every model must accept.
	InputShape []int64
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

func Defaults() *Options {
	return &Options{
		Backend:           BackendORT,
		IntraOpNumThreads: runtime.NumCPU(),
		InterOpNumThreads: 1,
		PoolSize:          DefaultPoolSize,
		AcquireTimeout:    AcquireTimeout,
		CacheDir:          filepath.Join(os.TempDir(), "kd-compare-models"),
		InputShape:        []int64{1, 128, 128, 3},
	}
}

func WithBackend(backend string) WithOption {
	return func(o *Options) error {
		switch b := strings.ToUpper(backend); b {
		case BackendORT, BackendGo:
			o.Backend = b
			return nil
		default:
			return fmt.Errorf("unknown backend %q, expected %s or %s", backend, BackendORT, BackendGo)
		}
	}
}

// WithOnnxLibraryPath sets the path to libonnxruntime (ORT only). Empty keeps
// the onnxruntime_go default.
func WithOnnxLibraryPath(path string) WithOption {
	return func(o *Options) error {
		o.LibraryPath = path
		return nil
	}
}

func WithThreads(intraOp, interOp int) WithOption {
	return func(o *Options) error {
		if intraOp > 0 {
			o.IntraOpNumThreads = intraOp
		}
		if interOp > 0 {
			o.InterOpNumThreads = interOp
		}
		return nil
	}
}

func WithPoolSize(size int) WithOption {
	return func(o *Options) error {
		if size <= 0 {
			return fmt.Errorf("pool size must be positive, got %d", size)
		}
		o.PoolSize = size
		return nil
	}
}

func WithAcquireTimeout(timeout time.Duration) WithOption {
	return func(o *Options) error {
		if timeout > 0 {
			o.AcquireTimeout = timeout
		}
		return nil
	}
}

// WithCacheDir sets where remote model artifacts are kept between restarts.
func WithCacheDir(dir string) WithOption {
	return func(o *Options) error {
		if dir != "" {
			o.CacheDir = dir
		}
		return nil
	}
}

func WithInputShape(shape ...int64) WithOption {
	return func(o *Options) error {
		if len(shape) != 4 {
			return fmt.Errorf("input shape must have 4 dimensions, got %v", shape)
		}
		o.InputShape = append([]int64(nil), shape...)
		return nil
	}
}

func parseOptions(opts []WithOption) (*Options, error) {
	o := Defaults()
	for _, option := range opts {
		if err := option(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
