package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/kd-demo/kd-compare/inference"
)

type Config struct {
	Addr           string
	TeacherModel   string
	StudentModel   string
	ModelCacheDir  string
	Backend        string
	OrtLibraryPath string
	PoolSize       int
	IntraOpThreads int
	InterOpThreads int
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	WarmModels     bool
	Debug          bool
}

func Defaults() *Config {
	o := inference.Defaults()
	return &Config{
		Addr:           "127.0.0.1:8080",
		ModelCacheDir:  o.CacheDir,
		Backend:        o.Backend,
		PoolSize:       o.PoolSize,
		IntraOpThreads: o.IntraOpNumThreads,
		InterOpThreads: o.InterOpNumThreads,
		MaxUploadBytes: 10 << 20,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   60 * time.Second,
	}
}

// LoadEnv loads .env style files into the process environment. Missing files
// are ignored, variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Flags returns the command line flags. Each one can also be set from the
// environment variable of the same name in upper case.
func Flags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: d.Addr, Usage: "listen address", EnvVars: []string{"ADDR"}},
		&cli.StringFlag{Name: "teacher-model", Usage: "teacher ONNX model: path, http(s), s3:// or Google Drive link", EnvVars: []string{"TEACHER_MODEL"}},
		&cli.StringFlag{Name: "student-model", Usage: "student ONNX model: path, http(s), s3:// or Google Drive link", EnvVars: []string{"STUDENT_MODEL"}},
		&cli.StringFlag{Name: "model-cache-dir", Value: d.ModelCacheDir, Usage: "where downloaded models are kept", EnvVars: []string{"MODEL_CACHE_DIR"}},
		&cli.StringFlag{Name: "backend", Value: d.Backend, Usage: "inference backend, ORT or GO", EnvVars: []string{"BACKEND"}},
		&cli.StringFlag{Name: "ort-library-path", Usage: "path to the onnxruntime shared library", EnvVars: []string{"ORT_LIBRARY_PATH"}},
		&cli.IntFlag{Name: "pool-size", Value: d.PoolSize, Usage: "onnxruntime sessions per model", EnvVars: []string{"POOL_SIZE"}},
		&cli.IntFlag{Name: "intra-op-threads", Value: d.IntraOpThreads, EnvVars: []string{"INTRA_OP_THREADS"}},
		&cli.IntFlag{Name: "inter-op-threads", Value: d.InterOpThreads, EnvVars: []string{"INTER_OP_THREADS"}},
		&cli.Int64Flag{Name: "max-upload-bytes", Value: d.MaxUploadBytes, Usage: "largest accepted upload", EnvVars: []string{"MAX_UPLOAD_BYTES"}},
		&cli.DurationFlag{Name: "read-timeout", Value: d.ReadTimeout, EnvVars: []string{"READ_TIMEOUT"}},
		&cli.DurationFlag{Name: "write-timeout", Value: d.WriteTimeout, EnvVars: []string{"WRITE_TIMEOUT"}},
		&cli.BoolFlag{Name: "warm-models", Usage: "load both models at startup instead of on first use", EnvVars: []string{"WARM_MODELS"}},
		&cli.BoolFlag{Name: "debug", Usage: "log per-request timings", EnvVars: []string{"DEBUG"}},
	}
}

func FromCLI(c *cli.Context) *Config {
	return &Config{
		Addr:           c.String("addr"),
		TeacherModel:   c.String("teacher-model"),
		StudentModel:   c.String("student-model"),
		ModelCacheDir:  c.String("model-cache-dir"),
		Backend:        strings.ToUpper(c.String("backend")),
		OrtLibraryPath: c.String("ort-library-path"),
		PoolSize:       c.Int("pool-size"),
		IntraOpThreads: c.Int("intra-op-threads"),
		InterOpThreads: c.Int("inter-op-threads"),
		MaxUploadBytes: c.Int64("max-upload-bytes"),
		ReadTimeout:    c.Duration("read-timeout"),
		WriteTimeout:   c.Duration("write-timeout"),
		WarmModels:     c.Bool("warm-models"),
		Debug:          c.Bool("debug"),
	}
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TeacherModel) == "" {
		errs = append(errs, errors.New("teacher model locator is required (TEACHER_MODEL)"))
	}
	if strings.TrimSpace(c.StudentModel) == "" {
		errs = append(errs, errors.New("student model locator is required (STUDENT_MODEL)"))
	}
	switch strings.ToUpper(c.Backend) {
	case inference.BackendORT, inference.BackendGo:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, expected %s or %s", c.Backend, inference.BackendORT, inference.BackendGo))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool size must be positive, got %d", c.PoolSize))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes))
	}
	return errors.Join(errs...)
}

// InferenceOptions maps the configuration onto model loading options.
func (c *Config) InferenceOptions() []inference.WithOption {
	return []inference.WithOption{
		inference.WithBackend(c.Backend),
		inference.WithOnnxLibraryPath(c.OrtLibraryPath),
		inference.WithPoolSize(c.PoolSize),
		inference.WithThreads(c.IntraOpThreads, c.InterOpThreads),
		inference.WithCacheDir(c.ModelCacheDir),
	}
}
