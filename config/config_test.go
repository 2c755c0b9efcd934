package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/kd-demo/kd-compare/inference"
)

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.ErrorContains(t, err, "TEACHER_MODEL")
	require.ErrorContains(t, err, "STUDENT_MODEL")

	cfg.TeacherModel = "models/teacher.onnx"
	cfg.StudentModel = "https://drive.google.com/file/d/abc/view"
	require.NoError(t, cfg.Validate())

	cfg.Backend = "tflite"
	cfg.PoolSize = 0
	err = cfg.Validate()
	require.ErrorContains(t, err, "unknown backend")
	require.ErrorContains(t, err, "pool size")
}

func TestFlagsFromArgsAndEnv(t *testing.T) {
	t.Setenv("STUDENT_MODEL", "s3://bucket/student.onnx")
	t.Setenv("WRITE_TIMEOUT", "5s")

	var got *Config
	app := &cli.App{
		Flags: Flags(),
		Action: func(c *cli.Context) error {
			got = FromCLI(c)
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"kd-compare", "--teacher-model", "t.onnx", "--backend", "go", "--pool-size", "4"}))

	require.Equal(t, "t.onnx", got.TeacherModel)
	require.Equal(t, "s3://bucket/student.onnx", got.StudentModel)
	require.Equal(t, inference.BackendGo, got.Backend)
	require.Equal(t, 4, got.PoolSize)
	require.Equal(t, 5*time.Second, got.WriteTimeout)
	require.Equal(t, 60*time.Second, got.ReadTimeout)
	require.Equal(t, int64(10<<20), got.MaxUploadBytes)
	require.NoError(t, got.Validate())
	require.Len(t, got.InferenceOptions(), 5)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("KD_TEST_TEACHER=from-file\nKD_TEST_KEEP=from-file\n"), 0o644))
	t.Setenv("KD_TEST_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("KD_TEST_TEACHER") })

	require.NoError(t, LoadEnv(path, filepath.Join(dir, "missing.env")))
	require.Equal(t, "from-file", os.Getenv("KD_TEST_TEACHER"))
	require.Equal(t, "from-env", os.Getenv("KD_TEST_KEEP"))
}
