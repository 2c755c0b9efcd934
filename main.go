package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/kd-demo/kd-compare/compare"
	"github.com/kd-demo/kd-compare/config"
	"github.com/kd-demo/kd-compare/inference"
	"github.com/kd-demo/kd-compare/models"
)

var (
	debugMode bool
)

func debugf(format string, args ...interface{}) {
	if debugMode {
		log.Printf("[DEBUG] "+format, args...)
	}
}

func logTimings(t *models.ProcessingTimings) {
	if debugMode {
		compare.LogTimings(t)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	app := &cli.App{
		Name:   "kd-compare",
		Usage:  "compare a teacher and a student image-to-image model on uploaded images",
		Flags:  config.Flags(),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the web demo",
				Flags:  config.Flags(),
				Action: serve,
			},
			{
				Name:  "compare",
				Usage: "run one image through both models and print JSON",
				Flags: append(config.Flags(), &cli.StringFlag{
					Name:    "input",
					Aliases: []string{"i"},
					Usage:   "image file, read from stdin when omitted",
				}),
				Action: compareOnce,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads the configuration and builds the model pair and pipeline.
func setup(c *cli.Context) (*config.Config, *inference.Pair, *compare.Service, error) {
	cfg := config.FromCLI(c)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	debugMode = cfg.Debug

	opts := cfg.InferenceOptions()
	pair := inference.NewPair(
		inference.LocatorLoader(cfg.TeacherModel, opts...),
		inference.LocatorLoader(cfg.StudentModel, opts...),
	)
	return cfg, pair, compare.FromPair(pair), nil
}

func shutdown(pair *inference.Pair) {
	if err := errors.Join(pair.Close(), inference.DestroyEnvironment()); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

func serve(c *cli.Context) error {
	cfg, pair, service, err := setup(c)
	if err != nil {
		return err
	}
	defer shutdown(pair)

	log.Printf("CPU: %d cores, features %v", runtime.NumCPU(), cpuFeatures())

	if cfg.WarmModels {
		start := time.Now()
		if err := pair.Warm(c.Context); err != nil {
			log.Printf("Warning: model warm-up failed, requests will report it: %v", err)
		} else {
			log.Printf("Models loaded in %v", time.Since(start))
		}
	}

	state, err := NewAppState(pair, service, cfg.MaxUploadBytes)
	if err != nil {
		return err
	}
	r, err := state.Router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      r,
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s (backend %s)", srv.Addr, cfg.Backend)
		log.Printf("  GET  /             upload page")
		log.Printf("  POST /             compare uploaded image")
		log.Printf("  POST /api/compare  JSON, multipart or raw image")
		log.Printf("  GET  /health, /metrics")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func compareOnce(c *cli.Context) error {
	_, pair, service, err := setup(c)
	if err != nil {
		return err
	}
	defer shutdown(pair)

	upload, err := readInput(c.String("input"), os.Stdin)
	if err != nil {
		return err
	}

	result, err := service.Compare(c.Context, upload)
	if err != nil {
		return err
	}
	response, err := encodeResult(result)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(response)
}

// readInput reads the image from path, or from stdin when stdin is piped.
func readInput(path string, stdin *os.File) (compare.Upload, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return compare.Upload{}, err
		}
		return compare.Upload{Filename: path, Data: data}, nil
	}

	if isatty.IsTerminal(stdin.Fd()) || isatty.IsCygwinTerminal(stdin.Fd()) {
		return compare.Upload{}, fmt.Errorf("no --input given and stdin is a terminal")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return compare.Upload{}, err
	}
	return compare.Upload{Data: data}, nil
}
