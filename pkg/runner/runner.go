// Package runner assembles the ask pipeline from configuration. It backs the
// snap-ask server and lets other programs answer questions in process
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/snap-ask/internal/config"
	"github.com/tendant/snap-ask/internal/generate"
	"github.com/tendant/snap-ask/internal/handlers"
	"github.com/tendant/snap-ask/internal/metrics"
	"github.com/tendant/snap-ask/internal/ocr"
	"github.com/tendant/snap-ask/internal/ocr/tesseractcli"
	"github.com/tendant/snap-ask/internal/preprocess"
	"github.com/tendant/snap-ask/internal/storage"
	"github.com/tendant/snap-ask/internal/workflows"
	"github.com/tendant/snap-ask/pkg/pipeline"
)

// Config is the service configuration
type Config = config.Config

// Result is the outcome of an in-process Ask
type Result = workflows.WorkflowResult

// LoadConfig reads .env and the environment
func LoadConfig() (*Config, error) {
	if err := config.LoadDotEnv(""); err != nil {
		return nil, err
	}
	return config.Load()
}

// Option customizes a Runner
type Option func(*options)

type options struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	extractor ocr.TextExtractor
	generator generate.AnswerGenerator
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithExtractor replaces the configured OCR engine
func WithExtractor(e ocr.TextExtractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithGenerator replaces the configured language model
func WithGenerator(g generate.AnswerGenerator) Option {
	return func(o *options) { o.generator = g }
}

// Runner provides a high-level API over the ask workflow
type Runner struct {
	cfg       *Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	uploads   *storage.FilesystemStorage
	runner    *workflows.WorkflowRunner
	ocrEngine string
	provider  string
}

// New creates and wires a runner from cfg
func New(ctx context.Context, cfg *Config, opts ...Option) (*Runner, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	sanitizer, err := cfg.Sanitizer()
	if err != nil {
		return nil, fmt.Errorf("invalid substitution rules: %w", err)
	}

	uploads, err := storage.NewFilesystemStorage(cfg.Server.UploadDir)
	if err != nil {
		return nil, err
	}

	extractor := o.extractor
	if extractor == nil {
		extractor, err = newExtractor(cfg.OCR)
		if err != nil {
			return nil, err
		}
	}

	generator := o.generator
	provider := "custom"
	if generator == nil {
		g, err := generate.New(ctx, cfg.Generate())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize answer generator: %w", err)
		}
		generator, provider = g, g.Provider()
	}

	var pre workflows.ImagePreprocessor
	if cfg.Preprocess.Enabled {
		pre = preprocess.New(preprocess.Options{
			MaxWidth:     cfg.Preprocess.MaxWidth,
			MedianRadius: cfg.Preprocess.MedianRadius,
		}, o.log.Named("preprocess"))
	}

	workflowRunner := workflows.NewWorkflowRunner(o.metrics)
	askWorkflow := workflows.NewAskWorkflow(workflows.AskDeps{
		Uploads:      uploads,
		Preprocessor: pre,
		Extractor:    extractor,
		OCROptions: ocr.Options{
			Language:    cfg.OCR.Language,
			Whitelist:   cfg.OCR.Whitelist,
			PageSegMode: cfg.OCR.PageSegMode,
		},
		Sanitizer:         sanitizer,
		Generator:         generator,
		Metrics:           o.metrics,
		MaxQuestionLength: cfg.Server.MaxQuestionLength,
	})
	workflowRunner.Register(workflows.JobAsk, askWorkflow)

	o.log.Info("Registered workflow",
		zap.String("workflow", askWorkflow.Name()),
		zap.String("job", workflows.JobAsk),
		zap.String("ocr_engine", extractor.Name()),
		zap.String("llm_provider", provider),
		zap.String("upload_dir", uploads.Dir()),
	)

	return &Runner{
		cfg:       cfg,
		log:       o.log,
		metrics:   o.metrics,
		uploads:   uploads,
		runner:    workflowRunner,
		ocrEngine: extractor.Name(),
		provider:  provider,
	}, nil
}

func newExtractor(cfg config.OCRConfig) (ocr.TextExtractor, error) {
	switch cfg.Engine {
	case config.OCREngineCLI:
		e := tesseractcli.NewEngine(cfg.TesseractPath)
		if !e.Available() {
			return nil, fmt.Errorf("tesseract binary not usable at %q", cfg.TesseractPath)
		}
		return e, nil
	case config.OCREngineGosseract, "":
		return newGosseractEngine()
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.Engine)
	}
}

// Handler returns the service routes wrapped in logging and panic recovery
func (r *Runner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(pipeline.AskPath, handlers.NewAskHandler(handlers.AskHandlerConfig{
		Runner:         r.runner,
		Uploads:        r.uploads,
		Log:            r.log,
		Metrics:        r.metrics,
		MaxUploadBytes: r.cfg.Server.MaxUploadBytes,
	}))
	mux.Handle("/health", handlers.HealthHandler(r.ocrEngine, r.provider))
	mux.Handle("/metrics", r.metrics.Handler())

	return handlers.WithLogging(r.log, handlers.WithRecovery(r.log, r.metrics, mux))
}

// ErrTooLarge is returned by Ask when image exceeds the upload limit
var ErrTooLarge = errors.New("image exceeds upload limit")

// Ask runs the pipeline on image without going through HTTP. The image is
// held in the upload store only for the duration of the call
func (r *Runner) Ask(ctx context.Context, image []byte, question string) (*Result, error) {
	meta, cleanup, err := r.uploads.Save(ctx, bytes.NewReader(image), r.cfg.Server.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, ErrTooLarge
		}
		return nil, err
	}
	defer cleanup()

	runID := uuid.NewString()
	return r.runner.Run(workflows.JobAsk, &workflows.WorkflowContext{
		Ctx:     ctx,
		Request: workflows.AskRequest{UploadKey: meta.Key, Question: question},
		RunID:   runID,
		Log:     r.log.With(zap.String("run_id", runID)),
	})
}

// OCREngine returns the name of the active OCR engine
func (r *Runner) OCREngine() string { return r.ocrEngine }

// Provider returns the active language model provider
func (r *Runner) Provider() string { return r.provider }
