package workflows

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/snap-ask/internal/generate"
	"github.com/tendant/snap-ask/internal/metrics"
	"github.com/tendant/snap-ask/internal/ocr"
	"github.com/tendant/snap-ask/internal/prompt"
	"github.com/tendant/snap-ask/internal/sanitize"
	"github.com/tendant/snap-ask/internal/storage"
)

// ImagePreprocessor prepares image bytes for OCR. It must not fail; on
// error it returns its input
type ImagePreprocessor interface {
	Process(data []byte) []byte
}

// AskDeps are the collaborators of AskWorkflow. Preprocessor and Metrics
// may be nil
type AskDeps struct {
	Uploads      storage.Reader
	Preprocessor ImagePreprocessor
	Extractor    ocr.TextExtractor
	OCROptions   ocr.Options
	Sanitizer    *sanitize.Sanitizer
	Generator    generate.AnswerGenerator
	Metrics      *metrics.Metrics

	// MaxQuestionLength caps the question in runes; zero means no cap
	MaxQuestionLength int
}

// AskWorkflow turns an uploaded image and a question into an answer
type AskWorkflow struct {
	deps AskDeps
}

// NewAskWorkflow creates the ask workflow
func NewAskWorkflow(deps AskDeps) *AskWorkflow {
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.Default()
	}
	return &AskWorkflow{deps: deps}
}

// Name returns the workflow name
func (w *AskWorkflow) Name() string {
	return "AskWorkflow"
}

// Execute runs preprocessing, extraction, sanitizing, composing and
// generation in order. Failures are returned as *StageError; a safety
// refusal is a successful result with Refused set
func (w *AskWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	log := wctx.logger()
	res := &WorkflowResult{}

	fail := func(stage Stage, err error) (*WorkflowResult, error) {
		serr := &StageError{Stage: stage, Err: err}
		res.Success = false
		res.Stage = stage
		res.Error = serr
		return res, serr
	}
	enter := func(stage Stage) func() {
		res.Stage = stage
		start := time.Now()
		return func() {
			d := time.Since(start)
			w.deps.Metrics.ObserveStage(string(stage), d)
			log.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("duration", d))
		}
	}

	log.Info("Starting ask workflow", zap.String("upload_key", wctx.Request.UploadKey))

	// Step 1: Validate request
	done := enter(StageValidating)
	if err := w.validateRequest(&wctx.Request); err != nil {
		log.Warn("Validation failed", zap.Error(err))
		return fail(StageValidating, err)
	}
	done()

	// Step 2: Load and preprocess the upload
	done = enter(StagePreprocessing)
	image, err := w.readUpload(wctx)
	if err != nil {
		log.Error("Failed to read upload", zap.Error(err))
		return fail(StagePreprocessing, err)
	}
	if w.deps.Preprocessor != nil {
		image = w.deps.Preprocessor.Process(image)
	}
	done()
	log.Debug("Image ready for OCR", zap.Int("bytes", len(image)))

	// Step 3: Extract text
	done = enter(StageExtracting)
	extracted, err := ocr.Recognize(wctx.Ctx, w.deps.Extractor, image, w.deps.OCROptions)
	done()
	if err != nil {
		log.Error("Text extraction failed", zap.Error(err))
		return fail(StageExtracting, err)
	}
	if strings.TrimSpace(extracted.Text) == "" {
		log.Info("No text found in image")
		return fail(StageExtracting, ErrNoTextFound)
	}
	if extracted.HasConfidence {
		w.deps.Metrics.ObserveConfidence(extracted.Confidence)
	}
	log.Info("Text extracted",
		zap.Int("chars", len(extracted.Text)),
		zap.Float64("confidence", extracted.Confidence),
		zap.Bool("has_confidence", extracted.HasConfidence),
	)

	// Step 4: Sanitize question and extracted text
	done = enter(StageSanitizing)
	question := w.deps.Sanitizer.Sanitize(truncateRunes(wctx.Request.Question, w.deps.MaxQuestionLength))
	normalized := w.deps.Sanitizer.Sanitize(extracted.Text)
	done()

	res.ExtractedText = normalized
	res.Confidence = extracted.Confidence
	res.HasConfidence = extracted.HasConfidence

	// Step 5: Compose the prompt
	done = enter(StageComposing)
	res.Prompt = prompt.Compose(question, normalized)
	done()

	// Step 6: Generate the answer
	done = enter(StageGenerating)
	answer, err := w.deps.Generator.Generate(wctx.Ctx, res.Prompt)
	done()
	if err != nil {
		log.Error("Answer generation failed", zap.Error(err))
		return fail(StageGenerating, err)
	}

	res.Success = true
	res.Answer = answer.Text
	res.Refused = answer.Refused
	if answer.Refused {
		log.Warn("Answer refused on content safety grounds")
	} else {
		log.Info("Ask workflow completed successfully", zap.Int("answer_chars", len(answer.Text)))
	}
	return res, nil
}

// validateRequest validates the workflow request
func (w *AskWorkflow) validateRequest(req *AskRequest) error {
	if req.UploadKey == "" {
		return fmt.Errorf("%w: upload key is required", ErrInvalidRequest)
	}
	if w.deps.Uploads == nil || w.deps.Extractor == nil || w.deps.Generator == nil {
		return fmt.Errorf("%w: workflow is missing a collaborator", ErrInvalidRequest)
	}
	return nil
}

func (w *AskWorkflow) readUpload(wctx *WorkflowContext) ([]byte, error) {
	r, err := w.deps.Uploads.GetReader(wctx.Ctx, wctx.Request.UploadKey)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("image read failed: %w", err)
	}
	return data, nil
}

// truncateRunes cuts s to at most n runes; n <= 0 leaves s unchanged
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
