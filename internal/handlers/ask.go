// Package handlers serves the ask endpoint and its supporting routes
package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/snap-ask/internal/metrics"
	"github.com/tendant/snap-ask/internal/storage"
	"github.com/tendant/snap-ask/internal/workflows"
	"github.com/tendant/snap-ask/pkg/pipeline"
)

// multipartOverhead is the room allowed for boundaries, headers and the
// question field on top of the image limit
const multipartOverhead = 1 << 20

// maxQuestionBytes bounds how much of the text field is read
const maxQuestionBytes = 64 << 10

var (
	errNoImage  = errors.New("no image provided")
	errTooLarge = errors.New("image exceeds upload limit")
	errNotImage = errors.New("upload is not an image")

	errMalformed    = errors.New("invalid multipart form")
	errBodyTooLarge = errors.New("request body exceeds size limit")
)

// AskHandler handles POST /api/ask
type AskHandler struct {
	runner         *workflows.WorkflowRunner
	uploads        storage.UploadStore
	log            *zap.Logger
	metrics        *metrics.Metrics
	maxUploadBytes int64
}

// AskHandlerConfig holds the dependencies of AskHandler. Log and Metrics may
// be nil
type AskHandlerConfig struct {
	Runner         *workflows.WorkflowRunner
	Uploads        storage.UploadStore
	Log            *zap.Logger
	Metrics        *metrics.Metrics
	MaxUploadBytes int64
}

// NewAskHandler creates a new ask handler
func NewAskHandler(cfg AskHandlerConfig) *AskHandler {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	return &AskHandler{
		runner:         cfg.Runner,
		uploads:        cfg.Uploads,
		log:            cfg.Log,
		metrics:        cfg.Metrics,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// ServeHTTP rejects everything but POST before touching the body
func (h *AskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withMethod(http.MethodPost, h.handleAsk)(w, r)
}

type askForm struct {
	uploadKey string
	question  string
}

func (h *AskHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	runID := uuid.NewString()
	log := h.log.With(zap.String("run_id", runID))

	// Cleanup runs on every exit path, panics included
	var cleanup func()
	defer func() {
		if cleanup != nil {
			cleanup()
			log.Debug("upload removed", zap.String("stage", string(workflows.StageCleanup)))
		}
	}()

	log.Debug("receiving upload", zap.String("stage", string(workflows.StageReceivingUpload)))
	form, release, err := h.receive(w, r, log)
	cleanup = release
	if err != nil {
		h.respondError(w, log, err)
		return
	}

	res, err := h.runner.Run(workflows.JobAsk, &workflows.WorkflowContext{
		Ctx:     r.Context(),
		Request: workflows.AskRequest{UploadKey: form.uploadKey, Question: form.question},
		RunID:   runID,
		Log:     log,
	})

	log.Debug("responding", zap.String("stage", string(workflows.StageResponding)))
	if err != nil {
		h.respondError(w, log, err)
		return
	}

	if res.Refused {
		h.metrics.ObserveOutcome(metrics.OutcomeSafety)
		writeJSON(w, http.StatusBadRequest, pipeline.AskResponse{
			ExtractedText: res.ExtractedText,
			Answer:        pipeline.MsgSafetyRejection,
		})
		return
	}

	resp := pipeline.AskResponse{
		ExtractedText: res.ExtractedText,
		Answer:        res.Answer,
	}
	if res.HasConfidence {
		c := res.Confidence
		resp.Confidence = &c
	}
	h.metrics.ObserveOutcome(metrics.OutcomeSuccess)
	writeJSON(w, http.StatusOK, resp)
}

// receive streams the multipart body, saving the image part and reading
// the question. The returned release is non-nil whenever a file was kept
func (h *AskHandler) receive(w http.ResponseWriter, r *http.Request, log *zap.Logger) (askForm, func(), error) {
	var form askForm
	var release func()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		log.Info("request is not multipart", zap.Error(err))
		return form, nil, errNoImage
	}

	log.Debug("validating upload", zap.String("stage", string(workflows.StageValidating)))
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return form, release, classifyBodyError(err, false)
		}

		switch part.FormName() {
		case pipeline.FieldImage:
			if release != nil || part.FileName() == "" {
				break
			}
			meta, cleanup, err := h.saveImage(r, part)
			if cleanup != nil {
				release = cleanup
			}
			if err != nil {
				part.Close()
				return form, release, err
			}
			form.uploadKey = meta.Key
			h.metrics.ObserveUpload(meta.Size)
			log.Info("upload received",
				zap.Int64("bytes", meta.Size),
				zap.String("content_type", meta.ContentType),
			)
		case pipeline.FieldText:
			data, err := io.ReadAll(io.LimitReader(part, maxQuestionBytes))
			if err != nil {
				part.Close()
				return form, release, classifyBodyError(err, false)
			}
			form.question = string(data)
		}
		part.Close()
	}

	if form.uploadKey == "" {
		return form, release, errNoImage
	}
	return form, release, nil
}

func (h *AskHandler) saveImage(r *http.Request, part *multipart.Part) (*storage.Metadata, func(), error) {
	declared := declaredType(part.Header.Get("Content-Type"))
	if declared != "" && !strings.HasPrefix(declared, "image/") {
		return nil, nil, errNotImage
	}

	meta, cleanup, err := h.uploads.Save(r.Context(), part, h.maxUploadBytes)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, nil, errTooLarge
		}
		return nil, nil, classifyBodyError(err, true)
	}
	if meta.Size == 0 {
		return nil, cleanup, errNoImage
	}
	if declared == "" && !strings.HasPrefix(meta.ContentType, "image/") {
		return nil, cleanup, errNotImage
	}
	return meta, cleanup, nil
}

// declaredType returns the part's media type, or "" when it is missing or
// too generic to trust
func declaredType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	if mt == "application/octet-stream" {
		return ""
	}
	return mt
}

// classifyBodyError maps a read failure. Hitting the body cap while
// reading the image blames the image; anywhere else it blames the body
func classifyBodyError(err error, inImage bool) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		if inImage {
			return errTooLarge
		}
		return errBodyTooLarge
	}
	return fmt.Errorf("%w: %v", errMalformed, err)
}

func (h *AskHandler) respondError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, errNoImage):
		h.metrics.ObserveOutcome(metrics.OutcomeBadRequest)
		writeError(w, http.StatusBadRequest, pipeline.MsgNoImage)
	case errors.Is(err, errTooLarge):
		h.metrics.ObserveOutcome(metrics.OutcomeTooLarge)
		writeError(w, http.StatusRequestEntityTooLarge, pipeline.TooLargeMessage(h.maxUploadBytes))
	case errors.Is(err, errNotImage):
		h.metrics.ObserveOutcome(metrics.OutcomeUnsupported)
		writeError(w, http.StatusUnsupportedMediaType, pipeline.MsgNotImage)
	case errors.Is(err, workflows.ErrNoTextFound):
		h.metrics.ObserveOutcome(metrics.OutcomeNoText)
		writeError(w, http.StatusBadRequest, pipeline.MsgNoText)
	case errors.Is(err, errBodyTooLarge):
		h.metrics.ObserveOutcome(metrics.OutcomeBadRequest)
		writeError(w, http.StatusBadRequest, pipeline.MsgBodyTooLarge)
	case errors.Is(err, errMalformed):
		h.metrics.ObserveOutcome(metrics.OutcomeBadRequest)
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		stage, _ := workflows.FailedStage(err)
		log.Error("ask request failed", zap.String("stage", string(stage)), zap.Error(err))
		h.metrics.ObserveOutcome(metrics.OutcomeError)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
