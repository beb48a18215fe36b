package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/snap-ask/internal/generate"
	"github.com/tendant/snap-ask/internal/metrics"
	"github.com/tendant/snap-ask/internal/ocr"
	"github.com/tendant/snap-ask/internal/ocr/ocrtest"
	"github.com/tendant/snap-ask/internal/storage"
	"github.com/tendant/snap-ask/internal/workflows"
	"github.com/tendant/snap-ask/pkg/pipeline"
)

type fakeExtractor struct {
	result ocr.Result
	err    error
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Extract(ctx context.Context, image []byte, opts ocr.Options) (ocr.Result, error) {
	return f.result, f.err
}

type fakeGenerator struct {
	answer  generate.Answer
	err     error
	panic   bool
	prompts []string
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (generate.Answer, error) {
	f.prompts = append(f.prompts, prompt)
	if f.panic {
		panic("generator exploded")
	}
	return f.answer, f.err
}

type testServer struct {
	handler   http.Handler
	uploadDir string
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, ext ocr.TextExtractor, gen generate.AnswerGenerator, limit int64) *testServer {
	t.Helper()

	uploads, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)

	m := metrics.New()
	runner := workflows.NewWorkflowRunner(m)
	runner.Register(workflows.JobAsk, workflows.NewAskWorkflow(workflows.AskDeps{
		Uploads:           uploads,
		Extractor:         ext,
		Generator:         gen,
		Metrics:           m,
		MaxQuestionLength: 500,
	}))

	h := NewAskHandler(AskHandlerConfig{
		Runner:         runner,
		Uploads:        uploads,
		Metrics:        m,
		MaxUploadBytes: limit,
	})
	return &testServer{
		handler:   WithRecovery(nil, m, h),
		uploadDir: uploads.Dir(),
		metrics:   m,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) assertNoUploadsLeft(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "upload directory must be empty after the request")
}

type formPart struct {
	field, filename, contentType string
	data                         []byte
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		if p.filename != "" {
			h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		} else {
			h.Set("Content-Disposition", `form-data; name="`+p.field+`"`)
		}
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, pipeline.AskPath, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func imagePart(data []byte) formPart {
	return formPart{field: pipeline.FieldImage, filename: "capture.png", contentType: "image/png", data: data}
}

func textPart(q string) formPart {
	return formPart{field: pipeline.FieldText, data: []byte(q)}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestAskSuccess(t *testing.T) {
	gen := &fakeGenerator{answer: generate.Answer{Text: "Hello! How can I help?"}}
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "HELLO\n", Confidence: 93, HasConfidence: true}}, gen, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(20, 20)), textPart("greet me")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	resp := decode[pipeline.AskResponse](t, rec)
	assert.Equal(t, "HELLO", resp.ExtractedText)
	assert.Equal(t, "Hello! How can I help?", resp.Answer)
	require.NotNil(t, resp.Confidence)
	assert.InDelta(t, 93, *resp.Confidence, 1e-9)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "greet me\n\nText extracted from image: HELLO")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeSuccess)))
	s.assertNoUploadsLeft(t)
}

func TestAskTextPartBeforeImage(t *testing.T) {
	gen := &fakeGenerator{answer: generate.Answer{Text: "ok"}}
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "menu"}}, gen, 10<<20)

	rec := s.do(multipartRequest(t, textPart("what is cheapest?"), imagePart(ocrtest.BlankPNG(5, 5))))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[pipeline.AskResponse](t, rec)
	assert.Nil(t, resp.Confidence)
	assert.Equal(t, "what is cheapest?\n\nText extracted from image: menu", gen.prompts[0])
	s.assertNoUploadsLeft(t)
}

func TestAskMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{}, &fakeGenerator{}, 10<<20)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := s.do(httptest.NewRequest(method, pipeline.AskPath, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
		assert.Equal(t, pipeline.MsgMethodNotAllowed, decode[pipeline.ErrorResponse](t, rec).Error)
	}
}

func TestAskNoImage(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{"text only", func(t *testing.T) *http.Request { return multipartRequest(t, textPart("hi")) }},
		{"empty image part", func(t *testing.T) *http.Request { return multipartRequest(t, imagePart(nil)) }},
		{"empty form", func(t *testing.T) *http.Request { return multipartRequest(t) }},
		{"json body", func(t *testing.T) *http.Request {
			req := httptest.NewRequest(http.MethodPost, pipeline.AskPath, strings.NewReader(`{"text":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{}
			s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "x"}}, gen, 10<<20)

			rec := s.do(tt.req(t))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, pipeline.MsgNoImage, decode[pipeline.ErrorResponse](t, rec).Error)
			assert.Empty(t, gen.prompts)
			s.assertNoUploadsLeft(t)
		})
	}
}

func TestAskTooLarge(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "x"}}, &fakeGenerator{}, 1024)

	rec := s.do(multipartRequest(t, imagePart(bytes.Repeat([]byte{0x89}, 4096))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Image exceeds the 1 KB upload limit", decode[pipeline.ErrorResponse](t, rec).Error)
	s.assertNoUploadsLeft(t)
}

func TestAskOversizedTextField(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "x"}}, gen, 1024)

	question := strings.Repeat("a", 2<<20)
	rec := s.do(multipartRequest(t, textPart(question), imagePart(ocrtest.BlankPNG(4, 4))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pipeline.MsgBodyTooLarge, decode[pipeline.ErrorResponse](t, rec).Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeBadRequest)))
	assert.Empty(t, gen.prompts)
	s.assertNoUploadsLeft(t)
}

func TestAskRejectsNonImage(t *testing.T) {
	tests := []struct {
		name string
		part formPart
	}{
		{"declared text", formPart{field: pipeline.FieldImage, filename: "notes.txt", contentType: "text/plain", data: []byte("hello")}},
		{"sniffed text", formPart{field: pipeline.FieldImage, filename: "blob", contentType: "application/octet-stream", data: []byte("plain words")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "x"}}, &fakeGenerator{}, 10<<20)

			rec := s.do(multipartRequest(t, tt.part))
			assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
			assert.Equal(t, pipeline.MsgNotImage, decode[pipeline.ErrorResponse](t, rec).Error)
			s.assertNoUploadsLeft(t)
		})
	}
}

func TestAskSniffsUndeclaredImage(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "x"}}, &fakeGenerator{answer: generate.Answer{Text: "ok"}}, 10<<20)

	part := imagePart(ocrtest.BlankPNG(4, 4))
	part.contentType = "application/octet-stream"
	rec := s.do(multipartRequest(t, part))
	assert.Equal(t, http.StatusOK, rec.Code)
	s.assertNoUploadsLeft(t)
}

func TestAskMalformedMultipart(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{}, &fakeGenerator{}, 10<<20)

	req := httptest.NewRequest(http.MethodPost, pipeline.AskPath, strings.NewReader("--xyz\r\nContent-Disposition: form-data; name=\"image\"; filename=\"a.png\"\r\n\r\nunterminated"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	rec := s.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[pipeline.ErrorResponse](t, rec).Error, "invalid multipart form")
	s.assertNoUploadsLeft(t)
}

func TestAskNoTextFound(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "  \n "}}, gen, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(10, 10))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pipeline.MsgNoText, decode[pipeline.ErrorResponse](t, rec).Error)
	assert.Empty(t, gen.prompts)
	s.assertNoUploadsLeft(t)
}

func TestAskExtractionFailure(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{err: errors.New("tessdata missing")}, &fakeGenerator{}, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(10, 10))))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[pipeline.ErrorResponse](t, rec).Error, "tessdata missing")
	s.assertNoUploadsLeft(t)
}

func TestAskSafetyRejection(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "HELLO", Confidence: 80, HasConfidence: true}}, &fakeGenerator{answer: generate.Answer{Refused: true}}, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(10, 10))))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"extractedText":"HELLO","answer":"The AI could not generate a response due to content safety concerns."}`, string(body))
	s.assertNoUploadsLeft(t)
}

func TestAskGenerationFailure(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "HELLO"}}, &fakeGenerator{err: errors.New("quota exceeded")}, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(10, 10))))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[pipeline.ErrorResponse](t, rec).Error, "quota exceeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeError)))
	s.assertNoUploadsLeft(t)
}

func TestAskPanicStillCleansUp(t *testing.T) {
	s := newTestServer(t, &fakeExtractor{result: ocr.Result{Text: "HELLO"}}, &fakeGenerator{panic: true}, 10<<20)

	rec := s.do(multipartRequest(t, imagePart(ocrtest.BlankPNG(10, 10))))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decode[pipeline.ErrorResponse](t, rec).Error)
	s.assertNoUploadsLeft(t)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler("gosseract", "googleai").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.HealthResponse{Status: "healthy", OCREngine: "gosseract", LLMProvider: "googleai"},
		decode[pipeline.HealthResponse](t, rec))

	rec = httptest.NewRecorder()
	HealthHandler("gosseract", "googleai").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
