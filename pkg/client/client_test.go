package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/snap-ask/pkg/pipeline"
)

func TestAskSendsMultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, pipeline.AskPath, r.URL.Path)

		f, hdr, err := r.FormFile(pipeline.FieldImage)
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "png-bytes", string(data))
		assert.Equal(t, "capture.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "greet me", r.FormValue(pipeline.FieldText))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"extractedText":"HELLO","answer":"Hi!","confidence":90}`)
	}))
	defer srv.Close()

	resp, err := New(srv.URL+"/").Ask(context.Background(), strings.NewReader("png-bytes"), "", "image/png", "greet me")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", resp.ExtractedText)
	assert.Equal(t, "Hi!", resp.Answer)
	require.NotNil(t, resp.Confidence)
	assert.Equal(t, 90.0, *resp.Confidence)
}

func TestAskErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
		safety  bool
	}{
		{"no text", http.StatusBadRequest, `{"error":"No text found in the image"}`, "No text found in the image", false},
		{"safety", http.StatusBadRequest, `{"extractedText":"x","answer":"The AI could not generate a response due to content safety concerns."}`, pipeline.MsgSafetyRejection, true},
		{"plain text", http.StatusBadGateway, "bad gateway", "bad gateway", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).Ask(context.Background(), strings.NewReader("x"), "a.png", "", "")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, tt.safety, IsSafetyRejection(err))
		})
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"healthy","ocrEngine":"gosseract","llmProvider":"googleai"}`)
	}))
	defer srv.Close()

	h, err := New(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "gosseract", h.OCREngine)
}
