// Package client calls a snap-ask server over HTTP
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tendant/snap-ask/pkg/pipeline"
)

// APIError is a non-200 answer from the server. Partial is set when the
// server returned extracted text with a refusal
type APIError struct {
	StatusCode int
	Message    string
	Partial    *pipeline.AskResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// IsSafetyRejection reports whether err is a content-safety refusal
func IsSafetyRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Partial != nil
}

// Client is an HTTP client for the ask endpoint
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 2 * time.Minute,
	})
}

// NewWithHTTPClient creates a new client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Ask uploads image with an optional question. contentType may be empty, in
// which case the server sniffs it
func (c *Client) Ask(ctx context.Context, image io.Reader, filename, contentType, question string) (*pipeline.AskResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if question != "" {
		if err := mw.WriteField(pipeline.FieldText, question); err != nil {
			return nil, fmt.Errorf("failed to write question: %w", err)
		}
	}

	if filename == "" {
		filename = "capture.png"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, pipeline.FieldImage, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pipeline.AskPath, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}

	var askResp pipeline.AskResponse
	if err := json.Unmarshal(data, &askResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &askResp, nil
}

// Health fetches GET /health
func (c *Client) Health(ctx context.Context) (*pipeline.HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, decodeError(resp.StatusCode, data)
	}
	var health pipeline.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

func decodeError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}

	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) != nil {
		return apiErr
	}
	if _, ok := fields["answer"]; ok {
		var partial pipeline.AskResponse
		if json.Unmarshal(data, &partial) == nil {
			apiErr.Partial = &partial
			apiErr.Message = partial.Answer
		}
		return apiErr
	}
	var e pipeline.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		apiErr.Message = e.Error
	}
	return apiErr
}
