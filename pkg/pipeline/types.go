// Package pipeline holds the wire types shared by the ask server and its clients
package pipeline

import "fmt"

// Form field names accepted by POST /api/ask
const (
	FieldImage = "image"
	FieldText  = "text"
)

// AskPath is the route of the ask endpoint
const AskPath = "/api/ask"

// User-facing messages returned by the ask endpoint
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgNoImage          = "No image provided"
	MsgNoText           = "No text found in the image"
	MsgNotImage         = "Only image uploads are allowed"
	MsgBodyTooLarge     = "Request body exceeds the upload size limit"
	MsgSafetyRejection  = "The AI could not generate a response due to content safety concerns."
)

// TooLargeMessage is the 413 message for an upload limit of limit bytes
func TooLargeMessage(limit int64) string {
	if limit >= 1<<20 {
		return fmt.Sprintf("Image exceeds the %d MB upload limit", limit>>20)
	}
	return fmt.Sprintf("Image exceeds the %d KB upload limit", limit>>10)
}

// AskResponse is returned on success (200) and on safety rejection (400);
// Confidence is omitted when the OCR engine did not report one
type AskResponse struct {
	ExtractedText string   `json:"extractedText"`
	Answer        string   `json:"answer"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// ErrorResponse is returned for every failure that carries no partial result
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	OCREngine   string `json:"ocrEngine"`
	LLMProvider string `json:"llmProvider"`
}
