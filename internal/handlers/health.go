package handlers

import (
	"net/http"

	"github.com/tendant/snap-ask/pkg/pipeline"
)

// HealthHandler reports liveness and the configured engines
func HealthHandler(ocrEngine, llmProvider string) http.HandlerFunc {
	return withMethod(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipeline.HealthResponse{
			Status:      "healthy",
			OCREngine:   ocrEngine,
			LLMProvider: llmProvider,
		})
	})
}
