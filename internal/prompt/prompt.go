package prompt

import "strings"

const (
	// Marker separates the user's question from the OCR text
	Marker = "Text extracted from image: "

	// DefaultPhrase stands in for an empty question or empty OCR text
	DefaultPhrase = "Please analyze the following content safely."
)

// Compose builds the instruction sent to the language model from an
// already sanitized question and extracted text. The result contains
// Marker exactly once
func Compose(question, extracted string) string {
	question = orDefault(stripMarker(question))
	extracted = orDefault(stripMarker(extracted))
	return question + "\n\n" + Marker + extracted
}

func orDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return DefaultPhrase
	}
	return s
}

// stripMarker removes every occurrence of Marker, including ones formed by
// a previous removal
func stripMarker(s string) string {
	for strings.Contains(s, Marker) {
		s = strings.ReplaceAll(s, Marker, "")
	}
	return strings.TrimSpace(s)
}
