package extract

import (
	"encoding/json"
	"strings"

	"github.com/humano-saude/funnel-api/internal/model"
)

// parseFields turns raw model output into a Result. Output that is not a
// parsable JSON object becomes a soft failure carrying the raw text.
func parseFields(raw string) *Result {
	cleaned := cleanJSON(raw)

	var fields model.InvoiceFields
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return &Result{OK: false, Raw: raw}
	}

	if fields.Confidence < 0 {
		fields.Confidence = 0
	}
	if fields.Confidence > 100 {
		fields.Confidence = 100
	}

	return &Result{OK: true, Fields: &fields, Raw: raw}
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
