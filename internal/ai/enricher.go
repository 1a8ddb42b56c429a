package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

const (
	systemPrompt = "You are a helpful cybersecurity assistant. Provide your response in a clean JSON format."

	// Chat templates of small local models echo the whole conversation; the
	// answer follows the last assistant turn marker.
	assistantMarker = "<|assistant|>"

	MsgUnavailable        = "AI model is not available."
	MsgSummaryNotFound    = "Summary not found."
	MsgMitigationNotFound = "Mitigation not found."
	MsgAnalysisFailed     = "AI analysis failed."
	MsgMitigationFailed   = "Could not generate mitigation."
)

var errNoJSON = errors.New("no JSON object in model output")

// Enricher asks the model for a plain-language summary and a mitigation for
// each finding.
type Enricher struct {
	backend Backend
	logger  *logger.Logger
}

// NewEnricher returns an Enricher; a nil backend yields the "not available"
// answer for every finding.
func NewEnricher(backend Backend, log *logger.Logger) *Enricher {
	return &Enricher{backend: backend, logger: log.WithComponent("ai")}
}

// New builds the configured backend. A backend that cannot be built is
// logged and treated as unavailable so scans still run.
func New(cfg config.AIConfig, log *logger.Logger) *Enricher {
	backend, err := NewOpenAIBackend(cfg, log)
	if err != nil {
		if !errors.Is(err, ErrDisabled) {
			log.Warnw("AI backend unavailable, findings will not be annotated", "error", err)
		}
		return NewEnricher(nil, log)
	}
	return NewEnricher(backend, log)
}

func (e *Enricher) Available() bool {
	return e.backend != nil
}

func userPrompt(name, url string) string {
	return fmt.Sprintf(`A scan found a vulnerability. Name: "%s", URL: "%s". Provide a JSON object with two keys: "summary" (a simple explanation) and "mitigation" (a short fix).`, name, url)
}

func (e *Enricher) Analyze(ctx context.Context, name, url string) (summary, mitigation string) {
	if e.backend == nil {
		return MsgUnavailable, MsgUnavailable
	}

	text, err := e.backend.Complete(ctx, systemPrompt, userPrompt(name, url))
	if err != nil {
		e.logger.Warnw("AI analysis failed", "vulnerability", name, "url", url, "error", err)
		return MsgAnalysisFailed, MsgMitigationFailed
	}

	summary, mitigation, err = ParseAnalysis(text)
	if err != nil {
		e.logger.Warnw("AI response was not usable", "vulnerability", name, "error", err)
		return MsgAnalysisFailed, MsgMitigationFailed
	}
	return summary, mitigation
}

// ParseAnalysis pulls the summary and mitigation out of raw model output.
func ParseAnalysis(text string) (summary, mitigation string, err error) {
	if i := strings.LastIndex(text, assistantMarker); i >= 0 {
		text = text[i+len(assistantMarker):]
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", "", errNoJSON
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &fields); err != nil {
		return "", "", fmt.Errorf("failed to parse AI response: %w", err)
	}

	return field(fields, "summary", MsgSummaryNotFound), field(fields, "mitigation", MsgMitigationNotFound), nil
}

func field(fields map[string]interface{}, key, fallback string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
