// Package pipeline implements the conversation pre-stage: turning a raw
// multi-turn transcript into the cleaned text the extraction engine sees,
// via an optional factual-preserving summary and sensitive-field redaction.
// Both steps degrade gracefully to the untouched input on failure — the
// write pipeline must still proceed even if the model gateway is unhappy.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

const (
	defaultModel              = "gpt-4o-mini"
	defaultTemperature        = 0.0
	defaultSummarizeThreshold = 6
)

const summarizePromptTemplate = `Summarize the following conversation transcript, preserving every factual claim about the speaker (preferences, plans, relationships, identity details) and discarding greetings, filler, and small talk. Write the summary in the third person. Add no explanation or analysis, summary only.

Transcript:
%s`

// redactPromptTemplate's exclusion list is deliberate: names, addresses,
// phone numbers, and email addresses are left untouched because the
// extraction engine needs them to resolve entities and relationships.
const redactPromptTemplate = `Rewrite the following text, replacing any of the following sensitive spans with the literal token [REDACTED], and leaving everything else unchanged. Do not redact names, addresses, phone numbers, or email addresses.

- bank card numbers
- passwords
- national id numbers
- social security numbers
- passport numbers
- driver's license numbers

Text:
%s`

// Option configures an [Engine].
type Option func(*Engine)

// WithModel overrides the model identifier passed to the gateway.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(e *Engine) { e.temperature = temp }
}

// WithSummarizeThreshold sets the minimum message count below which
// Process skips summarization and passes the transcript through verbatim.
func WithSummarizeThreshold(n int) Option {
	return func(e *Engine) { e.summarizeThreshold = n }
}

// WithRedaction toggles the sensitive-field redaction step.
func WithRedaction(enabled bool) Option {
	return func(e *Engine) { e.redact = enabled }
}

// Engine implements the conversation pre-stage over a model gateway.
type Engine struct {
	gateway            store.ModelGateway
	model              string
	temperature        float64
	summarizeThreshold int
	redact             bool
	logger             *slog.Logger
}

// New returns an Engine. Redaction defaults to enabled; callers wire
// [internal/config.PipelineConfig.RedactSensitiveFields] through
// [WithRedaction] to honor an operator override.
func New(gateway store.ModelGateway, opts ...Option) *Engine {
	e := &Engine{
		gateway:            gateway,
		model:              defaultModel,
		temperature:        defaultTemperature,
		summarizeThreshold: defaultSummarizeThreshold,
		redact:             true,
		logger:             slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Process runs the pre-stage over messages and returns the text that
// should replace the raw content before extraction. needsSummary mirrors
// the task's `metadata.needs_summary` flag: when false, Process returns
// the verbatim joined transcript without calling the gateway at all.
func (e *Engine) Process(ctx context.Context, messages []types.Message, needsSummary bool, correlationID string) string {
	raw := joinMessages(messages)
	if !needsSummary {
		return raw
	}

	content := raw
	if len(messages) >= e.summarizeThreshold {
		if summary, err := e.summarize(ctx, raw, correlationID); err != nil {
			e.logger.Warn("pre-stage summarization failed, falling through to raw transcript",
				"correlation_id", correlationID, "error", err)
		} else {
			e.logger.Info("PROGRESS", "correlation_id", correlationID,
				"status", fmt.Sprintf("Summarized: %d chars -> %d chars", len(raw), len(summary)),
				"chars_before", len(raw), "chars_after", len(summary))
			content = summary
		}
	}

	if e.redact {
		if redacted, err := e.redactSensitive(ctx, content, correlationID); err != nil {
			e.logger.Warn("pre-stage redaction failed, falling through to unredacted content",
				"correlation_id", correlationID, "error", err)
		} else {
			content = redacted
		}
	}

	return content
}

func (e *Engine) summarize(ctx context.Context, transcript string, correlationID string) (string, error) {
	prompt := fmt.Sprintf(summarizePromptTemplate, transcript)
	raw, err := e.gateway.Chat(ctx, e.model, []types.Message{{Role: "user", Content: prompt}}, e.temperature, "")
	if err != nil {
		return "", fmt.Errorf("pipeline: summarize: %w", err)
	}
	e.logger.Debug("pre-stage summarization complete", "correlation_id", correlationID)
	return strings.TrimSpace(raw), nil
}

func (e *Engine) redactSensitive(ctx context.Context, content string, correlationID string) (string, error) {
	prompt := fmt.Sprintf(redactPromptTemplate, content)
	raw, err := e.gateway.Chat(ctx, e.model, []types.Message{{Role: "user", Content: prompt}}, e.temperature, "")
	if err != nil {
		return "", fmt.Errorf("pipeline: redact: %w", err)
	}
	e.logger.Debug("pre-stage redaction complete", "correlation_id", correlationID)
	return strings.TrimSpace(raw), nil
}

func joinMessages(messages []types.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}
