// Package gateway adapts the chat and embedding provider abstractions onto
// the single [store.ModelGateway] seam the memory-write pipeline and
// retrieval composer are written against, so neither has to know whether
// "the model" is one provider or a resilience-wrapped fallback chain.
package gateway

import (
	"context"
	"fmt"

	"github.com/lucidgraph/memengine/pkg/provider/embeddings"
	"github.com/lucidgraph/memengine/pkg/provider/llm"
	"github.com/lucidgraph/memengine/pkg/store"
	"github.com/lucidgraph/memengine/pkg/types"
)

// chatProvider is the subset of llm.Provider the gateway needs. Both a bare
// provider and an *internal/resilience.LLMFallback satisfy it.
type chatProvider interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Capabilities() types.ModelCapabilities
}

// Gateway implements [store.ModelGateway] over a chat provider and an
// embeddings provider. model strings passed to Chat/Embed are accepted for
// interface parity with the store contract but otherwise ignored: the
// concrete provider and model are fixed at construction, matching how the
// rest of this codebase pins a provider per Config.Providers entry rather
// than routing per-call.
type Gateway struct {
	chat  chatProvider
	embed embeddings.Provider
}

var _ store.ModelGateway = (*Gateway)(nil)

// New builds a Gateway from a chat provider and an embeddings provider. Pass
// an *internal/resilience.LLMFallback as chat to get provider-chain retry
// behavior for free.
func New(chat chatProvider, embed embeddings.Provider) *Gateway {
	return &Gateway{chat: chat, embed: embed}
}

// Chat issues a single chat completion. responseFormat == "json" is honored
// by appending a structured-output instruction to the system prompt when the
// underlying provider does not natively support JSON mode; providers that
// report SupportsJSONMode still receive the same instruction since the
// Provider interface carries no dedicated response-format field.
func (g *Gateway) Chat(ctx context.Context, model string, messages []types.Message, temperature float64, responseFormat string) (string, error) {
	req := llm.CompletionRequest{
		Messages:    messages,
		Temperature: temperature,
	}
	if responseFormat == "json" {
		req.SystemPrompt = "Respond with a single valid JSON object and nothing else."
	}

	resp, err := g.chat.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("gateway: chat completion: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Content, nil
}

// Embed returns one embedding per text, in order, via the configured
// embeddings provider's batch call.
func (g *Gateway) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := g.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("gateway: embed batch: %w", err)
	}
	return vectors, nil
}
