package anthropic

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/provider"
)

// defaultMaxTokens bounds one synthesis response.
const defaultMaxTokens = 8192

// Provider adapts a Client to the engine's provider interface. One Provider
// wraps one model; registering several models yields distinct fallback
// candidates with independent health tracking.
type Provider struct {
	client Client
	model  string
}

// NewProvider creates a provider for one Anthropic model.
func NewProvider(client Client, model string) *Provider {
	return &Provider{client: client, model: model}
}

// ID implements provider.Provider.
func (p *Provider) ID() string {
	return "anthropic:" + p.model
}

// Supports implements provider.Provider. Anthropic models serve both
// synthesis and report rendering.
func (p *Provider) Supports(cap provider.Capability) bool {
	return cap == provider.CapabilitySynthesis || cap == provider.CapabilityRender
}

// Invoke implements provider.Provider.
func (p *Provider) Invoke(ctx context.Context, cap provider.Capability, payload provider.Payload) (*provider.Result, error) {
	resp, err := p.client.CreateMessage(ctx, MessageRequest{
		Model:     p.model,
		MaxTokens: defaultMaxTokens,
		System:    payload.Prompt,
		Messages:  []Message{{Role: "user", Content: payload.Context}},
	})
	if err != nil {
		return nil, err
	}

	text := resp.Text()
	if text == "" {
		return nil, eris.Errorf("anthropic: model %s returned no text content", p.model)
	}
	resp.Usage.LogCost(p.model, string(cap))

	return &provider.Result{
		Content:      text,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}
