package providers

import (
	"fmt"
	"strings"
	"sync"
)

// Credentials carries per-provider connection settings for the factory.
type Credentials struct {
	OllamaBaseURL   string
	AnthropicAPIKey string
	AnthropicURL    string
	GatewayAPIKey   string
	GatewayBaseURL  string
}

// Factory resolves qualified model IDs of the form "provider:model" to
// provider adapters. Adapters are built lazily and cached, so repeated
// resolutions of the same provider share one client.
type Factory struct {
	creds Credentials

	mu    sync.Mutex
	cache map[string]Provider
}

// NewFactory creates a factory with the given credentials. Credential
// validation happens at first resolution of each provider, not here.
func NewFactory(creds Credentials) *Factory {
	return &Factory{
		creds: creds,
		cache: make(map[string]Provider),
	}
}

// SplitModelID splits a qualified model ID on its first colon. An
// unqualified ID defaults to the ollama provider.
func SplitModelID(modelID string) (provider, model string) {
	modelID = strings.TrimSpace(modelID)
	if idx := strings.Index(modelID, ":"); idx >= 0 {
		return strings.ToLower(modelID[:idx]), modelID[idx+1:]
	}
	return "ollama", modelID
}

// Resolve returns the adapter for a qualified model ID along with the
// bare model name to pass to it.
func (f *Factory) Resolve(modelID string) (Provider, string, error) {
	name, model := SplitModelID(modelID)
	if strings.TrimSpace(model) == "" {
		return nil, "", &ModelError{Reason: FailInvalidRequest, Provider: name, Message: fmt.Sprintf("model id %q has no model name", modelID)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[name]; ok {
		return p, model, nil
	}

	p, err := f.build(name)
	if err != nil {
		return nil, "", err
	}
	f.cache[name] = p
	return p, model, nil
}

// Register installs a pre-built adapter under the given name, replacing
// any cached one. Tests use this to inject fakes.
func (f *Factory) Register(name string, p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[strings.ToLower(name)] = p
}

// Providers lists the names of adapters built so far.
func (f *Factory) Providers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.cache))
	for name := range f.cache {
		names = append(names, name)
	}
	return names
}

func (f *Factory) build(name string) (Provider, error) {
	switch name {
	case "ollama":
		return NewOllamaProvider(OllamaConfig{BaseURL: f.creds.OllamaBaseURL}), nil
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:  f.creds.AnthropicAPIKey,
			BaseURL: f.creds.AnthropicURL,
		})
	case "openai", "gateway":
		return NewGatewayProvider(GatewayConfig{
			APIKey:  f.creds.GatewayAPIKey,
			BaseURL: f.creds.GatewayBaseURL,
		})
	default:
		return nil, &ModelError{Reason: FailModelUnavailable, Provider: name, Message: fmt.Sprintf("unsupported provider %q", name)}
	}
}
