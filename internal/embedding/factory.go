package embedding

import (
	"fmt"
	"log"
)

// Options selects and tunes a provider chain.
type Options struct {
	// Provider is one of "ollama", "openai", "local".
	Provider string

	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int

	// CacheSize is the LRU entry count. Zero uses the default.
	CacheSize int

	Resilient ResilientConfig
}

// New builds the configured provider wrapped in resilience and caching
// layers. The chain is cache -> breaker/limiter -> provider, so cached hits
// never touch the breaker.
func New(opts Options) (Embedder, error) {
	var base Embedder
	switch opts.Provider {
	case "ollama":
		base = NewOllamaEmbedder(opts.BaseURL, opts.Model, opts.Dimensions)
	case "openai":
		base = NewOpenAIEmbedder(opts.BaseURL, opts.APIKey, opts.Model, opts.Dimensions)
	case "local", "":
		base = NewLocalEmbedder(opts.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}

	log.Printf("embedding: provider=%s dimensions=%d", providerName(opts.Provider), base.Dimensions())

	resilient := NewResilientEmbedder(base, opts.Resilient)
	return NewCachedEmbedder(resilient, opts.CacheSize)
}

func providerName(p string) string {
	if p == "" {
		return "local"
	}
	return p
}
