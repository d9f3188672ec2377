package usecase

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
)

// Providers is one built pair of speech clients
type Providers struct {
	Name string
	STT  repositories.SpeechToText
	TTS  repositories.TextToSpeech
}

// Factory builds the clients of a provider from its resolved configuration
type Factory func(cfg config.SpeechConfig) (*Providers, error)

// Registry builds providers by name and caches them per resolved
// configuration. It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[config.SpeechConfig]*Providers
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		cache:     make(map[config.SpeechConfig]*Providers),
		logger:    logger,
	}
}

// Register adds or replaces the factory for a provider name. Cached
// providers built by a replaced factory are dropped.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		for cfg := range r.cache {
			if cfg.Provider == name {
				delete(r.cache, cfg)
			}
		}
	}
	r.factories[name] = factory
}

// Get returns the providers for cfg, building them on first use
func (r *Registry) Get(cfg config.SpeechConfig) (*Providers, error) {
	cfg = cfg.Resolved()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[cfg]; ok {
		return p, nil
	}

	factory, ok := r.factories[cfg.Provider]
	if !ok {
		return nil, domain.NewFault(domain.FaultConfiguration,
			fmt.Sprintf("unknown speech provider %q", cfg.Provider), nil)
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider %s: %w", cfg.Provider, err)
	}
	if p.Name == "" {
		p.Name = cfg.Provider
	}

	r.cache[cfg] = p
	r.logger.Info("Speech provider built", zap.String("provider", cfg.Provider))
	return p, nil
}

// cached returns the number of cached provider sets
func (r *Registry) cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
