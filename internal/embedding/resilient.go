package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned when the provider has failed repeatedly and
// calls are being short-circuited.
var ErrCircuitOpen = errors.New("embedding provider circuit breaker is open")

// ResilientConfig tunes the breaker and rate limiter around a provider.
type ResilientConfig struct {
	// MaxFailures is the consecutive-failure count that trips the breaker.
	MaxFailures uint32

	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration

	// RequestsPerSecond caps the provider call rate. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Defaults to 1 when limiting is on.
	Burst int
}

// DefaultResilientConfig returns conservative settings for a local provider.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// ResilientEmbedder wraps an Embedder with a circuit breaker and an optional
// rate limiter. A flapping provider is cut off quickly instead of stalling
// every write path behind its timeout.
type ResilientEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewResilientEmbedder wraps inner with breaker and limiter protection.
func NewResilientEmbedder(inner Embedder, cfg ResilientConfig) *ResilientEmbedder {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("embedding: circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &ResilientEmbedder{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: limiter,
	}
}

// Embed delegates through the limiter and breaker.
func (e *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding: rate limit wait: %w", err)
		}
	}

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.([]float32), nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *ResilientEmbedder) Dimensions() int { return e.inner.Dimensions() }

// State reports the current breaker state, for diagnostics.
func (e *ResilientEmbedder) State() gobreaker.State {
	return e.breaker.State()
}
