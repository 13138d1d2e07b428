package openrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/connortoro/aicompare/domain/chat"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig tunes the per-model breakers. SuccessThreshold is
// carried for configuration compatibility; gobreaker closes a half-open
// breaker after MaxRequests consecutive successes.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreakerProvider wraps a completion backend with one breaker per
// model, so an outage of one upstream vendor does not block the others.
type CircuitBreakerProvider struct {
	provider chat.ProviderPort
	stream   chat.StreamProviderPort[chat.StreamChunk]
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

func NewCircuitBreakerProvider(provider chat.ProviderPort, stream chat.StreamProviderPort[chat.StreamChunk], config CircuitBreakerConfig) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		provider: provider,
		stream:   stream,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Chat runs a non-streaming completion through the model's breaker.
func (c *CircuitBreakerProvider) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	if !c.config.Enabled {
		return c.provider.Chat(ctx, req)
	}

	key := breakerKey(req.Model)
	breaker := c.breakerFor(key)

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.provider.Chat(ctx, req)
	})
	if err != nil {
		return nil, rejected(err, key, breaker)
	}
	return result.(*chat.Response), nil
}

// Stream runs a streaming completion through the model's breaker. Chunks
// already delivered to onChunk stay delivered when the stream later fails.
func (c *CircuitBreakerProvider) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[chat.StreamChunk]) error {
	if !c.config.Enabled {
		return c.stream.Stream(ctx, req, onChunk)
	}

	key := breakerKey(req.Model)
	breaker := c.breakerFor(key)

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, c.stream.Stream(ctx, req, onChunk)
	})
	if err != nil {
		return rejected(err, key, breaker)
	}
	return nil
}

// rejected names the model when the breaker itself refused the call; upstream
// errors pass through untouched.
func rejected(err error, key string, breaker *gobreaker.CircuitBreaker) error {
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"model": key,
		"state": breaker.State().String(),
	}).Warn("Model unavailable, failing fast")
	return fmt.Errorf("circuit breaker open for model %s: %w", key, err)
}

// GetCircuitStates reports each model's breaker state for /health.
func (c *CircuitBreakerProvider) GetCircuitStates() map[string]string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]string, len(c.breakers))
	for model, breaker := range c.breakers {
		states[model] = breaker.State().String()
	}
	return states
}

func (c *CircuitBreakerProvider) breakerFor(key string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	breaker, ok := c.breakers[key]
	c.mutex.RUnlock()
	if ok {
		return breaker
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if breaker, ok := c.breakers[key]; ok {
		return breaker
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openrouter-" + key,
		MaxRequests: c.config.MaxRequests,
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= c.config.FailureThreshold &&
				counts.TotalFailures >= c.config.FailureThreshold
		},
		// A user abandoning a stream says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"model": key,
				"from":  from.String(),
				"to":    to.String(),
			}).Info("Circuit breaker state changed")
		},
	})
	c.breakers[key] = breaker
	return breaker
}

var breakerKeyReplacer = strings.NewReplacer("/", "-", ".", "-")

// breakerKey turns a provider model id such as "openai/gpt-4.1" into
// "openai-gpt-4-1".
func breakerKey(model string) string {
	if model == "" {
		return "default"
	}
	return strings.ToLower(breakerKeyReplacer.Replace(model))
}
