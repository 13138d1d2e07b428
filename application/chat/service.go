package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/connortoro/aicompare/domain/chat"
	"github.com/connortoro/aicompare/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRequest is wrapped by every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// maxPromptLength bounds the newest message only. Earlier messages replay
// the conversation so far and are accepted at any length and count.
const maxPromptLength = 50000

type exchangeIDKey struct{}

// WithExchangeID makes id the tracking id of the next exchange started with ctx.
func WithExchangeID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, exchangeIDKey{}, id)
}

func exchangeIDFrom(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(exchangeIDKey{}).(uuid.UUID); ok && id != uuid.Nil {
		return id
	}
	return uuid.New()
}

// Service orchestrates chat use cases
type Service struct {
	provider chat.ProviderPort
	stream   chat.StreamProviderPort[chat.StreamChunk]
	tracker  persistence.ExchangeTracker
}

func NewService(provider chat.ProviderPort, stream chat.StreamProviderPort[chat.StreamChunk], tracker persistence.ExchangeTracker) *Service {
	return &Service{
		provider: provider,
		stream:   stream,
		tracker:  tracker,
	}
}

// NewServiceWithoutTracking creates a service that records nothing
func NewServiceWithoutTracking(provider chat.ProviderPort, stream chat.StreamProviderPort[chat.StreamChunk]) *Service {
	return NewService(provider, stream, nil)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func validate(req *chat.Request, streaming bool) error {
	if req == nil || len(req.Messages) == 0 {
		return invalid("messages cannot be empty")
	}
	if streaming && !req.Stream {
		return invalid("set stream=true for streaming")
	}
	if !streaming && req.Stream {
		return invalid("use Stream for streaming requests")
	}
	if strings.TrimSpace(req.Model) == "" {
		return invalid("model cannot be empty")
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			return invalid("message %d: role cannot be empty", i)
		}
		if msg.Content == "" {
			return invalid("message %d: content cannot be empty", i)
		}
		if msg.Role != chat.RoleUser && msg.Role != chat.RoleAssistant && msg.Role != chat.RoleSystem {
			return invalid("message %d: invalid role '%s' (must be user, assistant, or system)", i, msg.Role)
		}
	}

	last := len(req.Messages) - 1
	if n := len(req.Messages[last].Content); n > maxPromptLength {
		return invalid("message %d: content too long (%d chars, max %d)", last, n, maxPromptLength)
	}
	return nil
}

func (s *Service) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	if err := validate(req, false); err != nil {
		return nil, err
	}

	exchangeID := exchangeIDFrom(ctx)
	s.startTracking(ctx, exchangeID, req)
	startTime := time.Now()

	resp, err := s.provider.Chat(ctx, req)
	latency := time.Since(startTime)

	if err != nil {
		s.failTracking(ctx, exchangeID, err, latency)
		return nil, err
	}

	s.completeTracking(ctx, exchangeID, resp.Text(), &resp.Usage, latency)
	return resp, nil
}

func (s *Service) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[chat.StreamChunk]) error {
	if err := validate(req, true); err != nil {
		return err
	}

	exchangeID := exchangeIDFrom(ctx)
	s.startTracking(ctx, exchangeID, req)
	startTime := time.Now()

	var text strings.Builder
	var finalUsage *chat.Usage

	err := s.stream.Stream(ctx, req, func(chunk chat.StreamChunk) error {
		// Usage arrives on the final chunk
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		if s.tracker != nil {
			text.WriteString(chunk.Text())
		}
		return onChunk(chunk)
	})
	latency := time.Since(startTime)

	if err != nil {
		s.failTracking(ctx, exchangeID, err, latency)
		return err
	}

	s.completeTracking(ctx, exchangeID, text.String(), finalUsage, latency)
	return nil
}

func (s *Service) startTracking(ctx context.Context, exchangeID uuid.UUID, req *chat.Request) {
	if s.tracker == nil {
		return
	}
	requestData, err := json.Marshal(req)
	if err != nil {
		logrus.WithError(err).WithField("exchange_id", exchangeID).Warn("Failed to serialize request for tracking")
		return
	}
	if err := s.tracker.StartTracking(context.WithoutCancel(ctx), exchangeID, requestData, req.Model, req.Stream); err != nil {
		logrus.WithError(err).WithField("exchange_id", exchangeID).Warn("Failed to start tracking exchange")
	}
}

func (s *Service) completeTracking(ctx context.Context, exchangeID uuid.UUID, text string, usage *chat.Usage, latency time.Duration) {
	if s.tracker == nil {
		return
	}
	result := persistence.ExchangeResult{
		ResponseText: text,
		LatencyMs:    latency.Milliseconds(),
	}
	if usage != nil {
		result.PromptTokens = usage.PromptTokens
		result.CompletionTokens = usage.CompletionTokens
		result.TotalTokens = usage.TotalTokens
		result.Cost = calculateCost(*usage)
	}
	if err := s.tracker.CompleteTracking(context.WithoutCancel(ctx), exchangeID, result); err != nil {
		logrus.WithError(err).WithField("exchange_id", exchangeID).Warn("Failed to complete tracking exchange")
	}
}

func (s *Service) failTracking(ctx context.Context, exchangeID uuid.UUID, cause error, latency time.Duration) {
	if s.tracker == nil {
		return
	}
	cancelled := errors.Is(cause, context.Canceled)
	if err := s.tracker.FailTracking(context.WithoutCancel(ctx), exchangeID, cause.Error(), latency.Milliseconds(), cancelled); err != nil {
		logrus.WithError(err).WithField("exchange_id", exchangeID).Warn("Failed to record exchange failure")
	}
}

// calculateCost uses the cost OpenRouter reports, or 0 when it reports none
func calculateCost(usage chat.Usage) float64 {
	if usage.Cost != nil {
		return *usage.Cost
	}
	return 0.0
}
