package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connortoro/aicompare/domain/persistence"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventProcessor implements persistence.EventProcessor
type EventProcessor struct {
	exchangeRepo persistence.ExchangeRepository
	eventChan    chan any
	workerCount  int
	bufferSize   int

	// findRetryDelay spaces lookups of an exchange whose create event is
	// still queued on another worker.
	findRetryDelay time.Duration

	// State management
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	sendMu         sync.RWMutex
	isRunning      atomic.Bool
	processedCount atomic.Int64
	errorCount     atomic.Int64

	// Health monitoring
	lastProcessedTime atomic.Value
}

// NewEventProcessor creates a new event processor
func NewEventProcessor(exchangeRepo persistence.ExchangeRepository, workerCount int, bufferSize int) *EventProcessor {
	if workerCount <= 0 {
		workerCount = 2
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}

	return &EventProcessor{
		exchangeRepo:   exchangeRepo,
		eventChan:      make(chan any, bufferSize),
		workerCount:    workerCount,
		bufferSize:     bufferSize,
		findRetryDelay: 200 * time.Millisecond,
	}
}

// Start begins processing events from the channel
func (ep *EventProcessor) Start(ctx context.Context) error {
	if ep.isRunning.Load() {
		return fmt.Errorf("event processor is already running")
	}

	ep.ctx, ep.cancel = context.WithCancel(ctx)
	ep.isRunning.Store(true)
	ep.lastProcessedTime.Store(time.Now())

	for i := 0; i < ep.workerCount; i++ {
		ep.wg.Add(1)
		go ep.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"worker_count": ep.workerCount,
		"buffer_size":  ep.bufferSize,
	}).Info("Event processor started")

	return nil
}

// Stop closes the queue and waits for workers to drain what is already in it
func (ep *EventProcessor) Stop() error {
	ep.sendMu.Lock()
	if !ep.isRunning.Load() {
		ep.sendMu.Unlock()
		return nil
	}
	ep.isRunning.Store(false)
	close(ep.eventChan)
	ep.sendMu.Unlock()

	logrus.Info("Stopping event processor...")

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Event processor stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Event processor stop timed out")
	}

	ep.cancel()
	return nil
}

// ProcessEvent queues an event without blocking; a full queue drops it
func (ep *EventProcessor) ProcessEvent(event any) error {
	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()

	if !ep.isRunning.Load() {
		return fmt.Errorf("event processor is not running")
	}

	select {
	case ep.eventChan <- event:
		return nil
	default:
		ep.errorCount.Add(1)
		logrus.Warn("Event processor queue is full, dropping event")
		return fmt.Errorf("event processor queue is full")
	}
}

// Health returns the health status of the processor
func (ep *EventProcessor) Health() persistence.ProcessorHealth {
	return persistence.ProcessorHealth{
		IsRunning:      ep.isRunning.Load(),
		QueueSize:      len(ep.eventChan),
		ProcessedCount: ep.processedCount.Load(),
		ErrorCount:     ep.errorCount.Load(),
	}
}

func (ep *EventProcessor) worker(workerID int) {
	defer ep.wg.Done()

	logger := logrus.WithField("worker_id", workerID)
	logger.Debug("Event processor worker started")

	for event := range ep.eventChan {
		// Per-op timeout so a stuck database cannot wedge the worker
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ep.ctx), 10*time.Second)
		if err := ep.processEvent(opCtx, event); err != nil {
			ep.errorCount.Add(1)
			logger.WithError(err).Error("Failed to process event")
		} else {
			ep.processedCount.Add(1)
			ep.lastProcessedTime.Store(time.Now())
		}
		cancel()
	}

	logger.Debug("Event channel closed, worker stopping")
}

func (ep *EventProcessor) processEvent(ctx context.Context, event any) error {
	switch e := event.(type) {
	case persistence.PersistenceEvent[persistence.CreateExchangeEvent]:
		return ep.handleCreateExchange(ctx, e.Data)
	case persistence.PersistenceEvent[persistence.CompleteExchangeEvent]:
		return ep.handleCompleteExchange(ctx, e.Data)
	case persistence.PersistenceEvent[persistence.FailExchangeEvent]:
		return ep.handleFailExchange(ctx, e.Data)

	// Handle direct event types for convenience
	case persistence.CreateExchangeEvent:
		return ep.handleCreateExchange(ctx, e)
	case persistence.CompleteExchangeEvent:
		return ep.handleCompleteExchange(ctx, e)
	case persistence.FailExchangeEvent:
		return ep.handleFailExchange(ctx, e)

	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
}

func (ep *EventProcessor) handleCreateExchange(ctx context.Context, event persistence.CreateExchangeEvent) error {
	record := &persistence.ExchangeRecord{
		ID:          event.ExchangeID,
		Model:       event.Model,
		RequestData: event.RequestData,
		IsStreaming: event.IsStreaming,
		Status:      persistence.ExchangeStatusPending,
	}
	return ep.exchangeRepo.Create(ctx, record)
}

func (ep *EventProcessor) handleCompleteExchange(ctx context.Context, event persistence.CompleteExchangeEvent) error {
	record, err := ep.findWithRetry(ctx, event.ExchangeID)
	if err != nil {
		return err
	}

	record.Status = persistence.ExchangeStatusCompleted
	record.ResponseText = event.Result.ResponseText
	record.PromptTokens = event.Result.PromptTokens
	record.CompletionTokens = event.Result.CompletionTokens
	record.TotalTokens = event.Result.TotalTokens
	record.Cost = event.Result.Cost
	record.LatencyMs = event.Result.LatencyMs

	return ep.exchangeRepo.Update(ctx, record)
}

func (ep *EventProcessor) handleFailExchange(ctx context.Context, event persistence.FailExchangeEvent) error {
	record, err := ep.findWithRetry(ctx, event.ExchangeID)
	if err != nil {
		return err
	}

	record.Status = event.Status
	if record.Status == "" {
		record.Status = persistence.ExchangeStatusFailed
	}
	record.Error = event.Error
	record.LatencyMs = event.LatencyMs

	return ep.exchangeRepo.Update(ctx, record)
}

// findWithRetry tolerates a completion overtaking its create event on
// another worker.
func (ep *EventProcessor) findWithRetry(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var record *persistence.ExchangeRecord
		record, err = ep.exchangeRepo.FindByID(ctx, id)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("failed to find exchange for update: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"exchange_id": id,
			"attempt":     attempt + 1,
		}).Debug("Exchange not found yet, retrying")

		select {
		case <-time.After(time.Duration(attempt+1) * ep.findRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("exchange never created: %w", err)
}

// ExchangeTracker implements persistence.ExchangeTracker using the event processor
type ExchangeTracker struct {
	processor persistence.EventProcessor
}

// NewExchangeTracker creates a new exchange tracker
func NewExchangeTracker(processor persistence.EventProcessor) persistence.ExchangeTracker {
	return &ExchangeTracker{processor: processor}
}

func (t *ExchangeTracker) StartTracking(ctx context.Context, exchangeID uuid.UUID, requestData []byte, model string, isStreaming bool) error {
	return t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.CreateExchangeEvent]{
		Type: persistence.EventTypeCreateExchange,
		Data: persistence.CreateExchangeEvent{
			ExchangeID:  exchangeID,
			RequestData: string(requestData),
			Model:       model,
			IsStreaming: isStreaming,
		},
	})
}

func (t *ExchangeTracker) CompleteTracking(ctx context.Context, exchangeID uuid.UUID, result persistence.ExchangeResult) error {
	return t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.CompleteExchangeEvent]{
		Type: persistence.EventTypeCompleteExchange,
		Data: persistence.CompleteExchangeEvent{ExchangeID: exchangeID, Result: result},
	})
}

func (t *ExchangeTracker) FailTracking(ctx context.Context, exchangeID uuid.UUID, errorMsg string, latencyMs int64, cancelled bool) error {
	status := persistence.ExchangeStatusFailed
	if cancelled {
		status = persistence.ExchangeStatusCancelled
	}
	return t.processor.ProcessEvent(persistence.PersistenceEvent[persistence.FailExchangeEvent]{
		Type: persistence.EventTypeFailExchange,
		Data: persistence.FailExchangeEvent{
			ExchangeID: exchangeID,
			Status:     status,
			Error:      errorMsg,
			LatencyMs:  latencyMs,
		},
	})
}
