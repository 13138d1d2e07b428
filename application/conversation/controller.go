// Package conversation holds the state machine behind every chat view: the
// transcript, the selected model and the single in-flight request.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"

	"github.com/sirupsen/logrus"
)

var (
	// ErrEmptyPrompt rejects a prompt that is blank after trimming.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrClosed is returned by mutations after Close.
	ErrClosed = errors.New("conversation is closed")
)

const subscriberBuffer = 16

// Controller owns the conversation. A new Submit cancels and replaces any
// request still in flight; fragments are applied only while the request
// that produced them is the current one.
type Controller struct {
	dispatcher  conversation.Dispatcher
	repo        conversation.Repository
	catalog     *models.Catalog
	saveTimeout time.Duration

	mu         sync.Mutex
	turns      []conversation.Turn
	model      string
	status     conversation.Status
	generation uint64
	cancel     context.CancelFunc
	loaded     bool
	closed     bool
	subs       map[int]chan conversation.Event
	nextSub    int

	// saveMu orders writes so an older snapshot never lands after a newer one.
	saveMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewController(dispatcher conversation.Dispatcher, repo conversation.Repository, catalog *models.Catalog) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dispatcher:  dispatcher,
		repo:        repo,
		catalog:     catalog,
		saveTimeout: 5 * time.Second,
		turns:       []conversation.Turn{},
		model:       catalog.Default(),
		status:      conversation.StatusIdle,
		subs:        make(map[int]chan conversation.Event),
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
}

// Load rehydrates the transcript and model selection. Only the first call
// reads storage. A stored label the catalog no longer knows is replaced by
// the default. On a storage error the conversation starts empty. A request
// still in flight when the stored transcript arrives is abandoned.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.loaded = true
	c.mu.Unlock()

	saved, err := c.repo.Load(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to load saved conversation")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		// The stored transcript replaces the current one, so a request
		// submitted before Load has no turn left to stream into.
		if c.cancel != nil || c.status != conversation.StatusIdle {
			c.stopLocked()
		}
		c.turns = conversation.CloneTurns(saved.Turns)
		if saved.HasModel {
			if c.catalog.Has(saved.Model) {
				c.model = saved.Model
			} else {
				logrus.WithField("model", saved.Model).Warn("Saved model is not in the catalog, using default")
			}
		}
	}
	c.notifyLocked(conversation.EventLoaded)

	logrus.WithFields(logrus.Fields{
		"turns": len(c.turns),
		"model": c.model,
	}).Debug("Conversation loaded")
	return err
}

// Submit appends a turn for prompt and dispatches it with the preceding
// turns as history.
func (c *Controller) Submit(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	gen := c.generation

	prior := conversation.CloneTurns(c.turns)
	index := len(c.turns)
	c.turns = append(c.turns, conversation.Turn{Prompt: prompt})
	c.status = conversation.StatusSubmitting

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancel = cancel
	model := c.model
	c.notifyLocked(conversation.EventTurns)
	c.wg.Add(1)
	c.mu.Unlock()

	c.persistTurns()

	fragments := c.dispatcher.SendPrompt(ctx, prompt, prior, model)
	go c.consume(gen, index, cancel, fragments)
	return nil
}

func (c *Controller) consume(gen uint64, index int, cancel context.CancelFunc, fragments <-chan conversation.Fragment) {
	defer c.wg.Done()
	defer cancel()

	for fragment := range fragments {
		c.mu.Lock()
		if gen != c.generation {
			// Superseded or cancelled; drain without applying.
			c.mu.Unlock()
			continue
		}
		turn := &c.turns[index]
		if fragment.Err != nil {
			turn.Response = fragment.Text
			turn.Failed = true
		} else {
			turn.Response += fragment.Text
		}
		c.status = conversation.StatusStreaming
		c.notifyLocked(conversation.EventTurns)
		c.mu.Unlock()

		c.persistTurns()
	}

	c.mu.Lock()
	if gen == c.generation {
		c.status = conversation.StatusIdle
		c.cancel = nil
		c.notifyLocked(conversation.EventStatus)
	}
	c.mu.Unlock()
}

// Cancel abandons the in-flight request. Whatever part of the answer has
// arrived stays in the transcript.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil && c.status == conversation.StatusIdle {
		return
	}
	c.stopLocked()
	c.notifyLocked(conversation.EventStatus)
}

// Clear cancels any request and empties the transcript.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopLocked()
	c.turns = []conversation.Turn{}
	c.notifyLocked(conversation.EventTurns)
	c.mu.Unlock()

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := c.repo.SaveTurns(ctx, []conversation.Turn{}); err != nil {
		logrus.WithError(err).Warn("Failed to persist cleared conversation")
	}
	return nil
}

// SelectModel changes the model used by subsequent submissions.
func (c *Controller) SelectModel(ctx context.Context, label string) error {
	if !c.catalog.Has(label) {
		return fmt.Errorf("%w: %q", models.ErrUnknownModel, label)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.model = label
	c.notifyLocked(conversation.EventModel)
	c.mu.Unlock()

	if err := c.repo.SaveModel(ctx, label); err != nil {
		logrus.WithError(err).WithField("model", label).Warn("Failed to persist model selection")
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() conversation.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe delivers an Event after every mutation. Slow subscribers lose
// the oldest buffered events, never the newest. The returned func
// unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan conversation.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan conversation.Event, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Wait blocks until every dispatched request has finished delivering.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels outstanding work, closes all subscriptions and waits for
// consumers to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopLocked()
	c.baseCancel()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Controller) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	c.status = conversation.StatusIdle
}

func (c *Controller) snapshotLocked() conversation.State {
	return conversation.State{
		Turns:  conversation.CloneTurns(c.turns),
		Model:  c.model,
		Status: c.status,
	}
}

func (c *Controller) notifyLocked(kind conversation.EventKind) {
	if len(c.subs) == 0 {
		return
	}
	event := conversation.Event{Kind: kind, State: c.snapshotLocked()}
	for _, ch := range c.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (c *Controller) persistTurns() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	turns := conversation.CloneTurns(c.turns)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()
	if err := c.repo.SaveTurns(ctx, turns); err != nil {
		logrus.WithError(err).Warn("Failed to persist conversation")
	}
}
