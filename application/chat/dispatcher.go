package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/connortoro/aicompare/domain/chat"
	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"

	"github.com/sirupsen/logrus"
)

// FailureText replaces the answer when the provider call fails.
const FailureText = "Error, something bad happened"

// ErrEmptyResponse is reported when a call succeeds but yields no content.
var ErrEmptyResponse = errors.New("provider returned no content")

// UnknownModelText is the answer shown for a label missing from the catalog.
func UnknownModelText(label string) string {
	return fmt.Sprintf("Error, unknown model %q", label)
}

// Dispatcher turns a prompt plus prior turns into a provider request and
// delivers the answer. It holds no per-call state.
type Dispatcher struct {
	completions  chat.CompletionPort
	catalog      *models.Catalog
	systemPrompt string
}

func NewDispatcher(completions chat.CompletionPort, catalog *models.Catalog, systemPrompt string) *Dispatcher {
	return &Dispatcher{
		completions:  completions,
		catalog:      catalog,
		systemPrompt: systemPrompt,
	}
}

// BuildMessages lays out the system preamble, each prior exchange as a
// user/assistant pair, then the new user message. Failed turns are skipped
// and a turn without a response contributes only its prompt.
func (d *Dispatcher) BuildMessages(message string, prior []conversation.Turn) []chat.Message {
	msgs := make([]chat.Message, 0, 2*len(prior)+2)
	if strings.TrimSpace(d.systemPrompt) != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: d.systemPrompt})
	}
	for _, turn := range prior {
		if turn.Failed || turn.Prompt == "" {
			continue
		}
		msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: turn.Prompt})
		if turn.Response != "" {
			msgs = append(msgs, chat.Message{Role: chat.RoleAssistant, Content: turn.Response})
		}
	}
	return append(msgs, chat.Message{Role: chat.RoleUser, Content: message})
}

func (d *Dispatcher) request(message string, prior []conversation.Turn, modelLabel string, stream bool) (*chat.Request, error) {
	modelID, err := d.catalog.Resolve(modelLabel)
	if err != nil {
		return nil, err
	}
	return &chat.Request{
		Model:    modelID,
		Messages: d.BuildMessages(message, prior),
		Stream:   stream,
	}, nil
}

// SendPrompt streams the answer as fragments. The channel is closed when the
// answer ends. A failure ends it with one fragment carrying Err; cancelling
// ctx ends it with no further fragments.
func (d *Dispatcher) SendPrompt(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) <-chan conversation.Fragment {
	req, err := d.request(message, prior, modelLabel, true)
	if err != nil {
		out := make(chan conversation.Fragment, 1)
		out <- conversation.Fragment{Text: UnknownModelText(modelLabel), Err: err}
		close(out)
		return out
	}

	out := make(chan conversation.Fragment)
	go func() {
		defer close(out)

		send := func(f conversation.Fragment) error {
			select {
			case out <- f:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		received := false
		err := d.completions.Stream(ctx, req, func(chunk chat.StreamChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			received = true
			return send(conversation.Fragment{Text: text})
		})

		if ctx.Err() != nil {
			return
		}
		if err == nil && !received {
			err = ErrEmptyResponse
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"model":    req.Model,
				"messages": len(req.Messages),
			}).Error("Prompt dispatch failed")
			_ = send(conversation.Fragment{Text: FailureText, Err: err})
		}
	}()
	return out
}

// Complete is the non-streaming form of SendPrompt.
func (d *Dispatcher) Complete(ctx context.Context, message string, prior []conversation.Turn, modelLabel string) (string, error) {
	req, err := d.request(message, prior, modelLabel, false)
	if err != nil {
		return "", err
	}

	resp, err := d.completions.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
