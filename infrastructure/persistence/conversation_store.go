package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/persistence"

	"github.com/sirupsen/logrus"
)

// ConversationStore implements conversation.Repository over a StateStore.
// The conversation is kept as a JSON array of turns under one key and the
// selected model as a plain label under another.
type ConversationStore struct {
	store persistence.StateStore
}

func NewConversationStore(store persistence.StateStore) *ConversationStore {
	return &ConversationStore{store: store}
}

// Load reads both keys. A stored conversation that does not decode is
// discarded with a warning rather than failing startup.
func (s *ConversationStore) Load(ctx context.Context) (conversation.Saved, error) {
	var saved conversation.Saved

	raw, ok, err := s.store.Get(ctx, persistence.StateKeyConversation)
	if err != nil {
		return saved, err
	}
	if ok && raw != "" {
		var turns []conversation.Turn
		if err := json.Unmarshal([]byte(raw), &turns); err != nil {
			logrus.WithError(err).Warn("Stored conversation is malformed, starting empty")
		} else {
			saved.Turns = turns
		}
	}

	label, ok, err := s.store.Get(ctx, persistence.StateKeySelectedModel)
	if err != nil {
		return saved, err
	}
	if ok && label != "" {
		saved.Model = label
		saved.HasModel = true
	}

	return saved, nil
}

func (s *ConversationStore) SaveTurns(ctx context.Context, turns []conversation.Turn) error {
	if turns == nil {
		turns = []conversation.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.store.Put(ctx, persistence.StateKeyConversation, string(data))
}

func (s *ConversationStore) SaveModel(ctx context.Context, label string) error {
	return s.store.Put(ctx, persistence.StateKeySelectedModel, label)
}
