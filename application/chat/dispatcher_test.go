package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/connortoro/aicompare/domain/chat"
	"github.com/connortoro/aicompare/domain/conversation"
	"github.com/connortoro/aicompare/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeCompletions struct {
	*MockProvider
	*fakeStream
}

func newTestDispatcher(provider *MockProvider, stream chat.StreamProviderPort[chat.StreamChunk], systemPrompt string) *Dispatcher {
	return NewDispatcher(NewServiceWithoutTracking(provider, stream), models.DefaultCatalog(), systemPrompt)
}

func collect(t *testing.T, ch <-chan conversation.Fragment) []conversation.Fragment {
	t.Helper()
	var out []conversation.Fragment
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("fragment channel was never closed")
			return nil
		}
	}
}

func TestDispatcher_BuildMessages(t *testing.T) {
	tests := []struct {
		name   string
		system string
		prior  []conversation.Turn
		want   []chat.Message
	}{
		{
			name:   "first prompt",
			system: "be brief",
			want: []chat.Message{
				{Role: chat.RoleSystem, Content: "be brief"},
				{Role: chat.RoleUser, Content: "next"},
			},
		},
		{
			name:   "blank system prompt omitted",
			system: "  \n",
			prior:  []conversation.Turn{{Prompt: "q1", Response: "a1"}},
			want: []chat.Message{
				{Role: chat.RoleUser, Content: "q1"},
				{Role: chat.RoleAssistant, Content: "a1"},
				{Role: chat.RoleUser, Content: "next"},
			},
		},
		{
			name:   "history replayed in order",
			system: "sys",
			prior: []conversation.Turn{
				{Prompt: "q1", Response: "a1"},
				{Prompt: "q2", Response: "a2"},
			},
			want: []chat.Message{
				{Role: chat.RoleSystem, Content: "sys"},
				{Role: chat.RoleUser, Content: "q1"},
				{Role: chat.RoleAssistant, Content: "a1"},
				{Role: chat.RoleUser, Content: "q2"},
				{Role: chat.RoleAssistant, Content: "a2"},
				{Role: chat.RoleUser, Content: "next"},
			},
		},
		{
			name: "failed turn skipped and unanswered turn keeps only its prompt",
			prior: []conversation.Turn{
				{Prompt: "q1", Response: FailureText, Failed: true},
				{Prompt: "q2"},
				{Prompt: "q3", Response: "a3"},
			},
			want: []chat.Message{
				{Role: chat.RoleUser, Content: "q2"},
				{Role: chat.RoleUser, Content: "q3"},
				{Role: chat.RoleAssistant, Content: "a3"},
				{Role: chat.RoleUser, Content: "next"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(&MockProvider{}, &fakeStream{}, tt.system)
			assert.Equal(t, tt.want, d.BuildMessages("next", tt.prior))
		})
	}
}

func TestDispatcher_SendPrompt_StreamsFragmentsInOrder(t *testing.T) {
	stream := &fakeStream{chunks: []chat.StreamChunk{
		textChunk("Hel"),
		{Choices: []chat.StreamChoice{{Delta: chat.StreamDelta{Role: chat.RoleAssistant}}}},
		textChunk("lo"),
		{Usage: &chat.Usage{TotalTokens: 4}},
	}}
	d := newTestDispatcher(&MockProvider{}, stream, "sys")

	prior := []conversation.Turn{{Prompt: "q1", Response: "a1"}}
	fragments := collect(t, d.SendPrompt(context.Background(), "hello", prior, "Gemini 2.5 Pro"))

	assert.Equal(t, []conversation.Fragment{{Text: "Hel"}, {Text: "lo"}}, fragments)
	require.NotNil(t, stream.seen)
	assert.Equal(t, "google/gemini-2.5-pro-preview", stream.seen.Model)
	assert.True(t, stream.seen.Stream)
	assert.Len(t, stream.seen.Messages, 4)
}

func TestDispatcher_SendPrompt_EveryLabelReachesProviderAsID(t *testing.T) {
	for _, m := range models.DefaultModels() {
		t.Run(m.Label, func(t *testing.T) {
			stream := &fakeStream{chunks: []chat.StreamChunk{textChunk("ok")}}
			d := newTestDispatcher(&MockProvider{}, stream, "")

			fragments := collect(t, d.SendPrompt(context.Background(), "hi", nil, m.Label))

			assert.Equal(t, []conversation.Fragment{{Text: "ok"}}, fragments)
			require.NotNil(t, stream.seen)
			assert.Equal(t, m.ID, stream.seen.Model)
		})
	}
}

func TestDispatcher_SendPrompt_LongConversationIsReplayed(t *testing.T) {
	prior := make([]conversation.Turn, 60)
	for i := range prior {
		prior[i] = conversation.Turn{Prompt: fmt.Sprintf("q%d", i), Response: fmt.Sprintf("a%d", i)}
	}
	prior[10].Response = strings.Repeat("func main() {}\n", 4000)

	stream := &fakeStream{chunks: []chat.StreamChunk{textChunk("still here")}}
	d := newTestDispatcher(&MockProvider{}, stream, "sys")

	fragments := collect(t, d.SendPrompt(context.Background(), "next", prior, "GPT-4.1"))

	assert.Equal(t, []conversation.Fragment{{Text: "still here"}}, fragments)
	require.NotNil(t, stream.seen)
	require.Len(t, stream.seen.Messages, 1+2*len(prior)+1)
	assert.Greater(t, len(stream.seen.Messages[22].Content), 50000)
	assert.Equal(t, chat.Message{Role: chat.RoleUser, Content: "next"}, stream.seen.Messages[len(stream.seen.Messages)-1])
}

func TestDispatcher_SendPrompt_OversizedPromptFails(t *testing.T) {
	stream := &fakeStream{}
	d := newTestDispatcher(&MockProvider{}, stream, "")

	fragments := collect(t, d.SendPrompt(context.Background(), strings.Repeat("a", 50001), nil, "GPT-4.1"))

	require.Len(t, fragments, 1)
	assert.Equal(t, FailureText, fragments[0].Text)
	assert.ErrorIs(t, fragments[0].Err, ErrInvalidRequest)
	assert.Nil(t, stream.seen)
}

func TestDispatcher_SendPrompt_UnknownModel(t *testing.T) {
	stream := &fakeStream{chunks: []chat.StreamChunk{textChunk("never")}}
	d := newTestDispatcher(&MockProvider{}, stream, "")

	fragments := collect(t, d.SendPrompt(context.Background(), "hello", nil, "Nope"))

	require.Len(t, fragments, 1)
	assert.Equal(t, `Error, unknown model "Nope"`, fragments[0].Text)
	assert.ErrorIs(t, fragments[0].Err, models.ErrUnknownModel)
	assert.Nil(t, stream.seen, "no network call for an unknown label")
}

func TestDispatcher_SendPrompt_ProviderFailure(t *testing.T) {
	d := newTestDispatcher(&MockProvider{}, &fakeStream{err: errors.New("status 500")}, "")

	fragments := collect(t, d.SendPrompt(context.Background(), "hello", nil, "GPT-4.1"))

	require.Len(t, fragments, 1)
	assert.Equal(t, FailureText, fragments[0].Text)
	assert.EqualError(t, fragments[0].Err, "status 500")
}

func TestDispatcher_SendPrompt_FailureAfterPartialAnswer(t *testing.T) {
	stream := &fakeStream{chunks: []chat.StreamChunk{textChunk("par")}, err: errors.New("connection reset")}
	d := newTestDispatcher(&MockProvider{}, stream, "")

	fragments := collect(t, d.SendPrompt(context.Background(), "hello", nil, "GPT-4.1"))

	require.Len(t, fragments, 2)
	assert.Equal(t, "par", fragments[0].Text)
	assert.NoError(t, fragments[0].Err)
	assert.Equal(t, FailureText, fragments[1].Text)
	assert.Error(t, fragments[1].Err)
}

func TestDispatcher_SendPrompt_EmptyStream(t *testing.T) {
	d := newTestDispatcher(&MockProvider{}, &fakeStream{}, "")

	fragments := collect(t, d.SendPrompt(context.Background(), "hello", nil, "o4-mini"))

	require.Len(t, fragments, 1)
	assert.Equal(t, FailureText, fragments[0].Text)
	assert.ErrorIs(t, fragments[0].Err, ErrEmptyResponse)
}

func TestDispatcher_SendPrompt_InvalidRequestBecomesFailure(t *testing.T) {
	stream := &fakeStream{}
	d := newTestDispatcher(&MockProvider{}, stream, "")

	fragments := collect(t, d.SendPrompt(context.Background(), "", nil, "o4-mini"))

	require.Len(t, fragments, 1)
	assert.Equal(t, FailureText, fragments[0].Text)
	assert.ErrorIs(t, fragments[0].Err, ErrInvalidRequest)
	assert.Nil(t, stream.seen)
}

// blockingStream sends one chunk, then holds the stream open until ctx ends.
type blockingStream struct{}

func (blockingStream) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[chat.StreamChunk]) error {
	if err := onChunk(textChunk("first")); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_SendPrompt_CancellationIsSilent(t *testing.T) {
	d := newTestDispatcher(&MockProvider{}, blockingStream{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.SendPrompt(ctx, "hello", nil, "Claude 3.7 Sonnet")

	first := <-ch
	assert.Equal(t, "first", first.Text)

	cancel()
	assert.Empty(t, collect(t, ch), "no error fragment after cancellation")
}

func TestDispatcher_Complete(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		provider := &MockProvider{}
		d := NewDispatcher(fakeCompletions{provider, &fakeStream{}}, models.DefaultCatalog(), "sys")

		provider.On("Chat", mock.MatchedBy(func(r *chat.Request) bool {
			return r.Model == "anthropic/claude-3.5-sonnet" && !r.Stream && len(r.Messages) == 2
		})).Return(&chat.Response{Choices: []chat.Choice{{Message: chat.Message{Content: "answer"}}}}, nil)

		text, err := d.Complete(context.Background(), "question", nil, "Claude 3.5 Sonnet")

		require.NoError(t, err)
		assert.Equal(t, "answer", text)
		provider.AssertExpectations(t)
	})

	t.Run("unknown model", func(t *testing.T) {
		provider := &MockProvider{}
		d := NewDispatcher(fakeCompletions{provider, &fakeStream{}}, models.DefaultCatalog(), "")

		_, err := d.Complete(context.Background(), "question", nil, "Nope")

		assert.ErrorIs(t, err, models.ErrUnknownModel)
		provider.AssertNotCalled(t, "Chat", mock.Anything)
	})

	t.Run("empty answer", func(t *testing.T) {
		provider := &MockProvider{}
		d := NewDispatcher(fakeCompletions{provider, &fakeStream{}}, models.DefaultCatalog(), "")
		provider.On("Chat", mock.Anything).Return(&chat.Response{}, nil)

		_, err := d.Complete(context.Background(), "question", nil, "GPT-4.1")

		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}
