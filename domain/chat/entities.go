package chat

import "strings"

// Core chat entities independent of frameworks and vendors

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
	Model    string    `json:"model,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Text returns the content of the first choice, or "" when there is none.
func (r *Response) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Streaming chunk types (OpenAI/OpenRouter-compatible)
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *StreamError   `json:"error,omitempty"`
}

// StreamError is how OpenRouter reports an upstream failure after the
// response has started streaming.
type StreamError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Failed reports whether the chunk ends the stream with an upstream error.
func (c StreamChunk) Failed() bool {
	if c.Error != nil {
		return true
	}
	for _, choice := range c.Choices {
		if choice.FinishReason != nil && *choice.FinishReason == "error" {
			return true
		}
	}
	return false
}

// Text concatenates the delta content of every choice in the chunk.
func (c StreamChunk) Text() string {
	switch len(c.Choices) {
	case 0:
		return ""
	case 1:
		return c.Choices[0].Delta.Content
	}
	var b strings.Builder
	for _, choice := range c.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String()
}

type ErrorResponse struct {
	Error string `json:"error"`
}
