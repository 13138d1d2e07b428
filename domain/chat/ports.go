package chat

import "context"

// ProviderPort abstracts a non-streaming completion backend (e.g., OpenRouter)
type ProviderPort interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// StreamHandler receives streamed chunks in arrival order. Returning an error
// aborts the stream.
type StreamHandler[T any] func(chunk T) error

// StreamProviderPort supports incremental delivery
type StreamProviderPort[T any] interface {
	Stream(ctx context.Context, req *Request, onChunk StreamHandler[T]) error
}

// CompletionPort is a backend offering both delivery modes.
type CompletionPort interface {
	ProviderPort
	StreamProviderPort[StreamChunk]
}
