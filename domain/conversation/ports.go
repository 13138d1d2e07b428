package conversation

import "context"

// Dispatcher sends a prompt with its history and streams the answer back.
// The returned channel is closed when the answer is complete, has failed, or
// ctx is cancelled.
type Dispatcher interface {
	SendPrompt(ctx context.Context, message string, prior []Turn, modelLabel string) <-chan Fragment
}

// Repository is durable client-side storage: one entry for the transcript and
// one for the selected model label.
type Repository interface {
	Load(ctx context.Context) (Saved, error)
	SaveTurns(ctx context.Context, turns []Turn) error
	SaveModel(ctx context.Context, label string) error
}
