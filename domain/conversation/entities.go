package conversation

// Turn is one prompt/response pair of the transcript. Response stays empty
// while the answer is awaited; Failed marks a response that carries an error
// message instead of an answer.
type Turn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Failed   bool   `json:"failed,omitempty"`
}

// Status of the single in-flight request.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusSubmitting Status = "submitting"
	StatusStreaming  Status = "streaming"
)

// State is a point-in-time copy of the conversation.
type State struct {
	Turns  []Turn `json:"turns"`
	Model  string `json:"model"`
	Status Status `json:"status"`
}

// Busy reports whether a request is in flight.
func (s State) Busy() bool {
	return s.Status == StatusSubmitting || s.Status == StatusStreaming
}

// CloneTurns copies a turn slice; a nil input yields an empty, non-nil slice
// so snapshots always encode as a JSON array.
func CloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Saved is what a Repository holds between runs.
type Saved struct {
	Turns    []Turn
	Model    string
	HasModel bool
}

// EventKind names the mutation that produced an Event.
type EventKind string

const (
	EventLoaded EventKind = "loaded"
	EventTurns  EventKind = "turns"
	EventModel  EventKind = "model"
	EventStatus EventKind = "status"
)

// Event is delivered to subscribers after every mutation.
type Event struct {
	Kind  EventKind `json:"kind"`
	State State     `json:"state"`
}

// Fragment is one piece of a streamed answer. A fragment with Err set is
// terminal and its Text is the message to show in place of an answer.
type Fragment struct {
	Text string
	Err  error
}
