package session

// Event is an inbound live-transport event. Each variant maps to one
// state-machine transition, so the orchestrator can be unit tested by
// feeding events without a live connection.
type Event interface {
	sessionEvent() string
}

// AudioDeltaEvent carries one decoded PCM frame of assistant speech.
type AudioDeltaEvent struct {
	PCM []byte
}

func (AudioDeltaEvent) sessionEvent() string { return "audio_delta" }

// InputTranscriptionEvent is a streaming fragment of the user's speech.
type InputTranscriptionEvent struct {
	Text string
}

func (InputTranscriptionEvent) sessionEvent() string { return "input_transcription" }

// OutputTranscriptionEvent is a streaming fragment of the assistant's
// spoken reply.
type OutputTranscriptionEvent struct {
	Text string
}

func (OutputTranscriptionEvent) sessionEvent() string { return "output_transcription" }

// ToolCall is one function call requested by the remote model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallEvent is a batch of tool calls arriving in one server frame.
// Every call must receive exactly one response; response ordering across
// the batch is not guaranteed.
type ToolCallEvent struct {
	Calls []ToolCall
}

func (ToolCallEvent) sessionEvent() string { return "tool_call" }

// InterruptedEvent signals barge-in: the user started talking while the
// assistant was speaking.
type InterruptedEvent struct{}

func (InterruptedEvent) sessionEvent() string { return "interrupted" }

// TurnCompleteEvent marks the end of one exchange.
type TurnCompleteEvent struct{}

func (TurnCompleteEvent) sessionEvent() string { return "turn_complete" }

// ErrorEvent is a fatal transport or server error.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) sessionEvent() string { return "error" }

// ClosedEvent reports that the connection ended, server- or
// self-initiated.
type ClosedEvent struct {
	Reason string
}

func (ClosedEvent) sessionEvent() string { return "closed" }

// Transport is one duplex connection to the remote conversational
// service. Implementations must make Close idempotent and must close the
// Events channel once no more events will be delivered.
type Transport interface {
	SendRealtimeInput(frame []byte) error
	SendToolResponse(callID, name, result string) error
	Events() <-chan Event
	Close() error
}
