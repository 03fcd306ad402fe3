package session

// State is the externally visible avatar state. Exactly one is current;
// transitions are driven only by the orchestrator.
type State string

const (
	StateIdle              State = "idle"
	StateListening         State = "listening"
	StateThinking          State = "thinking"
	StateSpeaking          State = "speaking"
	StateLoading           State = "loading"
	StateError             State = "error"
	StateSleeping          State = "sleeping"
	StateEnteringDeepSleep State = "entering_deep_sleep"
)

// Speaker identifies which side of the conversation produced a text.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Fragment is the transcription currently accumulating for one speaker.
type Fragment struct {
	Speaker Speaker
	Text    string
}

// HistoryEntry is one finalized conversation turn side.
type HistoryEntry struct {
	Speaker Speaker
	Text    string
}

// Observer receives session updates. Any field may be nil. Multiple
// observers can be attached independently.
type Observer struct {
	OnState         func(state State, status string)
	OnHistory       func(entries []HistoryEntry)
	OnTranscription func(frag *Fragment)
}
