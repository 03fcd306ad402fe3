// Package session implements the live conversation orchestrator: it owns
// the duplex connection, interprets inbound server events, drives the
// visible avatar state and manages the sleep/wake sublogic.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/audio"
	"github.com/mochi-dev/mochi/pkg/profile"
)

// ErrSessionOpen is returned by Start while a session is already running.
var ErrSessionOpen = errors.New("session already open")

// errStartAborted marks a Stop that landed while Start was still
// acquiring resources. It is a user action, not a failure.
var errStartAborted = errors.New("session stopped during start")

const (
	defaultWakePhrase  = "mochi"
	defaultSettleDelay = 2500 * time.Millisecond
	toolCallTimeout    = 30 * time.Second

	statusWakeInstruction = "Sleeping. Say the wake phrase to continue."
)

var defaultFarewells = []string{"tạm biệt", "goodbye", "good night", "bye bye"}

// DialFunc opens a live transport for the given user profile.
type DialFunc func(ctx context.Context, prof profile.Profile) (Transport, error)

// CaptureOpener opens a microphone pipeline. The gate is consulted per
// chunk; frames are forwarded to the transport while it returns false.
type CaptureOpener func(gate func() bool, forward audio.Forward) (Capture, error)

// Capture is the session's handle on an open microphone pipeline.
type Capture interface {
	Stop()
	Close()
}

// Playback is the session's handle on a gapless output queue.
type Playback interface {
	Enqueue(pcm []byte) audio.Segment
	Interrupt()
	Close() error
}

// ToolRunner executes remote-requested function calls. Run never panics
// and always produces a result text, even for unknown tools or bad
// arguments. StatusFor returns a human-readable busy status for tools
// that take noticeable time, or "" for instant ones.
type ToolRunner interface {
	Run(ctx context.Context, call ToolCall) string
	StatusFor(name string) string
}

// Config wires a Session to its collaborators.
type Config struct {
	Dial        DialFunc
	OpenCapture CaptureOpener
	NewPlayback func() (Playback, error)
	Tools       ToolRunner

	// WakePhrase is matched case-insensitively against the input
	// accumulator while suspended.
	WakePhrase string
	// FarewellPhrases put the session to sleep when the finalized user
	// input contains one of them.
	FarewellPhrases []string
	// SettleDelay is the pause before returning to listening after an
	// assistant turn.
	SettleDelay time.Duration

	Log zerolog.Logger
}

// Session is the live session orchestrator. At most one live connection
// and one microphone stream are open at a time; all per-session state
// lives in a context created by Start and destroyed by Stop, so nothing
// carries over between sessions.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	observers []Observer
	state     State
	status    string
	cur       *liveContext
}

// liveContext bundles every per-session mutable value. Event handlers
// check that it is still current before acting, so a stale callback from
// a torn-down session can never touch a newer one.
type liveContext struct {
	id        string
	transport Transport
	capture   Capture
	playback  Playback

	inputAcc  string
	outputAcc string
	history   []HistoryEntry

	speaking  bool
	suspended bool
	deepSleep bool
}

func New(cfg Config) *Session {
	if cfg.WakePhrase == "" {
		cfg.WakePhrase = defaultWakePhrase
	}
	if len(cfg.FarewellPhrases) == 0 {
		cfg.FarewellPhrases = defaultFarewells
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return &Session{cfg: cfg, log: cfg.Log, state: StateIdle}
}

// Subscribe attaches an observer. Observers are never detached; attach
// per consumer, not per session.
func (s *Session) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// State reports the current avatar state and status text.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.status
}

// History snapshots the finalized conversation entries of the open
// session. Empty when no session is open.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil
	}
	return append([]HistoryEntry(nil), s.cur.history...)
}

// Start acquires the microphone and opens the live connection. It fails
// with ErrSessionOpen if a session is already running; any acquisition
// failure surfaces the error state and tears everything back down.
func (s *Session) Start(ctx context.Context, prof profile.Profile) error {
	s.mu.Lock()
	if s.cur != nil {
		s.mu.Unlock()
		return ErrSessionOpen
	}
	lc := &liveContext{id: uuid.NewString()}
	s.cur = lc
	s.mu.Unlock()

	s.setState(StateLoading, "Connecting...")
	s.log.Info().Str("session_id", lc.id).Msg("session starting")

	if err := s.acquire(ctx, lc, prof); err != nil {
		if errors.Is(err, errStartAborted) {
			// Stop already ran and published idle; this is not an error
			// the user needs to see.
			return err
		}
		s.setState(StateError, fmt.Sprintf("Could not start: %v", err))
		s.stop("")
		return err
	}

	s.setState(StateListening, "")
	go s.eventLoop(lc)
	return nil
}

func (s *Session) acquire(ctx context.Context, lc *liveContext, prof profile.Profile) error {
	transport, err := s.cfg.Dial(ctx, prof)
	if err != nil {
		return fmt.Errorf("open live connection: %w", err)
	}
	playback, err := s.cfg.NewPlayback()
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("open playback: %w", err)
	}
	capture, err := s.cfg.OpenCapture(
		func() bool { return s.captureGated(lc) },
		func(frame []byte) error { return transport.SendRealtimeInput(frame) },
	)
	if err != nil {
		_ = transport.Close()
		_ = playback.Close()
		return fmt.Errorf("open microphone: %w", err)
	}

	s.mu.Lock()
	if s.cur != lc {
		// Stopped while acquiring; release what we just opened.
		s.mu.Unlock()
		_ = transport.Close()
		capture.Stop()
		capture.Close()
		_ = playback.Close()
		return errStartAborted
	}
	lc.transport = transport
	lc.playback = playback
	lc.capture = capture
	s.mu.Unlock()
	return nil
}

// captureGated blocks microphone forwarding while the assistant is
// speaking, so its own output is never transmitted back as input.
func (s *Session) captureGated(lc *liveContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != lc || lc.speaking
}

// Stop tears down the open session and resets to idle. Calling it with
// no session open is a no-op.
func (s *Session) Stop() {
	s.stop("Session stopped")
}

func (s *Session) stop(status string) {
	s.mu.Lock()
	lc := s.cur
	s.cur = nil
	s.mu.Unlock()
	if lc == nil {
		return
	}

	s.teardown(lc)
	s.setState(StateIdle, status)
	s.log.Info().Str("session_id", lc.id).Msg("session stopped")
}

// teardown releases every session resource. Each step is independently
// guarded so one failure cannot leak the microphone or leave audio
// playing.
func (s *Session) teardown(lc *liveContext) {
	if lc.transport != nil {
		if err := lc.transport.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close transport failed")
		}
	}
	if lc.capture != nil {
		lc.capture.Stop()
		lc.capture.Close()
	}
	if lc.playback != nil {
		lc.playback.Interrupt()
		if err := lc.playback.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close playback failed")
		}
	}
}

// WakeUp ends suspend mode on explicit user interaction while sleeping.
func (s *Session) WakeUp() {
	s.mu.Lock()
	lc := s.cur
	if lc == nil || !lc.suspended {
		s.mu.Unlock()
		return
	}
	lc.suspended = false
	s.mu.Unlock()

	s.notifyTranscription(nil)
	s.setState(StateListening, "")
}

// RequestDeepSleep flags the current turn for ambient power-saving. The
// flag is consumed at the next turn boundary.
func (s *Session) RequestDeepSleep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.deepSleep = true
	}
}

func (s *Session) eventLoop(lc *liveContext) {
	for ev := range lc.transport.Events() {
		s.handleEvent(lc, ev)
	}
}

// handleEvent runs one inbound event to completion before the next is
// read; server events are never handled concurrently.
func (s *Session) handleEvent(lc *liveContext, ev Event) {
	switch e := ev.(type) {
	case AudioDeltaEvent:
		s.handleAudioDelta(lc, e.PCM)
	case InputTranscriptionEvent:
		s.handleInputDelta(lc, e.Text)
	case OutputTranscriptionEvent:
		s.handleOutputDelta(lc, e.Text)
	case ToolCallEvent:
		s.handleToolCalls(lc, e.Calls)
	case InterruptedEvent:
		s.handleInterrupted(lc)
	case TurnCompleteEvent:
		s.handleTurnComplete(lc)
	case ErrorEvent:
		s.handleError(lc, e.Err)
	case ClosedEvent:
		s.handleClosed(lc, e.Reason)
	default:
		s.log.Debug().Str("event", ev.sessionEvent()).Msg("ignore unknown event")
	}
}

func (s *Session) handleAudioDelta(lc *liveContext, pcm []byte) {
	s.mu.Lock()
	if s.cur != lc || lc.suspended {
		s.mu.Unlock()
		return
	}
	wasSpeaking := lc.speaking
	lc.speaking = true
	playback := lc.playback
	s.mu.Unlock()

	if !wasSpeaking {
		s.notifyTranscription(nil)
		s.setState(StateSpeaking, "")
	}
	playback.Enqueue(pcm)
}

func (s *Session) handleInputDelta(lc *liveContext, text string) {
	s.mu.Lock()
	if s.cur != lc {
		s.mu.Unlock()
		return
	}
	lc.inputAcc += text

	if lc.suspended {
		woke := strings.Contains(strings.ToLower(lc.inputAcc), strings.ToLower(s.cfg.WakePhrase))
		if woke {
			lc.inputAcc = ""
			lc.suspended = false
		}
		s.mu.Unlock()
		if woke {
			s.log.Info().Msg("wake phrase detected")
			s.notifyTranscription(nil)
			s.setState(StateListening, "")
		}
		return
	}

	frag := Fragment{Speaker: SpeakerUser, Text: lc.inputAcc}
	s.mu.Unlock()
	s.notifyTranscription(&frag)
}

func (s *Session) handleOutputDelta(lc *liveContext, text string) {
	s.mu.Lock()
	if s.cur != lc || lc.suspended {
		s.mu.Unlock()
		return
	}
	lc.outputAcc += text
	frag := Fragment{Speaker: SpeakerAssistant, Text: lc.outputAcc}
	s.mu.Unlock()
	s.notifyTranscription(&frag)
}

// handleToolCalls answers every call in the batch exactly once. Response
// order across the batch is not guaranteed to the server and does not
// need to match request order. Tool runs take real time, so the session
// is re-checked before each call and before each response: once it has
// been torn down the rest of the batch is abandoned, with no state
// changes and no side effects.
func (s *Session) handleToolCalls(lc *liveContext, calls []ToolCall) {
	for _, call := range calls {
		if !s.isCurrent(lc) {
			s.log.Debug().Str("tool", call.Name).Msg("drop tool call for closed session")
			return
		}
		if status := s.cfg.Tools.StatusFor(call.Name); status != "" {
			s.setState(StateThinking, status)
		}

		ctx, cancel := context.WithTimeout(context.Background(), toolCallTimeout)
		result := s.cfg.Tools.Run(ctx, call)
		cancel()

		if !s.isCurrent(lc) {
			s.log.Debug().Str("tool", call.Name).Msg("drop tool response for closed session")
			return
		}
		if err := lc.transport.SendToolResponse(call.ID, call.Name, result); err != nil {
			s.log.Warn().Err(err).Str("tool", call.Name).Msg("send tool response failed")
		}
	}
}

func (s *Session) isCurrent(lc *liveContext) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur == lc
}

// handleInterrupted models barge-in: the user spoke while the assistant
// was playing audio.
func (s *Session) handleInterrupted(lc *liveContext) {
	s.mu.Lock()
	if s.cur != lc {
		s.mu.Unlock()
		return
	}
	lc.inputAcc = ""
	lc.outputAcc = ""
	lc.speaking = false
	playback := lc.playback
	s.mu.Unlock()

	playback.Interrupt()
	s.notifyTranscription(nil)
	s.setState(StateListening, "")
}

func (s *Session) handleTurnComplete(lc *liveContext) {
	s.mu.Lock()
	if s.cur != lc {
		s.mu.Unlock()
		return
	}

	input := strings.ToLower(strings.TrimSpace(lc.inputAcc))
	output := strings.TrimSpace(lc.outputAcc)
	if input != "" {
		lc.history = append(lc.history, HistoryEntry{Speaker: SpeakerUser, Text: input})
	}
	if output != "" {
		lc.history = append(lc.history, HistoryEntry{Speaker: SpeakerAssistant, Text: output})
	}
	historySnapshot := append([]HistoryEntry(nil), lc.history...)
	lc.inputAcc = ""
	lc.outputAcc = ""
	lc.speaking = false

	// Deep-sleep beats farewell beats normal continuation, decided once
	// per turn boundary.
	deep := lc.deepSleep
	lc.deepSleep = false
	farewell := !deep && containsAny(input, s.cfg.FarewellPhrases)
	if farewell {
		lc.suspended = true
	}
	s.mu.Unlock()

	s.notifyHistory(historySnapshot)

	switch {
	case deep:
		s.setState(StateEnteringDeepSleep, "")
	case farewell:
		s.notifyTranscription(nil)
		s.setState(StateSleeping, statusWakeInstruction)
	case output != "":
		s.setState(StateIdle, "")
		time.AfterFunc(s.cfg.SettleDelay, func() { s.settleBack(lc) })
	}
}

// settleBack re-enters listening after the post-turn pause, unless the
// session was stopped or suspended in the meantime.
func (s *Session) settleBack(lc *liveContext) {
	s.mu.Lock()
	stale := s.cur != lc || lc.suspended
	s.mu.Unlock()
	if stale {
		return
	}
	s.notifyTranscription(nil)
	s.setState(StateListening, "")
}

func (s *Session) handleError(lc *liveContext, err error) {
	s.mu.Lock()
	if s.cur != lc {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("live session error")
	s.setState(StateError, fmt.Sprintf("Session error: %v", err))
	s.stop("")
}

func (s *Session) handleClosed(lc *liveContext, reason string) {
	s.mu.Lock()
	if s.cur != lc {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if reason == "" {
		reason = "Connection closed"
	}
	s.stop(reason)
}

func (s *Session) setState(state State, status string) {
	s.mu.Lock()
	s.state = state
	s.status = status
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	s.log.Debug().Str("state", string(state)).Str("status", status).Msg("state change")
	for _, o := range observers {
		if o.OnState != nil {
			o.OnState(state, status)
		}
	}
}

func (s *Session) notifyHistory(entries []HistoryEntry) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		if o.OnHistory != nil {
			o.OnHistory(entries)
		}
	}
}

func (s *Session) notifyTranscription(frag *Fragment) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		if o.OnTranscription != nil {
			o.OnTranscription(frag)
		}
	}
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
