package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/audio"
	"github.com/mochi-dev/mochi/pkg/profile"
)

type fakeTransport struct {
	mu        sync.Mutex
	events    chan Event
	frames    [][]byte
	responses []string // "callID/name" per SendToolResponse
	closed    int
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 64)}
}

func (t *fakeTransport) SendRealtimeInput(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) SendToolResponse(callID, name, result string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, callID+"/"+name)
	return nil
}

func (t *fakeTransport) Events() <-chan Event { return t.events }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

func (t *fakeTransport) emit(ev Event) { t.events <- ev }

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) responseList() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.responses...)
}

type fakeCapture struct {
	mu      sync.Mutex
	stops   int
	closes  int
	gate    func() bool
	forward audio.Forward
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeCapture) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

func (c *fakeCapture) counts() (stops, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops, c.closes
}

type fakeTools struct {
	sess    *Session
	mu      sync.Mutex
	names   []string
	result  string
	entered chan struct{} // signaled when a Run begins, when set
	release chan struct{} // Run waits for it to close, when set
}

func (f *fakeTools) Run(_ context.Context, call ToolCall) string {
	f.mu.Lock()
	f.names = append(f.names, call.Name)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if call.Name == "enter_deep_sleep" {
		f.sess.RequestDeepSleep()
		return "ok, entering deep sleep"
	}
	if f.result != "" {
		return f.result
	}
	return "done"
}

func (f *fakeTools) StatusFor(name string) string {
	if name == "search_internet" {
		return "Searching the web..."
	}
	return ""
}

// recorder collects observer callbacks for assertions.
type recorder struct {
	mu       sync.Mutex
	states   []State
	statuses []string
	history  [][]HistoryEntry
	frags    []*Fragment
}

func (r *recorder) observer() Observer {
	return Observer{
		OnState: func(state State, status string) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
		},
		OnHistory: func(entries []HistoryEntry) {
			r.mu.Lock()
			r.history = append(r.history, entries)
			r.mu.Unlock()
		},
		OnTranscription: func(frag *Fragment) {
			r.mu.Lock()
			if frag == nil {
				r.frags = append(r.frags, nil)
			} else {
				copied := *frag
				r.frags = append(r.frags, &copied)
			}
			r.mu.Unlock()
		},
	}
}

func (r *recorder) sawState(want State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == want {
			return true
		}
	}
	return false
}

func (r *recorder) publishedWhileSuspended() []*Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Fragment(nil), r.frags...)
}

func (r *recorder) lastFragment() *Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frags) == 0 {
		return nil
	}
	return r.frags[len(r.frags)-1]
}

type harness struct {
	sess      *Session
	transport *fakeTransport
	capture   *fakeCapture
	queue     *audio.Queue
	sink      *audio.FakeSink
	tools     *fakeTools
	rec       *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		transport: newFakeTransport(),
		capture:   &fakeCapture{},
		sink:      audio.NewFakeSink(),
		tools:     &fakeTools{},
		rec:       &recorder{},
	}
	h.queue = audio.NewQueue(audio.PlaybackFormat, h.sink, nil, zerolog.Nop())

	h.sess = New(Config{
		Dial: func(context.Context, profile.Profile) (Transport, error) {
			return h.transport, nil
		},
		OpenCapture: func(gate func() bool, forward audio.Forward) (Capture, error) {
			h.capture.gate = gate
			h.capture.forward = forward
			return h.capture, nil
		},
		NewPlayback: func() (Playback, error) { return h.queue, nil },
		Tools:       h.tools,
		SettleDelay: 30 * time.Millisecond,
		Log:         zerolog.Nop(),
	})
	h.tools.sess = h.sess
	h.sess.Subscribe(h.rec.observer())
	t.Cleanup(h.sess.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(context.Background(), profile.Profile{Name: "Minh"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartTransitionsThroughLoadingToListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if !h.rec.sawState(StateLoading) {
		t.Fatalf("never entered loading")
	}
	if state, _ := h.sess.State(); state != StateListening {
		t.Fatalf("state=%v, want listening", state)
	}
}

func TestStartFailureSurfacesErrorThenIdle(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	sess := New(Config{
		Dial: func(context.Context, profile.Profile) (Transport, error) {
			return nil, errors.New("permission denied")
		},
		OpenCapture: func(func() bool, audio.Forward) (Capture, error) {
			return &fakeCapture{}, nil
		},
		NewPlayback: func() (Playback, error) { return nil, errors.New("unused") },
		Tools:       &fakeTools{},
		Log:         zerolog.Nop(),
	})
	sess.Subscribe(rec.observer())

	if err := sess.Start(context.Background(), profile.Profile{}); err == nil {
		t.Fatalf("Start succeeded despite dial failure")
	}
	if !rec.sawState(StateError) {
		t.Fatalf("never surfaced error state; states=%v", rec.states)
	}
	if state, _ := sess.State(); state != StateIdle {
		t.Fatalf("state=%v after failed start, want idle", state)
	}
}

func TestSecondStartWhileOpenIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if err := h.sess.Start(context.Background(), profile.Profile{}); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("second Start err=%v, want ErrSessionOpen", err)
	}
}

func TestAudioDeltaEntersSpeakingAndQueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(AudioDeltaEvent{PCM: make([]byte, 4800)})
	waitFor(t, "speaking state", func() bool {
		state, _ := h.sess.State()
		return state == StateSpeaking
	})
	waitFor(t, "queued audio", func() bool { return len(h.sink.Bytes()) > 0 })

	// While speaking, capture frames must be gated.
	if !h.capture.gate() {
		t.Fatalf("capture not gated while speaking")
	}
}

func TestInterruptionDiscardsAudioAndClearsAccumulators(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "what is the weather"})
	for i := 0; i < 4; i++ {
		h.transport.emit(AudioDeltaEvent{PCM: make([]byte, 48000)})
	}
	h.transport.emit(OutputTranscriptionEvent{Text: "the weather today"})
	waitFor(t, "speaking before interrupt", func() bool {
		state, _ := h.sess.State()
		return state == StateSpeaking
	})

	h.transport.emit(InterruptedEvent{})
	waitFor(t, "listening after interrupt", func() bool {
		state, _ := h.sess.State()
		return state == StateListening
	})
	if got := len(h.queue.Tracked()); got != 0 {
		t.Fatalf("%d segments still tracked after interrupt", got)
	}
	if frag := h.rec.lastFragment(); frag != nil {
		t.Fatalf("transcription not cleared after interrupt: %+v", frag)
	}

	// Accumulators start empty for the next turn: completing it with no
	// deltas must add nothing to history.
	h.transport.emit(TurnCompleteEvent{})
	time.Sleep(20 * time.Millisecond)
	if got := h.sess.History(); len(got) != 0 {
		t.Fatalf("history=%v, want empty after interrupt+turn", got)
	}
}

func TestTranscriptionDeltasAccumulateAndPublish(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "xin "})
	h.transport.emit(InputTranscriptionEvent{Text: "chào"})

	waitFor(t, "accumulated input fragment", func() bool {
		frag := h.rec.lastFragment()
		return frag != nil && frag.Speaker == SpeakerUser && frag.Text == "xin chào"
	})
}

func TestTurnCompleteFinalizesHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "  Kể chuyện cười  "})
	h.transport.emit(OutputTranscriptionEvent{Text: "Một câu chuyện vui..."})
	h.transport.emit(TurnCompleteEvent{})

	waitFor(t, "finalized history", func() bool { return len(h.sess.History()) == 2 })
	got := h.sess.History()
	if got[0].Speaker != SpeakerUser || got[0].Text != "kể chuyện cười" {
		t.Fatalf("user entry=%+v, want trimmed lowercased input", got[0])
	}
	if got[1].Speaker != SpeakerAssistant || got[1].Text != "Một câu chuyện vui..." {
		t.Fatalf("assistant entry=%+v", got[1])
	}

	// Assistant output this turn: brief idle, then listening again after
	// the settle delay.
	waitFor(t, "settle back to listening", func() bool {
		state, _ := h.sess.State()
		return state == StateListening
	})
	if !h.rec.sawState(StateIdle) {
		t.Fatalf("never settled through idle")
	}
}

func TestFarewellEntersSleepingSuspendMode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "tạm biệt nhé"})
	h.transport.emit(TurnCompleteEvent{})

	waitFor(t, "sleeping state", func() bool {
		state, _ := h.sess.State()
		return state == StateSleeping
	})
	if _, status := h.sess.State(); status == "" {
		t.Fatalf("sleeping without wake instruction status")
	}
	if frag := h.rec.lastFragment(); frag != nil {
		t.Fatalf("transcription not cleared entering sleep")
	}

	// While suspended, inbound deltas and audio must be filtered.
	before := len(h.rec.publishedWhileSuspended())
	h.transport.emit(OutputTranscriptionEvent{Text: "should be hidden"})
	h.transport.emit(InputTranscriptionEvent{Text: "random noise"})
	h.transport.emit(AudioDeltaEvent{PCM: make([]byte, 4800)})
	time.Sleep(20 * time.Millisecond)
	for _, frag := range h.rec.publishedWhileSuspended()[before:] {
		if frag != nil {
			t.Fatalf("published %+v while suspended", frag)
		}
	}
	if got := len(h.queue.Tracked()); got != 0 {
		t.Fatalf("audio queued while suspended")
	}
}

func TestWakePhraseEndsSuspendMode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "goodbye"})
	h.transport.emit(TurnCompleteEvent{})
	waitFor(t, "sleeping state", func() bool {
		state, _ := h.sess.State()
		return state == StateSleeping
	})

	h.transport.emit(InputTranscriptionEvent{Text: "hey "})
	h.transport.emit(InputTranscriptionEvent{Text: "MOCHI are you there"})

	waitFor(t, "listening after wake phrase", func() bool {
		state, _ := h.sess.State()
		return state == StateListening
	})
}

func TestExplicitWakeUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(InputTranscriptionEvent{Text: "good night"})
	h.transport.emit(TurnCompleteEvent{})
	waitFor(t, "sleeping state", func() bool {
		state, _ := h.sess.State()
		return state == StateSleeping
	})

	h.sess.WakeUp()
	if state, _ := h.sess.State(); state != StateListening {
		t.Fatalf("state=%v after WakeUp, want listening", state)
	}
}

func TestDeepSleepBeatsFarewell(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	// The model both acknowledges a farewell and calls the deep-sleep
	// tool; the tool request must win at the turn boundary.
	h.transport.emit(InputTranscriptionEvent{Text: "tạm biệt, đi ngủ đi"})
	h.transport.emit(ToolCallEvent{Calls: []ToolCall{{ID: "c1", Name: "enter_deep_sleep"}}})
	h.transport.emit(TurnCompleteEvent{})

	waitFor(t, "entering deep sleep", func() bool {
		state, _ := h.sess.State()
		return state == StateEnteringDeepSleep
	})
	if h.rec.sawState(StateSleeping) {
		t.Fatalf("farewell sleep won over deep-sleep request")
	}

	// Flag is consumed at the boundary: later turns must not re-enter
	// deep sleep on their own.
	h.transport.emit(TurnCompleteEvent{})
	h.transport.emit(TurnCompleteEvent{})
	time.Sleep(20 * time.Millisecond)

	count := 0
	h.rec.mu.Lock()
	for _, st := range h.rec.states {
		if st == StateEnteringDeepSleep {
			count++
		}
	}
	h.rec.mu.Unlock()
	if count != 1 {
		t.Fatalf("entered deep sleep %d times, want exactly once", count)
	}
}

func TestToolCallBatchGetsExactlyOneResponseEach(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(ToolCallEvent{Calls: []ToolCall{
		{ID: "c1", Name: "search_internet", Args: map[string]any{"query": "tin tức"}},
		{ID: "c2", Name: "set_reminder", Args: map[string]any{"delay_minutes": 10.0, "label": "tea"}},
	}})

	waitFor(t, "two tool responses", func() bool {
		return len(h.transport.responseList()) == 2
	})
	responses := h.transport.responseList()
	seen := map[string]bool{}
	for _, r := range responses {
		if seen[r] {
			t.Fatalf("duplicate tool response %q", r)
		}
		seen[r] = true
	}
	if !seen["c1/search_internet"] || !seen["c2/set_reminder"] {
		t.Fatalf("responses=%v", responses)
	}
	if !h.rec.sawState(StateThinking) {
		t.Fatalf("search tool ran without thinking state")
	}
}

func TestStopDuringToolBatchDropsRemainingCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tools.entered = make(chan struct{}, 2)
	h.tools.release = make(chan struct{})
	h.start(t)

	h.transport.emit(ToolCallEvent{Calls: []ToolCall{
		{ID: "c1", Name: "search_internet", Args: map[string]any{"query": "tin tức"}},
		{ID: "c2", Name: "search_internet", Args: map[string]any{"query": "thời tiết"}},
	}})

	// Tear the session down while the first call is still executing, then
	// let it finish.
	<-h.tools.entered
	h.sess.Stop()
	close(h.tools.release)

	time.Sleep(50 * time.Millisecond)
	h.tools.mu.Lock()
	ran := len(h.tools.names)
	h.tools.mu.Unlock()
	if ran != 1 {
		t.Fatalf("%d tool calls ran, want only the one already in flight", ran)
	}
	if got := h.transport.responseList(); len(got) != 0 {
		t.Fatalf("responses=%v sent on a stopped session, want none", got)
	}
	if state, _ := h.sess.State(); state != StateIdle {
		t.Fatalf("state=%v after stop, want idle", state)
	}
}

func TestStopDuringStartGoesQuietlyToIdle(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	capture := &fakeCapture{}
	sink := audio.NewFakeSink()
	queue := audio.NewQueue(audio.PlaybackFormat, sink, nil, zerolog.Nop())
	rec := &recorder{}
	dialing := make(chan struct{})
	release := make(chan struct{})

	sess := New(Config{
		Dial: func(context.Context, profile.Profile) (Transport, error) {
			close(dialing)
			<-release
			return transport, nil
		},
		OpenCapture: func(func() bool, audio.Forward) (Capture, error) {
			return capture, nil
		},
		NewPlayback: func() (Playback, error) { return queue, nil },
		Tools:       &fakeTools{},
		Log:         zerolog.Nop(),
	})
	sess.Subscribe(rec.observer())

	started := make(chan error, 1)
	go func() { started <- sess.Start(context.Background(), profile.Profile{}) }()

	// Stop lands while Start is still dialing: a user action, not a
	// failure.
	<-dialing
	sess.Stop()
	close(release)

	if err := <-started; err == nil {
		t.Fatalf("Start succeeded despite Stop during acquisition")
	}
	if rec.sawState(StateError) {
		t.Fatalf("stop during start surfaced as error state")
	}
	if state, _ := sess.State(); state != StateIdle {
		t.Fatalf("state=%v, want idle", state)
	}

	// Everything acquired mid-abort must be released.
	waitFor(t, "transport released", func() bool { return transport.closeCount() == 1 })
	stops, closes := capture.counts()
	if stops != 1 || closes != 1 {
		t.Fatalf("capture stops=%d closes=%d, want 1/1", stops, closes)
	}
	if !sink.Closed() {
		t.Fatalf("playback sink not closed after aborted start")
	}
}

func TestCaptureForwardsThroughTransport(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	if h.capture.forward == nil {
		t.Fatalf("capture pipeline not wired")
	}
	frame := audio.EncodeFrame([]float32{0.25, -0.25})
	if err := h.capture.forward(frame); err != nil {
		t.Fatalf("forward: %v", err)
	}
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	if len(h.transport.frames) != 1 {
		t.Fatalf("transport got %d frames, want 1", len(h.transport.frames))
	}
}

func TestStopReleasesEverythingOnceAndIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.sess.Stop()
	h.sess.Stop()

	if got := h.transport.closeCount(); got != 1 {
		t.Fatalf("transport closed %d times, want 1", got)
	}
	stops, closes := h.capture.counts()
	if stops != 1 || closes != 1 {
		t.Fatalf("capture stops=%d closes=%d, want 1/1", stops, closes)
	}
	if !h.sink.Closed() {
		t.Fatalf("playback sink not closed")
	}
	if state, _ := h.sess.State(); state != StateIdle {
		t.Fatalf("state=%v after stop, want idle", state)
	}
	if got := h.sess.History(); got != nil {
		t.Fatalf("history=%v after stop, want nil", got)
	}
}

func TestTransportErrorTearsDownToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(ErrorEvent{Err: fmt.Errorf("stream reset")})

	waitFor(t, "idle after error", func() bool {
		state, _ := h.sess.State()
		return state == StateIdle
	})
	if !h.rec.sawState(StateError) {
		t.Fatalf("error state never surfaced")
	}
	var errStatus string
	h.rec.mu.Lock()
	for i, st := range h.rec.states {
		if st == StateError {
			errStatus = h.rec.statuses[i]
		}
	}
	h.rec.mu.Unlock()
	if !strings.Contains(errStatus, "stream reset") {
		t.Fatalf("error status %q not descriptive", errStatus)
	}
}

func TestStaleSettleTimerCannotTouchNewSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start(t)

	h.transport.emit(OutputTranscriptionEvent{Text: "done"})
	h.transport.emit(TurnCompleteEvent{})
	waitFor(t, "idle after turn", func() bool {
		state, _ := h.sess.State()
		return state == StateIdle
	})

	// Stop before the settle delay elapses; the stale timer must not
	// flip the stopped session back to listening.
	h.sess.Stop()
	time.Sleep(60 * time.Millisecond)
	if state, _ := h.sess.State(); state != StateIdle {
		t.Fatalf("stale settle timer changed state to %v", state)
	}
}
