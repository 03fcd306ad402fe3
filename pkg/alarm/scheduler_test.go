package alarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/audio"
)

func TestSetPastTimestampIsNoOp(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, zerolog.Nop())
	id, ok := s.Set(time.Now().Add(-time.Minute), "too late")
	if ok || id != 0 {
		t.Fatalf("Set(past) = (%d, %v), want (0, false)", id, ok)
	}
	if got := len(s.Active()); got != 0 {
		t.Fatalf("Active() has %d alarms, want 0", got)
	}
}

func TestAlarmFiresOnceWithLabel(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		rings []string
	)
	s := NewScheduler(func(label string) {
		mu.Lock()
		rings = append(rings, label)
		mu.Unlock()
	}, zerolog.Nop())

	if _, ok := s.Set(time.Now().Add(20*time.Millisecond), "Gọi mẹ"); !ok {
		t.Fatalf("Set failed")
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(rings) != 1 || rings[0] != "Gọi mẹ" {
		t.Fatalf("rings=%v, want exactly one %q", rings, "Gọi mẹ")
	}
	if got := len(s.Active()); got != 0 {
		t.Fatalf("Active() has %d alarms after firing, want 0", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	rang := make(chan string, 1)
	s := NewScheduler(func(label string) { rang <- label }, zerolog.Nop())

	id, ok := s.Set(time.Now().Add(time.Hour), "later")
	if !ok {
		t.Fatalf("Set failed")
	}

	s.Cancel(id)
	s.Cancel(id)
	s.Cancel(42) // unknown id

	if got := len(s.Active()); got != 0 {
		t.Fatalf("Active() has %d alarms after cancel, want 0", got)
	}
	select {
	case label := <-rang:
		t.Fatalf("cancelled alarm rang with %q", label)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentAlarmsAreIndependent(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		rings []string
	)
	s := NewScheduler(func(label string) {
		mu.Lock()
		rings = append(rings, label)
		mu.Unlock()
	}, zerolog.Nop())

	s.Set(time.Now().Add(20*time.Millisecond), "a")
	id, _ := s.Set(time.Now().Add(20*time.Millisecond), "b")
	s.Set(time.Now().Add(20*time.Millisecond), "c")
	s.Cancel(id)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(rings) != 2 {
		t.Fatalf("rings=%v, want a and c", rings)
	}
	for _, label := range rings {
		if label == "b" {
			t.Fatalf("cancelled alarm b rang")
		}
	}
}

func TestRingingAlarmRemovedOnlyAfterCallbackReturns(t *testing.T) {
	t.Parallel()

	var (
		s          *Scheduler
		mu         sync.Mutex
		duringRing []Alarm
	)
	rang := make(chan struct{}, 1)
	s = NewScheduler(func(string) {
		mu.Lock()
		duringRing = s.Active()
		mu.Unlock()
		rang <- struct{}{}
	}, zerolog.Nop())

	id, ok := s.Set(time.Now().Add(20*time.Millisecond), "uống thuốc")
	if !ok {
		t.Fatalf("Set failed")
	}

	select {
	case <-rang:
	case <-time.After(time.Second):
		t.Fatalf("alarm never rang")
	}

	mu.Lock()
	snapshot := append([]Alarm(nil), duringRing...)
	mu.Unlock()
	if len(snapshot) != 1 || snapshot[0].ID != id || snapshot[0].Label != "uống thuốc" {
		t.Fatalf("Active() during ring=%v, want the ringing alarm", snapshot)
	}

	waitRemoved := time.Now().Add(time.Second)
	for len(s.Active()) != 0 {
		if time.Now().After(waitRemoved) {
			t.Fatalf("alarm still active after ring returned: %v", s.Active())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestActiveExcludesFiredAndOrdersByID(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, zerolog.Nop())
	a, _ := s.Set(time.Now().Add(time.Hour), "one")
	b, _ := s.Set(time.Now().Add(2*time.Hour), "two")

	active := s.Active()
	if len(active) != 2 || active[0].ID != a || active[1].ID != b {
		t.Fatalf("Active()=%v, want ids [%d %d]", active, a, b)
	}
}

type fakeSynth struct {
	pcm []byte
	err error
}

func (f *fakeSynth) Synthesize(context.Context, string) ([]byte, error) {
	return f.pcm, f.err
}

func TestAnnouncerPlaysSynthesizedAudioThenSignalsDone(t *testing.T) {
	t.Parallel()

	sink := audio.NewFakeSink()
	done := make(chan struct{}, 1)
	a := NewAnnouncer(
		&fakeSynth{pcm: []byte{1, 2, 3, 4}},
		func(audio.Format) (audio.Sink, error) { return sink, nil },
		func() { done <- struct{}{} },
		zerolog.Nop(),
	)

	a.Ring("drink water")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("announcer never signalled done")
	}
	if got := sink.Bytes(); len(got) != 4 {
		t.Fatalf("sink got %d bytes, want 4", len(got))
	}
	// The clip must finish playing before the sink is torn down:
	// FakeSink.Flush fails once closed, so a flush count of 1 proves the
	// drain happened first.
	if got := sink.Flushes(); got != 1 {
		t.Fatalf("sink flushed %d times before close, want 1", got)
	}
	if !sink.Closed() {
		t.Fatalf("announcement sink left open")
	}
}

func TestAnnouncerSignalsDoneOnSynthesisFailure(t *testing.T) {
	t.Parallel()

	opened := false
	done := make(chan struct{}, 1)
	a := NewAnnouncer(
		&fakeSynth{err: errors.New("synthesis unavailable")},
		func(audio.Format) (audio.Sink, error) {
			opened = true
			return audio.NewFakeSink(), nil
		},
		func() { done <- struct{}{} },
		zerolog.Nop(),
	)

	a.Ring("drink water")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("announcer never signalled done")
	}
	if opened {
		t.Fatalf("output opened despite synthesis failure")
	}
}
