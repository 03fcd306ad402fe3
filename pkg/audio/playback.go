package audio

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink is a realtime audio output. Write blocks roughly at playback pace.
// Flush blocks until everything written has actually played, for callers
// that must not tear the sink down mid-clip. Reset discards anything the
// device has buffered but not yet played.
type Sink interface {
	Write(pcm []byte) error
	Flush() error
	Reset() error
	Close() error
}

// Segment is one decoded chunk scheduled on the output timeline.
type Segment struct {
	ID       int64
	Start    time.Duration
	Duration time.Duration
}

const writeChunkMS = 20

// Queue plays PCM segments strictly back to back. A monotonic cursor
// marks the next free instant on the output timeline; each segment is
// scheduled at max(cursor, current output time) and the cursor advances
// by its duration, so decode jitter never causes overlap or gaps.
//
// Interrupt force-stops everything scheduled or playing, empties the
// tracked set and resets the cursor to zero. Segments remove themselves
// from the tracked set when they finish naturally.
type Queue struct {
	format Format
	sink   Sink
	now    func() time.Duration
	log    zerolog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []queued
	tracked   map[int64]Segment
	cursor    time.Duration
	nextID    int64
	gen       uint64
	interrupt chan struct{}
	closed    bool
	done      chan struct{}
}

type queued struct {
	seg Segment
	pcm []byte
	gen uint64
}

// NewQueue starts a playback queue draining into sink. If now is nil the
// output timeline is wall time since construction.
func NewQueue(format Format, sink Sink, now func() time.Duration, log zerolog.Logger) *Queue {
	if now == nil {
		epoch := time.Now()
		now = func() time.Duration { return time.Since(epoch) }
	}
	q := &Queue{
		format:    format,
		sink:      sink,
		now:       now,
		log:       log,
		tracked:   make(map[int64]Segment),
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.playLoop()
	return q
}

// Enqueue schedules one PCM segment for gapless playback and returns its
// scheduling decision. Empty input is ignored.
func (q *Queue) Enqueue(pcm []byte) Segment {
	if q == nil || len(pcm) == 0 {
		return Segment{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Segment{}
	}

	start := q.cursor
	if t := q.now(); t > start {
		start = t
	}
	q.nextID++
	seg := Segment{
		ID:       q.nextID,
		Start:    start,
		Duration: time.Duration(q.format.DurationMS(len(pcm))) * time.Millisecond,
	}
	q.cursor = seg.Start + seg.Duration
	q.tracked[seg.ID] = seg
	q.pending = append(q.pending, queued{seg: seg, pcm: pcm, gen: q.gen})
	q.cond.Signal()
	return seg
}

// Tracked snapshots the segments that are scheduled or playing.
func (q *Queue) Tracked() []Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Segment, 0, len(q.tracked))
	for _, seg := range q.tracked {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cursor reports the next free instant on the output timeline.
func (q *Queue) Cursor() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// Interrupt force-stops all scheduled and playing segments, clears the
// tracked set and rewinds the cursor to zero.
func (q *Queue) Interrupt() {
	if q == nil {
		return
	}
	q.mu.Lock()
	q.gen++
	q.pending = nil
	q.tracked = make(map[int64]Segment)
	q.cursor = 0
	close(q.interrupt)
	q.interrupt = make(chan struct{})
	q.cond.Signal()
	q.mu.Unlock()

	if err := q.sink.Reset(); err != nil {
		q.log.Warn().Err(err).Msg("playback sink reset failed")
	}
}

// Close interrupts playback and releases the sink. Idempotent.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.gen++
	q.pending = nil
	q.tracked = make(map[int64]Segment)
	q.cursor = 0
	close(q.interrupt)
	q.interrupt = make(chan struct{})
	q.cond.Signal()
	q.mu.Unlock()

	<-q.done
	return q.sink.Close()
}

func (q *Queue) playLoop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := q.pending[0]
		q.pending = q.pending[1:]
		stop := q.interrupt
		q.mu.Unlock()

		if q.playSegment(item, stop) {
			q.mu.Lock()
			if item.gen == q.gen {
				delete(q.tracked, item.seg.ID)
			}
			q.mu.Unlock()
		}
	}
}

// playSegment returns true when the segment completed naturally.
func (q *Queue) playSegment(item queued, stop <-chan struct{}) bool {
	if wait := item.seg.Start - q.now(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return false
		}
	}

	chunk := q.format.BytesPerSecond() * writeChunkMS / 1000
	if chunk <= 0 {
		chunk = len(item.pcm)
	}
	for off := 0; off < len(item.pcm); off += chunk {
		select {
		case <-stop:
			return false
		default:
		}
		end := off + chunk
		if end > len(item.pcm) {
			end = len(item.pcm)
		}
		if err := q.sink.Write(item.pcm[off:end]); err != nil {
			q.log.Warn().Err(err).Msg("playback sink write failed")
			return true
		}
	}
	return true
}
