// Package alarm manages one-shot labeled reminders. The scheduler is
// process-wide: alarms keep firing after the live session that created
// them has been torn down.
package alarm

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alarm is the externally visible view of one scheduled reminder.
type Alarm struct {
	ID     int64
	FireAt time.Time
	Label  string
}

type entry struct {
	alarm Alarm
	timer *time.Timer
	fired bool
}

// RingFunc is invoked with the alarm label when an alarm fires.
type RingFunc func(label string)

// Scheduler owns the live alarm set. IDs are assigned monotonically and
// never reused within a process.
type Scheduler struct {
	ring RingFunc
	now  func() time.Time
	log  zerolog.Logger

	mu     sync.Mutex
	alarms map[int64]*entry
	nextID int64
}

func NewScheduler(ring RingFunc, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		ring:   ring,
		now:    time.Now,
		log:    log,
		alarms: make(map[int64]*entry),
	}
}

// Set registers a one-shot alarm. A fire time in the past is logged and
// ignored; ok is false and no alarm is registered.
func (s *Scheduler) Set(fireAt time.Time, label string) (id int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		s.log.Warn().Time("fire_at", fireAt).Str("label", label).Msg("ignore alarm in the past")
		return 0, false
	}

	s.nextID++
	id = s.nextID
	e := &entry{alarm: Alarm{ID: id, FireAt: fireAt, Label: label}}
	e.timer = time.AfterFunc(delay, func() { s.fire(id) })
	s.alarms[id] = e
	s.log.Info().Int64("id", id).Time("fire_at", fireAt).Str("label", label).Msg("alarm set")
	return id, true
}

// Cancel stops the alarm's timer and removes it. Idempotent: unknown or
// already-fired ids are a no-op.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.alarms[id]
	if !ok || e.fired {
		// Unknown, already removed, or mid-ring; the ring path removes
		// fired alarms itself.
		return
	}
	e.timer.Stop()
	delete(s.alarms, id)
	s.log.Info().Int64("id", id).Msg("alarm cancelled")
}

// Active snapshots the alarms that have neither fired nor been cancelled,
// ordered by id.
func (s *Scheduler) Active() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Alarm, 0, len(s.alarms))
	for _, e := range s.alarms {
		out = append(out, e.alarm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fire rings the alarm first and removes it afterwards, so a snapshot
// taken while the ring callback runs still lists it.
func (s *Scheduler) fire(id int64) {
	s.mu.Lock()
	e, ok := s.alarms[id]
	if ok {
		e.fired = true
	}
	s.mu.Unlock()
	if !ok {
		// Cancelled between timer expiry and firing.
		return
	}

	s.log.Info().Int64("id", id).Str("label", e.alarm.Label).Msg("alarm ringing")
	if s.ring != nil {
		s.ring(e.alarm.Label)
	}

	s.mu.Lock()
	delete(s.alarms, id)
	s.mu.Unlock()
}
