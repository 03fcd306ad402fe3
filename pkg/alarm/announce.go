package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/audio"
)

const announceTimeout = 30 * time.Second

// Synthesizer turns a short notification text into raw PCM at the
// playback format.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// SinkOpener opens a short-lived audio output, independent of any live
// session's playback queue.
type SinkOpener func(format audio.Format) (audio.Sink, error)

// Announcer speaks a ringing alarm through its own dedicated output
// path, then reports completion so the UI can fall back to idle. On
// synthesis failure completion is reported immediately.
type Announcer struct {
	synth  Synthesizer
	open   SinkOpener
	onDone func()
	log    zerolog.Logger
}

func NewAnnouncer(synth Synthesizer, open SinkOpener, onDone func(), log zerolog.Logger) *Announcer {
	return &Announcer{synth: synth, open: open, onDone: onDone, log: log}
}

// Ring satisfies RingFunc. Playback runs in the background; the
// scheduler's timer goroutine is never held up by audio I/O.
func (a *Announcer) Ring(label string) {
	go a.announce(label)
}

func (a *Announcer) announce(label string) {
	defer func() {
		if a.onDone != nil {
			a.onDone()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	text := fmt.Sprintf("Time for your reminder: %s", label)
	pcm, err := a.synth.Synthesize(ctx, text)
	if err != nil {
		a.log.Error().Err(err).Str("label", label).Msg("reminder synthesis failed")
		return
	}

	sink, err := a.open(audio.PlaybackFormat)
	if err != nil {
		a.log.Error().Err(err).Msg("open reminder output failed")
		return
	}
	defer func() {
		if err := sink.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close reminder output failed")
		}
	}()

	if err := sink.Write(pcm); err != nil {
		a.log.Error().Err(err).Msg("reminder playback failed")
		return
	}
	// The sink is torn down right after this call returns, so wait for
	// the clip to finish playing first.
	if err := sink.Flush(); err != nil {
		a.log.Warn().Err(err).Msg("drain reminder output failed")
	}
}
