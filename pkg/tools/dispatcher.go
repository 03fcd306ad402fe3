// Package tools executes the function calls the model is allowed to
// make during a live session.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/alarm"
	"github.com/mochi-dev/mochi/pkg/session"
)

const (
	// NameSearch answers a free-text question with a web-grounded reply.
	NameSearch = "search_internet"
	// NameSetReminder schedules an alarm a number of minutes from now.
	NameSetReminder = "set_reminder"
	// NameEnterDeepSleep asks the session to power down after this turn.
	NameEnterDeepSleep = "enter_deep_sleep"
)

const searchFallback = "I'm sorry, I couldn't look that up right now. Let's try again in a little while."

// Searcher resolves a free-text query against a remote knowledge
// source.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Dispatcher routes tool calls to their handlers. It implements
// session.ToolRunner: Run always returns a usable result string, so a
// malformed call degrades into a spoken apology instead of a dropped
// response.
type Dispatcher struct {
	searcher  Searcher
	scheduler *alarm.Scheduler
	deepSleep func()
	now       func() time.Time
	log       zerolog.Logger
}

var _ session.ToolRunner = (*Dispatcher)(nil)

// New builds a dispatcher. deepSleep is invoked when the model requests
// deep sleep; it is expected to flag the current session turn.
func New(searcher Searcher, scheduler *alarm.Scheduler, deepSleep func(), log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		searcher:  searcher,
		scheduler: scheduler,
		deepSleep: deepSleep,
		now:       time.Now,
		log:       log.With().Str("component", "tools").Logger(),
	}
}

// Run executes one call and returns its result text.
func (d *Dispatcher) Run(ctx context.Context, call session.ToolCall) string {
	d.log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Msg("tool call")

	switch call.Name {
	case NameSearch:
		return d.runSearch(ctx, call.Args)
	case NameSetReminder:
		return d.runSetReminder(call.Args)
	case NameEnterDeepSleep:
		d.deepSleep()
		return "Okay, entering deep sleep after this."
	default:
		d.log.Warn().Str("tool", call.Name).Msg("unknown tool")
		return "Sorry, I can't do that."
	}
}

// StatusFor reports the busy status shown while a tool runs. Only the
// search takes long enough to surface.
func (d *Dispatcher) StatusFor(name string) string {
	if name == NameSearch {
		return "Searching the web..."
	}
	return ""
}

func (d *Dispatcher) runSearch(ctx context.Context, args map[string]any) string {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return "Sorry, I can't do that."
	}
	answer, err := d.searcher.Search(ctx, query)
	if err != nil {
		d.log.Warn().Err(err).Str("query", query).Msg("search failed")
		return searchFallback
	}
	return answer
}

func (d *Dispatcher) runSetReminder(args map[string]any) string {
	delay, ok := args["delay_minutes"].(float64)
	label, lok := args["label"].(string)
	if !ok || !lok || delay <= 0 || label == "" {
		return "Sorry, I can't do that."
	}

	at := d.now().Add(time.Duration(delay * float64(time.Minute)))
	if _, set := d.scheduler.Set(at, label); !set {
		return "Sorry, I can't do that."
	}
	return fmt.Sprintf("Reminder %q set for %s.", label, at.Format("15:04"))
}
