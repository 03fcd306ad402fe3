// Package main runs the Mochi companion in a terminal: one live voice
// session with the avatar state, transcription and history printed as
// log lines.
//
// Usage:
//
//	go run ./cmd/mochi
//
// Environment variables:
//
//	MOCHI_GEMINI_API_KEY - Required
//	MOCHI_PROFILE_PATH   - Optional profile location (default profile.json)
//
// Controls:
//
//	Enter  - Wake up while sleeping
//	q      - Quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/internal/config"
	"github.com/mochi-dev/mochi/internal/dotenv"
	"github.com/mochi-dev/mochi/pkg/alarm"
	"github.com/mochi-dev/mochi/pkg/ambient"
	"github.com/mochi-dev/mochi/pkg/audio"
	"github.com/mochi-dev/mochi/pkg/gentext"
	"github.com/mochi-dev/mochi/pkg/profile"
	"github.com/mochi-dev/mochi/pkg/session"
	"github.com/mochi-dev/mochi/pkg/session/gemini"
	"github.com/mochi-dev/mochi/pkg/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mochi:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = dotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	prof, err := profile.NewStore(cfg.ProfilePath).Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text, err := gentext.NewClient(ctx, gentext.Config{
		APIKey:    cfg.GeminiAPIKey,
		TextModel: cfg.TextModel,
		TTSModel:  cfg.TTSModel,
		VoiceName: cfg.VoiceName,
		Log:       log,
	})
	if err != nil {
		return err
	}

	actx, err := audio.NewContext()
	if err != nil {
		return err
	}
	defer actx.Close()

	printAmbient(ctx, text, prof, log)

	announcer := alarm.NewAnnouncer(text, audio.NewSpeaker,
		func() { fmt.Println("(reminder finished)") }, log)
	scheduler := alarm.NewScheduler(announcer.Ring, log)

	sess := buildSession(cfg, prof, text, scheduler, actx, log)
	sess.Subscribe(session.Observer{
		OnState: func(state session.State, status string) {
			if status != "" {
				fmt.Printf("[%s] %s\n", state, status)
				return
			}
			fmt.Printf("[%s]\n", state)
		},
		OnTranscription: func(frag *session.Fragment) {
			if frag != nil {
				fmt.Printf("  %s: %s\n", frag.Speaker, frag.Text)
			}
		},
		OnHistory: func(entries []session.HistoryEntry) {
			if len(entries) > 0 {
				last := entries[len(entries)-1]
				fmt.Printf("  (turn logged: %s: %s)\n", last.Speaker, last.Text)
			}
		},
	})

	if err := sess.Start(ctx, prof); err != nil {
		return err
	}
	defer sess.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		sess.Stop()
		cancel()
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "q":
			return nil
		case "":
			sess.WakeUp()
		case "alarms":
			for _, a := range scheduler.Active() {
				fmt.Printf("  #%d %s at %s\n", a.ID, a.Label, a.FireAt.Format("15:04"))
			}
		}
	}
	return scanner.Err()
}

func buildSession(cfg config.Config, prof profile.Profile, text *gentext.Client,
	scheduler *alarm.Scheduler, actx audio.Context, log zerolog.Logger) *session.Session {

	var sess *session.Session
	dispatcher := tools.New(text, scheduler, func() { sess.RequestDeepSleep() }, log)

	sess = session.New(session.Config{
		Dial: func(ctx context.Context, prof profile.Profile) (session.Transport, error) {
			return gemini.Dial(ctx, gemini.Config{
				APIKey:            cfg.GeminiAPIKey,
				Model:             cfg.LiveModel,
				SystemInstruction: systemInstruction(cfg, prof),
				VoiceName:         cfg.VoiceName,
				Tools:             tools.Declarations(),
				Log:               log,
			})
		},
		OpenCapture: func(gate func() bool, forward audio.Forward) (session.Capture, error) {
			return audio.StartPipeline(actx, gate, forward, log)
		},
		NewPlayback: func() (session.Playback, error) {
			sink, err := audio.NewSpeaker(audio.PlaybackFormat)
			if err != nil {
				return nil, err
			}
			start := time.Now()
			return audio.NewQueue(audio.PlaybackFormat, sink,
				func() time.Duration { return time.Since(start) }, log), nil
		},
		Tools:           dispatcher,
		WakePhrase:      cfg.WakePhrase,
		FarewellPhrases: cfg.FarewellPhrases,
		SettleDelay:     cfg.SettleDelay,
		Log:             log,
	})
	return sess
}

func systemInstruction(cfg config.Config, prof profile.Profile) string {
	if cfg.SystemInstruction != "" {
		return cfg.SystemInstruction
	}
	var b strings.Builder
	b.WriteString("You are Mochi, a warm, playful voice companion. Keep replies short and natural for speech.")
	if prof.Name != "" {
		fmt.Fprintf(&b, " Your user's name is %s.", prof.Name)
	}
	if prof.Gender != "" {
		fmt.Fprintf(&b, " They identify as %s.", prof.Gender)
	}
	return b.String()
}

// printAmbient shows the idle-screen data once at startup. Failures fall
// back to placeholder text and never block the session.
func printAmbient(ctx context.Context, text *gentext.Client, prof profile.Profile, log zerolog.Logger) {
	weather := ambient.NewWeatherService(text, log)
	quotes := ambient.NewQuoteService(text, log)

	if prof.Location != nil {
		if w, err := weather.Current(ctx, prof.Location.Latitude, prof.Location.Longitude); err == nil {
			fmt.Printf("%s %d°C %s\n", w.Emoji, w.Temperature, w.Condition)
		} else {
			log.Warn().Err(err).Msg("weather unavailable")
			fmt.Println("Weather unavailable")
		}
	}
	if q, err := quotes.Next(ctx); err == nil {
		fmt.Printf("“%s”\n", q)
	} else {
		log.Warn().Err(err).Msg("quote unavailable")
	}
}
