// Package ambient fetches the display data shown around the companion:
// current weather and a rotating inspirational quote. Results are cached
// with a time-to-live; concurrent identical fetches are not deduplicated,
// both callers simply hit the remote service.
package ambient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/gentext"
)

// TextService is the one-shot generation contract ambient lookups run
// on. *gentext.Client satisfies it.
type TextService interface {
	Generate(ctx context.Context, prompt string, opts gentext.Options) (string, error)
}

// ErrLocationNotFound reports that the remote service could not resolve
// the coordinates to a place.
var ErrLocationNotFound = errors.New("location not found")

const weatherTTL = 30 * time.Minute

// Weather is one parsed current-conditions reading.
type Weather struct {
	Temperature int
	Condition   string
	Emoji       string
}

// WeatherService resolves coordinates to current conditions, cached per
// service for the TTL.
type WeatherService struct {
	text TextService
	now  func() time.Time
	log  zerolog.Logger

	mu        sync.Mutex
	cached    Weather
	fetchedAt time.Time
}

func NewWeatherService(text TextService, log zerolog.Logger) *WeatherService {
	return &WeatherService{text: text, now: time.Now, log: log}
}

// Current returns the conditions at (lat, lng), from cache when fresh.
// A failed fetch never overwrites a previously cached value.
func (w *WeatherService) Current(ctx context.Context, lat, lng float64) (Weather, error) {
	w.mu.Lock()
	if !w.fetchedAt.IsZero() && w.now().Sub(w.fetchedAt) < weatherTTL {
		cached := w.cached
		w.mu.Unlock()
		return cached, nil
	}
	w.mu.Unlock()

	prompt := fmt.Sprintf(
		"What is the current weather at latitude %.4f, longitude %.4f? "+
			"Reply with exactly one line in the format TEMPERATURE;CONDITION;EMOJI, "+
			"where TEMPERATURE is the whole-number Celsius temperature, CONDITION is a short "+
			"local-language description, and EMOJI is a single matching emoji. "+
			"If the location cannot be determined, reply NULL;Không thể xác định;❓",
		lat, lng)

	raw, err := w.text.Generate(ctx, prompt, gentext.Options{EnableWebSearch: true})
	if err != nil {
		return Weather{}, fmt.Errorf("fetch weather: %w", err)
	}

	parsed, err := parseWeather(raw)
	if err != nil {
		w.log.Warn().Str("raw", raw).Err(err).Msg("weather response rejected")
		return Weather{}, err
	}

	w.mu.Lock()
	w.cached = parsed
	w.fetchedAt = w.now()
	w.mu.Unlock()
	return parsed, nil
}

// parseWeather decodes the TEMPERATURE;CONDITION;EMOJI wire format. The
// NULL sentinel in the first field means the service could not place
// the coordinates.
func parseWeather(raw string) (Weather, error) {
	fields := strings.Split(strings.TrimSpace(raw), ";")
	if len(fields) != 3 {
		return Weather{}, fmt.Errorf("malformed weather response %q", raw)
	}
	if strings.EqualFold(strings.TrimSpace(fields[0]), "NULL") {
		return Weather{}, ErrLocationNotFound
	}
	temp, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Weather{}, fmt.Errorf("malformed weather temperature %q", fields[0])
	}
	return Weather{
		Temperature: temp,
		Condition:   strings.TrimSpace(fields[1]),
		Emoji:       strings.TrimSpace(fields[2]),
	}, nil
}
