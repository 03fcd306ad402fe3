package ambient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/mochi-dev/mochi/pkg/gentext"
)

const (
	quotesTTL   = 6 * time.Hour
	quotesCount = 10
)

// QuoteService fetches a batch of short inspirational quotes as
// structured JSON and rotates through them until the TTL expires.
type QuoteService struct {
	text TextService
	now  func() time.Time
	log  zerolog.Logger

	mu        sync.Mutex
	cached    []string
	next      int
	fetchedAt time.Time
}

func NewQuoteService(text TextService, log zerolog.Logger) *QuoteService {
	return &QuoteService{text: text, now: time.Now, log: log}
}

// Next returns the next quote in rotation, refetching the batch once
// the cache goes stale. A failed refetch never clears a previous batch,
// but the error is still surfaced so the caller can show fallback text.
func (q *QuoteService) Next(ctx context.Context) (string, error) {
	q.mu.Lock()
	if len(q.cached) > 0 && q.now().Sub(q.fetchedAt) < quotesTTL {
		quote := q.cached[q.next%len(q.cached)]
		q.next++
		q.mu.Unlock()
		return quote, nil
	}
	q.mu.Unlock()

	prompt := fmt.Sprintf(
		"Give me %d short, uplifting quotes suitable for a companion device's idle screen. "+
			"Reply as a JSON array of strings, nothing else.", quotesCount)

	raw, err := q.text.Generate(ctx, prompt, gentext.Options{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
	})
	if err != nil {
		return "", fmt.Errorf("fetch quotes: %w", err)
	}

	quotes, err := parseQuotes(raw)
	if err != nil {
		q.log.Warn().Str("raw", raw).Err(err).Msg("quotes response rejected")
		return "", err
	}

	q.mu.Lock()
	q.cached = quotes
	q.next = 1
	q.fetchedAt = q.now()
	quote := quotes[0]
	q.mu.Unlock()
	return quote, nil
}

// parseQuotes decodes the JSON array payload. An empty list is a format
// error, not a valid batch.
func parseQuotes(raw string) ([]string, error) {
	var quotes []string
	if err := json.Unmarshal([]byte(raw), &quotes); err != nil {
		return nil, fmt.Errorf("malformed quotes payload: %w", err)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("empty quotes payload")
	}
	return quotes, nil
}
