// Package gentext wraps the Gemini API for one-shot text generation and
// speech synthesis, outside any live session.
package gentext

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// ErrRateLimited marks a quota rejection from the remote service.
// Callers show a "try again later" message instead of a generic failure.
var ErrRateLimited = errors.New("rate limited, try again later")

const (
	defaultTextModel = "gemini-2.0-flash"
	defaultTTSModel  = "gemini-2.5-flash-preview-tts"
	defaultVoice     = "Aoede"
)

// Options tunes one generation request.
type Options struct {
	// EnableWebSearch grounds the answer with Google Search results.
	EnableWebSearch bool
	// ResponseMIMEType and ResponseSchema constrain structured output,
	// typically "application/json" plus a schema.
	ResponseMIMEType string
	ResponseSchema   *genai.Schema
}

// Client issues generation requests against the Gemini API.
type Client struct {
	inner     *genai.Client
	textModel string
	ttsModel  string
	voice     string
	log       zerolog.Logger
}

// Config configures a Client. Zero-value model and voice fields fall
// back to working defaults.
type Config struct {
	APIKey    string
	TextModel string
	TTSModel  string
	VoiceName string
	Log       zerolog.Logger
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	inner, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	c := &Client{
		inner:     inner,
		textModel: cfg.TextModel,
		ttsModel:  cfg.TTSModel,
		voice:     cfg.VoiceName,
		log:       cfg.Log,
	}
	if c.textModel == "" {
		c.textModel = defaultTextModel
	}
	if c.ttsModel == "" {
		c.ttsModel = defaultTTSModel
	}
	if c.voice == "" {
		c.voice = defaultVoice
	}
	return c, nil
}

// Generate produces a single text completion for prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	config := &genai.GenerateContentConfig{}
	if opts.EnableWebSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if opts.ResponseMIMEType != "" {
		config.ResponseMIMEType = opts.ResponseMIMEType
	}
	if opts.ResponseSchema != nil {
		config.ResponseSchema = opts.ResponseSchema
	}

	resp, err := c.inner.Models.GenerateContent(ctx, c.textModel, genai.Text(prompt), config)
	if err != nil {
		return "", c.translateErr(err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

// Search answers a free-text question grounded in web search results.
// It satisfies the search tool's backend contract.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	prompt := fmt.Sprintf("Answer concisely, in one or two spoken sentences: %s", query)
	return c.Generate(ctx, prompt, Options{EnableWebSearch: true})
}

// Synthesize renders text as raw 24 kHz mono PCM using the prebuilt
// voice configured on the client.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.voice},
			},
		},
	}

	resp, err := c.inner.Models.GenerateContent(ctx, c.ttsModel, genai.Text(text), config)
	if err != nil {
		return nil, c.translateErr(err)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData.Data, nil
			}
		}
	}
	return nil, fmt.Errorf("no audio in synthesis response")
}

// translateErr maps a quota rejection to ErrRateLimited and keeps
// everything else as-is.
func (c *Client) translateErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		c.log.Warn().Msg("text service rate limited")
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	}
	return fmt.Errorf("generate content: %w", err)
}
