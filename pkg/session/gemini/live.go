// Package gemini implements the live session transport over the Gemini
// BidiGenerateContent websocket API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mochi-dev/mochi/pkg/audio"
	"github.com/mochi-dev/mochi/pkg/session"
)

const (
	defaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultModel    = "models/gemini-2.0-flash-live-001"

	defaultConnectTimeout = 15 * time.Second

	inputMimeType = "audio/pcm;rate=16000"
)

// ToolDeclaration describes one client function tool advertised to the
// model in the setup frame. Parameters is a JSON schema object.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config configures one live connection.
type Config struct {
	APIKey string
	// Model defaults to the current flash live model.
	Model string
	// Endpoint overrides the production websocket URL; used by tests.
	Endpoint string

	SystemInstruction string
	VoiceName         string
	Tools             []ToolDeclaration

	Log zerolog.Logger
}

// Conn is one open live session. It implements session.Transport.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	events chan session.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ session.Transport = (*Conn)(nil)

// Dial opens the websocket, performs the setup handshake and starts the
// read loop. The returned Conn is ready to stream audio.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	wsURL, err := buildURL(endpoint, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial live endpoint: %w", err)
	}

	if err := ws.WriteJSON(buildSetup(model, cfg)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	var first serverFrame
	if err := readFrame(ws, &first); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read setup ack: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if first.SetupComplete == nil {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected first live frame")
	}

	c := &Conn{
		ws:     ws,
		log:    cfg.Log,
		events: make(chan session.Event, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func buildURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid live endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("live endpoint must use http(s) or ws(s)")
	}
	q := u.Query()
	q.Set("key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildSetup(model string, cfg Config) clientSetupFrame {
	setup := setupPayload{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if cfg.VoiceName != "" {
		setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceName},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemInstruction}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		setup.Tools = []toolPayload{{FunctionDeclarations: decls}}
	}
	return clientSetupFrame{Setup: setup}
}

// Events yields inbound session events. The channel closes after the
// connection ends.
func (c *Conn) Events() <-chan session.Event {
	return c.events
}

// SendRealtimeInput forwards one encoded PCM frame as a realtime media
// chunk.
func (c *Conn) SendRealtimeInput(frame []byte) error {
	return c.sendJSON(clientRealtimeFrame{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: inputMimeType,
				Data:     audio.EncodeBase64(frame),
			}},
		},
	})
}

// SendToolResponse answers one tool call by id.
func (c *Conn) SendToolResponse(callID, name, result string) error {
	return c.sendJSON(clientToolResponseFrame{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{
				ID:       callID,
				Name:     name,
				Response: map[string]any{"output": result},
			}},
		},
	})
}

func (c *Conn) sendJSON(v any) error {
	if c.closed.Load() {
		return fmt.Errorf("live connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close shuts the websocket down. Idempotent; returns after the read
// loop has drained.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	<-c.done
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		var frame serverFrame
		if err := readFrame(c.ws, &frame); err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(session.ClosedEvent{Reason: "Connection closed"})
				return
			}
			c.emit(session.ErrorEvent{Err: err})
			return
		}
		for _, ev := range decodeServerFrame(frame, c.log) {
			c.emit(ev)
		}
	}
}

// readFrame reads one websocket message and unmarshals it. The server
// may deliver JSON in either text or binary frames.
func readFrame(ws *websocket.Conn, frame *serverFrame) error {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return fmt.Errorf("decode live frame: %w", err)
	}
	return nil
}

// decodeServerFrame maps one wire frame to session events. A single
// serverContent frame can carry several at once (transcription plus
// audio plus turn boundary); the emit order here preserves the server's
// intent: content first, then the boundary markers.
func decodeServerFrame(frame serverFrame, log zerolog.Logger) []session.Event {
	var events []session.Event

	if frame.ToolCall != nil {
		calls := make([]session.ToolCall, 0, len(frame.ToolCall.FunctionCalls))
		for _, fc := range frame.ToolCall.FunctionCalls {
			calls = append(calls, session.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		if len(calls) > 0 {
			events = append(events, session.ToolCallEvent{Calls: calls})
		}
	}

	sc := frame.ServerContent
	if sc == nil {
		if frame.GoAway != nil {
			events = append(events, session.ClosedEvent{Reason: "Server ending session"})
		}
		return events
	}

	if sc.Interrupted {
		events = append(events, session.InterruptedEvent{})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, session.InputTranscriptionEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, session.OutputTranscriptionEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
				continue
			}
			pcm, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil {
				log.Warn().Err(err).Msg("drop undecodable audio chunk")
				continue
			}
			events = append(events, session.AudioDeltaEvent{PCM: pcm})
		}
	}
	if sc.TurnComplete {
		events = append(events, session.TurnCompleteEvent{})
	}
	return events
}

func (c *Conn) emit(ev session.Event) {
	select {
	case c.events <- ev:
	case <-time.After(5 * time.Second):
		// A consumer that stalls this long has abandoned the session;
		// dropping beats deadlocking the read loop.
		c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("drop event: consumer stalled")
	}
}
