// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The API speaks 24 kHz mono PCM16 in both directions, so outbound frames are
// resampled from the capture rate before they are appended to the input
// buffer. Server-side voice activity detection drives interruptions: when the
// user starts speaking over a response, the adapter cancels the response and
// signals the caller.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// nativeRate is the only PCM16 rate the Realtime API accepts and emits.
	nativeRate = 24000

	codeCancelNotActive = "response_cancel_not_active"
)

// ErrSessionClosed is returned by SendAudio after Close or after the remote
// ended the session.
var ErrSessionClosed = errors.New("openai: session closed")

var nativeFormat = audio.Format{SampleRate: nativeRate, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		NativeInputRate:      nativeRate,
		NativeOutputRate:     nativeRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		ServerInterruption:   true,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and sends session.update. Readiness is
// signalled on session.created or session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		events:      make(chan s2s.Event, 64),
		ready:       make(chan struct{}),
		inFormat:    cfg.InputFormat,
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg.Voice, cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	events      chan s2s.Event
	ready       chan struct{}
	readyOnce   sync.Once
	inFormat    audio.Format

	// responding is only touched by receiveLoop.
	responding bool

	mu       sync.Mutex
	errVal   error
	closed   bool // no further sends
	shutdown bool // Close was called

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, audio formats and
// server-side voice activity detection.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             voice,
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent reports false when the session must end.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		s.readyOnce.Do(func() { close(s.ready) })

	case "response.created":
		s.responding = true

	case "response.done":
		s.responding = false

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		frame := audio.WireFrame{Data: evt.Delta, MIMEType: audio.MIMEType(nativeFormat)}
		return s.emit(s2s.AudioEvent(frame))

	case "input_audio_buffer.speech_started":
		if s.responding {
			if err := s.writeJSON(map[string]string{"type": "response.cancel"}); err != nil {
				slog.Debug("openai: response.cancel failed", "err", err)
			}
			s.responding = false
		}
		return s.emit(s2s.InterruptEvent())

	case "error":
		if evt.Error != nil && evt.Error.Code == codeCancelNotActive {
			return true
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.setErr(fmt.Errorf("openai: remote error: %s", msg))
		return false
	}
	return true
}

// emit queues ev in arrival order. It reports false once the session is
// shutting down.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
	})
}

// toNative converts an outbound wire frame to 24 kHz mono PCM16, base64 encoded.
func (s *session) toNative(frame audio.WireFrame) (string, error) {
	from, err := audio.ParseMIME(frame.MIMEType)
	if err != nil {
		if !s.inFormat.Valid() {
			return "", err
		}
		from = s.inFormat
	}
	if from == nativeFormat {
		return frame.Data, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return "", fmt.Errorf("openai: decode outbound frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(audio.ConvertPCM16(pcm, from, nativeFormat)), nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples frame to 24 kHz mono and appends it to the input buffer.
func (s *session) SendAudio(frame audio.WireFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := s.toNative(frame)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	if err := s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Ready is closed on session.created or session.updated.
func (s *session) Ready() <-chan struct{} { return s.ready }

// Events returns response audio interleaved with the barge-in signals raised
// by server-side VAD, in server order.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
