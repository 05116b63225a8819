// Package bridge exposes the dispatch loop over a websocket so that an
// out-of-process recognizer and a status UI can feed utterances and follow
// what the assistant does.
//
// Text frames carry JSON [Message] values. Clients send
//
//	{"type":"utterance","utterance":{"id":"u1","text":"dictate","is_final":true}}
//	{"type":"cancel"}
//
// and receive "result", "preview", "mode", "speech" and "error" messages.
// When audio forwarding is enabled, synthesised speech is broadcast as
// binary frames of raw PCM.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/decisions/internal/dispatch"
	"github.com/MrWong99/decisions/internal/mode"
	"github.com/MrWong99/decisions/internal/observe"
	"github.com/MrWong99/decisions/internal/speech"
	"github.com/MrWong99/decisions/pkg/types"
)

// Message types.
const (
	TypeUtterance = "utterance"
	TypeCancel    = "cancel"
	TypeResult    = "result"
	TypePreview   = "preview"
	TypeMode      = "mode"
	TypeSpeech    = "speech"
	TypeError     = "error"
)

// DefaultSendBuffer is the number of outbound frames buffered per client.
// A client that falls further behind is disconnected.
const DefaultSendBuffer = 64

const writeTimeout = 5 * time.Second

// Message is one JSON frame in either direction.
type Message struct {
	Type      string           `json:"type"`
	Utterance *types.Utterance `json:"utterance,omitempty"`
	Result    *dispatch.Result `json:"result,omitempty"`
	Mode      *ModeChange      `json:"mode,omitempty"`
	Speech    *SpeechEvent     `json:"speech,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ModeChange is the wire form of a mode transition.
type ModeChange struct {
	From    mode.Mode `json:"from"`
	To      mode.Mode `json:"to"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at,omitzero"`
}

// SpeechEvent is the wire form of a speech progress event.
type SpeechEvent struct {
	Handle string `json:"handle"`
	State  string `json:"state"`
	Text   string `json:"text,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Dispatcher is the part of the orchestrator the bridge drives.
type Dispatcher interface {
	Submit(ctx context.Context, u types.Utterance) error
	Cancel(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSendBuffer sets the per-client outbound buffer.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin browser clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithAudio enables forwarding of synthesised speech as binary frames.
func WithAudio(enabled bool) Option {
	return func(s *Server) { s.audio = enabled }
}

// Server is an http.Handler that upgrades requests to websocket sessions and
// fans dispatch activity out to every connected client. The hooks (Record,
// Preview, ModeChanged, SpeechChanged, Play) are safe for concurrent use and
// never block on slow clients.
type Server struct {
	dispatcher Dispatcher
	metrics    *observe.Metrics
	sendBuffer int
	origins    []string
	audio      bool

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan frame
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server feeding d.
func New(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		sendBuffer: DefaultSendBuffer,
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan frame, s.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	if !s.add(c) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.remove(c)

	slog.Info("bridge: client connected", "client", c.id, "remote", r.RemoteAddr)

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(c)
	}()

	err = s.readLoop(c)
	cancel()
	writer.Wait()

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		slog.Info("bridge: client disconnected", "client", c.id)
	case errors.Is(err, context.Canceled):
		slog.Info("bridge: client closed by server", "client", c.id)
	default:
		slog.Warn("bridge: client connection failed", "client", c.id, "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) add(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.metrics.BridgeClients.Add(context.Background(), 1)
	return true
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.metrics.BridgeClients.Add(context.Background(), -1)
	s.wg.Done()
}

// readLoop handles inbound messages until the connection fails or the
// client is cancelled.
func (s *Server) readLoop(c *client) error {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.reply(c, Message{Type: TypeError, Error: "binary frames are not accepted"})
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(c, Message{Type: TypeError, Error: fmt.Sprintf("malformed message: %v", err)})
			continue
		}
		s.handle(c, msg)
	}
}

func (s *Server) handle(c *client, msg Message) {
	switch msg.Type {
	case TypeUtterance:
		if msg.Utterance == nil {
			s.reply(c, Message{Type: TypeError, Error: "utterance message without utterance"})
			return
		}
		if err := s.dispatcher.Submit(c.ctx, *msg.Utterance); err != nil {
			s.reply(c, Message{Type: TypeError, Error: err.Error()})
		}
	case TypeCancel:
		if err := s.dispatcher.Cancel(c.ctx); err != nil {
			s.reply(c, Message{Type: TypeError, Error: err.Error()})
		}
	default:
		s.reply(c, Message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				slog.Debug("bridge: write failed", "client", c.id, "err", err)
				c.cancel()
				return
			}
		}
	}
}

// reply queues msg for a single client.
func (s *Server) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("bridge: marshal message", "type", msg.Type, "err", err)
		return
	}
	s.enqueue(c, frame{typ: websocket.MessageText, data: data})
}

// enqueue drops c when its buffer is full.
func (s *Server) enqueue(c *client, f frame) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.send <- f:
	default:
		slog.Warn("bridge: client too slow, disconnecting", "client", c.id)
		c.cancel()
	}
}

// broadcast queues f for every connected client.
func (s *Server) broadcast(f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.enqueue(c, f)
	}
}

func (s *Server) broadcastJSON(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("bridge: marshal message", "type", msg.Type, "err", err)
		return
	}
	s.broadcast(frame{typ: websocket.MessageText, data: data})
}

// Record implements dispatch.Sink.
func (s *Server) Record(r dispatch.Result) {
	s.broadcastJSON(Message{Type: TypeResult, Result: &r})
}

// Preview forwards a partial utterance.
func (s *Server) Preview(u types.Utterance) {
	s.broadcastJSON(Message{Type: TypePreview, Utterance: &u})
}

// ModeChanged forwards a mode transition.
func (s *Server) ModeChanged(c mode.Change) {
	s.broadcastJSON(Message{Type: TypeMode, Mode: &ModeChange{From: c.From, To: c.To, Trigger: c.Trigger, At: c.At}})
}

// SpeechChanged forwards speech progress.
func (s *Server) SpeechChanged(ev speech.Event) {
	se := &SpeechEvent{Handle: string(ev.Handle), State: ev.State.String(), Text: ev.Text}
	if ev.Err != nil {
		se.Err = ev.Err.Error()
	}
	s.broadcastJSON(Message{Type: TypeSpeech, Speech: se})
}

// Play implements speech.Sink. Audio is dropped unless forwarding is enabled.
func (s *Server) Play(pcm []byte) {
	if !s.audio {
		return
	}
	s.broadcast(frame{typ: websocket.MessageBinary, data: pcm})
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their sessions to end. New
// connections are refused afterwards. Close is idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		c.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

var (
	_ http.Handler  = (*Server)(nil)
	_ dispatch.Sink = (*Server)(nil)
	_ speech.Sink   = (*Server)(nil)
)
