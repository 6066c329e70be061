package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultAgentWSURL = "wss://agent.deepgram.com/v1/agent/converse"

// DialConfig describes one upstream connection attempt.
type DialConfig struct {
	APIKey  string
	BaseURL string

	Session  SessionConfig
	Language string
	History  []Message
}

// Conn is a single live WebSocket session with the voice-agent service. It is
// single-use: once the upstream closes or Close is called, the owner dials a
// fresh one.
type Conn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan any
	closed    chan struct{}
	closeOnce sync.Once

	lastClose string
}

// Dial opens a session and sends the Settings handshake before any other
// frame. Audio pushed before the handshake would be dropped upstream.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("agent api key is required")
	}
	wsURL, err := buildAgentWSURL(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, err
	}
	settings, err := BuildSettings(cfg.Session, cfg.Language, cfg.History)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{"token", strings.TrimSpace(cfg.APIKey)},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent service: %w", err)
	}

	out := &Conn{
		conn:   conn,
		events: make(chan any, 256),
		closed: make(chan struct{}),
	}
	if err := out.writeJSON(ctx, settings); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}

	go out.readLoop()
	return out, nil
}

// Events yields decoded upstream events. The channel closes when the
// connection dies, making teardown visible to the pump that drains it.
func (c *Conn) Events() <-chan any {
	if c == nil {
		ch := make(chan any)
		close(ch)
		return ch
	}
	return c.events
}

// SendAudio forwards one chunk of caller audio as a binary frame.
func (c *Conn) SendAudio(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return c.wrapWriteError(err)
	}
	return nil
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SendFunctionCallResponse answers a FunctionCallRequest. The service stalls
// a tool-calling turn until every requested function gets a response.
func (c *Conn) SendFunctionCallResponse(ctx context.Context, id, name, content string) error {
	return c.writeJSON(ctx, functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      id,
		Name:    name,
		Content: content,
	})
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// InjectAgentMessage makes the agent speak the given text verbatim.
func (c *Conn) InjectAgentMessage(ctx context.Context, message string) error {
	return c.writeJSON(ctx, injectAgentMessage{Type: "InjectAgentMessage", Message: message})
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.conn.Close()
	})
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.closed
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}

		ev, err := DecodeServerMessage(msgType == websocket.BinaryMessage, data)
		if err != nil {
			// Malformed frames are not fatal to the session.
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	if err := c.conn.WriteJSON(payload); err != nil {
		return c.wrapWriteError(err)
	}
	return nil
}

func (c *Conn) setWriteDeadline(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
}

func (c *Conn) wrapWriteError(err error) error {
	reason := c.closeReason()
	if reason == "" {
		return err
	}
	return fmt.Errorf("%w (agent %s)", err, reason)
}

func (c *Conn) setLastClose(msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

func (c *Conn) closeReason() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastClose
}

func buildAgentWSURL(base string) (string, error) {
	if base == "" {
		base = defaultAgentWSURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid agent ws url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid agent ws scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("agent ws url has no host")
	}
	return u.String(), nil
}
