package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/essexlabs/avery-bridge/pkg/bridge/agent"
	"github.com/essexlabs/avery-bridge/pkg/bridge/calls"
	"github.com/essexlabs/avery-bridge/pkg/bridge/convo"
	"github.com/essexlabs/avery-bridge/pkg/bridge/twilio"
)

// AgentSession is the controller surface the pipeline drives. Implemented by
// *agent.Controller.
type AgentSession interface {
	SendAudio(ctx context.Context, data []byte) error
	SendFunctionCallResponse(ctx context.Context, id, name, content string) error
	InjectMessage(ctx context.Context, message string) error
	BeginReconfigure()
	Reconfigure(ctx context.Context, language string, history []agent.Message) error
	Events() <-chan any
	Done() <-chan struct{}
	Language() string
	Reconfiguring() bool
	Close() error
}

// Transport is the telephony leg of the call: one duplex message stream to
// the provider. Writes must only happen from the downlink pump.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Responder produces the scripted reply for one caller utterance.
// Implemented by *convo.Machine.
type Responder interface {
	Respond(ctx context.Context, callerKey, utterance string) (convo.Reply, error)
}

type wsTransport struct {
	conn    *websocket.Conn
	timeout time.Duration
}

// NewWSTransport wraps an upgraded provider WebSocket.
func NewWSTransport(conn *websocket.Conn, writeTimeout time.Duration) Transport {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsTransport{conn: conn, timeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// Config tunes one live call.
type Config struct {
	// BufferBytes is how much caller audio accumulates before a flush to
	// the agent leg. 8000 bytes of mulaw at 8 kHz is one second.
	BufferBytes int
	// HistoryWindow caps how many transcript turns are replayed into a
	// fresh session on language switch.
	HistoryWindow int
	// Passive silences the language model and lets the conversation
	// machine script every agent utterance.
	Passive bool
	// AudioQueueSize bounds the ingress-to-uplink channel.
	AudioQueueSize int
}

func (c *Config) setDefaults() {
	if c.BufferBytes <= 0 {
		c.BufferBytes = 8000
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = 64
	}
}

// Dependencies wires one LiveCall. Machine may be nil when Passive is off.
type Dependencies struct {
	Logger    *slog.Logger
	Transport Transport
	Agent     AgentSession
	Machine   Responder
	Sessions  *convo.Store
	Tracker   *calls.Tracker
	Registry  *calls.Registry
}

// LiveCall relays one phone call between the telephony provider and the
// voice-agent service. Three pumps run for the call's lifetime: ingress
// (provider frames in), uplink (buffered caller audio out to the agent), and
// downlink (agent events back to the provider). The downlink pump is the only
// writer on the provider socket.
type LiveCall struct {
	cfg       Config
	logger    *slog.Logger
	transport Transport
	agent     AgentSession
	machine   Responder
	sessions  *convo.Store
	tracker   *calls.Tracker
	registry  *calls.Registry

	audioQ  chan []byte
	started chan struct{}

	// Set before started closes, read only after it closes.
	streamSID string
	callSID   string
	callerKey string

	unregister   func()
	teardownOnce sync.Once
	cancel       context.CancelFunc
}

func New(cfg Config, deps Dependencies) (*LiveCall, error) {
	cfg.setDefaults()
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent session is required")
	}
	if cfg.Passive && deps.Machine == nil {
		return nil, fmt.Errorf("passive mode requires a conversation machine")
	}
	if deps.Sessions == nil {
		deps.Sessions = convo.NewStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveCall{
		cfg:       cfg,
		logger:    logger,
		transport: deps.Transport,
		agent:     deps.Agent,
		machine:   deps.Machine,
		sessions:  deps.Sessions,
		tracker:   deps.Tracker,
		registry:  deps.Registry,
		audioQ:    make(chan []byte, cfg.AudioQueueSize),
		started:   make(chan struct{}),
	}, nil
}

// Run relays the call until the provider hangs up, the agent session dies, or
// ctx is canceled. It owns teardown of both legs.
func (c *LiveCall) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.teardown()

	// The ingress pump blocks in a socket read; closing the transport is
	// the only way to unblock it when the call ends from the agent side.
	go func() {
		<-ctx.Done()
		_ = c.transport.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		c.ingressLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.uplinkLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.downlinkLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (c *LiveCall) teardown() {
	c.teardownOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.agent.Close()
		_ = c.transport.Close()
		if c.unregister != nil {
			c.unregister()
		}
		select {
		case <-c.started:
			c.sessions.Clear(c.callerKey)
			if c.registry != nil {
				c.registry.Forget(c.callSID)
			}
			c.logger.Info("call ended", "stream_sid", c.streamSID, "call_sid", c.callSID)
		default:
		}
	})
}

// ingressLoop reads provider frames, buffers caller audio, and hands full
// buffers to the uplink pump.
func (c *LiveCall) ingressLoop(ctx context.Context) {
	buffer := make([]byte, 0, c.cfg.BufferBytes)
	startSeen := false

	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("provider stream closed", "error", err)
			}
			return
		}

		ev, err := twilio.DecodeStreamEvent(data)
		if err != nil {
			var decodeErr *twilio.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("malformed provider event",
					"code", decodeErr.Code, "message", decodeErr.Message, "param", decodeErr.Param)
				continue
			}
			c.logger.Warn("provider event decode failed", "error", err)
			continue
		}

		switch e := ev.(type) {
		case twilio.StartEvent:
			if startSeen {
				c.logger.Warn("duplicate start event", "stream_sid", e.StreamSID)
				continue
			}
			startSeen = true
			c.beginStream(e)

		case twilio.MediaEvent:
			if !startSeen {
				c.logger.Warn("media before start, dropping frame")
				continue
			}
			buffer = append(buffer, e.Audio...)
			if len(buffer) >= c.cfg.BufferBytes {
				chunk := make([]byte, len(buffer))
				copy(chunk, buffer)
				buffer = buffer[:0]
				select {
				case c.audioQ <- chunk:
				case <-ctx.Done():
					return
				}
			}

		case twilio.StopEvent:
			c.logger.Info("call ended by provider", "stream_sid", c.streamSID)
			return

		case nil:
			// Lifecycle events with no payload for us.
		}
	}
}

func (c *LiveCall) beginStream(e twilio.StartEvent) {
	c.streamSID = e.StreamSID
	c.callSID = e.CallSID

	// The media stream only carries provider SIDs; conversation state is
	// keyed by the dialed phone number when we placed the call.
	c.callerKey = e.CallSID
	if c.registry != nil {
		if phone, ok := c.registry.PhoneFor(e.CallSID); ok {
			c.callerKey = phone
		}
	}
	if c.tracker != nil {
		c.unregister = c.tracker.Register(e.StreamSID, calls.Handle{Cancel: func() {
			if c.cancel != nil {
				c.cancel()
			}
		}})
	}
	c.logger.Info("call started",
		"stream_sid", e.StreamSID, "call_sid", e.CallSID, "caller", c.callerKey)
	close(c.started)
}

// uplinkLoop forwards buffered caller audio to the agent leg. The controller
// drops audio on the floor while a language switch is in flight; the caller's
// words during those few hundred milliseconds are unrecoverable either way.
func (c *LiveCall) uplinkLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-c.audioQ:
			if err := c.agent.SendAudio(ctx, chunk); err != nil {
				c.logger.Warn("uplink audio send failed", "error", err)
			}
		}
	}
}

// downlinkLoop drains agent events and is the sole writer on the provider
// socket.
func (c *LiveCall) downlinkLoop(ctx context.Context) {
	select {
	case <-c.started:
	case <-ctx.Done():
		return
	case <-c.agent.Done():
		return
	}

	if c.cfg.Passive {
		c.speakScripted(ctx, "")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.agent.Done():
			c.logger.Info("agent session ended", "stream_sid", c.streamSID)
			return
		case ev := <-c.agent.Events():
			if !c.handleAgentEvent(ctx, ev) {
				return
			}
		}
	}
}

func (c *LiveCall) handleAgentEvent(ctx context.Context, ev any) bool {
	switch e := ev.(type) {
	case agent.AudioEvent:
		// Synthesized audio from a session being torn down must not
		// reach the caller mid-switch.
		if c.agent.Reconfiguring() {
			return true
		}
		frame, err := twilio.EncodeMedia(c.streamSID, e.Data)
		if err != nil {
			c.logger.Warn("encode media failed", "error", err)
			return true
		}
		return c.writeProvider(frame)

	case agent.UserStartedSpeakingEvent:
		// Barge-in: flush queued playback before the next audio frame.
		return c.writeClear()

	case agent.ConversationTextEvent:
		if !c.cfg.Passive {
			c.sessions.AppendTurn(c.callerKey, e.Role, e.Content)
		}
		c.logger.Info("conversation text",
			"role", e.Role, "language", c.agent.Language(), "content", e.Content)
		if c.cfg.Passive && e.Role == "user" && strings.TrimSpace(e.Content) != "" {
			c.speakScripted(ctx, e.Content)
		}
		return true

	case agent.FunctionCallRequestEvent:
		for _, fn := range e.Functions {
			c.handleFunctionCall(ctx, fn)
		}
		return true

	case agent.ErrorEvent:
		c.logger.Error("agent service error", "code", e.Code, "description", e.Description)
		return true

	case agent.SettingsAppliedEvent:
		c.logger.Debug("agent settings applied", "language", c.agent.Language())
		return true

	case agent.UnhandledEvent:
		c.logger.Debug("unhandled agent event", "type", e.Type)
		return true

	default:
		return true
	}
}

// speakScripted runs one utterance through the conversation machine and
// injects the reply. A transferred call yields empty replies; the pumps keep
// relaying so any in-flight audio still reaches the caller.
func (c *LiveCall) speakScripted(ctx context.Context, utterance string) {
	reply, err := c.machine.Respond(ctx, c.callerKey, utterance)
	if err != nil {
		c.logger.Error("conversation machine failed", "error", err)
	}
	if strings.TrimSpace(reply.Text) == "" {
		return
	}
	if err := c.agent.InjectMessage(ctx, reply.Text); err != nil {
		c.logger.Warn("inject message failed", "error", err)
	}
	if reply.Transfer {
		c.logger.Info("transfer requested", "caller", c.callerKey, "stage", reply.Stage)
	}
}

func (c *LiveCall) writeClear() bool {
	frame, err := twilio.EncodeClear(c.streamSID)
	if err != nil {
		c.logger.Warn("encode clear failed", "error", err)
		return true
	}
	return c.writeProvider(frame)
}

func (c *LiveCall) writeProvider(frame []byte) bool {
	if err := c.transport.WriteMessage(frame); err != nil {
		c.logger.Warn("provider write failed", "error", err)
		return false
	}
	return true
}
