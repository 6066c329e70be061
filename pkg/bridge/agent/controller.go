package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DialFunc opens one upstream session. Swappable in tests.
type DialFunc func(ctx context.Context, cfg DialConfig) (*Conn, error)

// ControllerConfig configures the session controller for one call.
type ControllerConfig struct {
	APIKey   string
	BaseURL  string
	Session  SessionConfig
	Language string

	// DialTimeout bounds one dial attempt; RetryElapsed bounds the whole
	// retry loop for a single (re)connect.
	DialTimeout  time.Duration
	RetryElapsed time.Duration
}

// Controller owns the upstream agent session for the lifetime of a call. It
// survives mid-call reconnections: callers hold one stable Events channel and
// one Done channel while the underlying connection is swapped underneath.
type Controller struct {
	cfg    ControllerConfig
	logger *slog.Logger
	dial   DialFunc

	mu       sync.Mutex
	conn     *Conn
	language string
	closed   bool

	reconfiguring atomic.Bool

	events   chan any
	done     chan struct{}
	doneOnce sync.Once
}

// NewController builds a controller. Connect must be called before any audio
// is sent.
func NewController(cfg ControllerConfig, logger *slog.Logger, dial DialFunc) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = Dial
	}
	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = LanguageEnglish
	}
	if !SupportedLanguage(lang) {
		return nil, fmt.Errorf("unsupported language %q", cfg.Language)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RetryElapsed <= 0 {
		cfg.RetryElapsed = 30 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		dial:     dial,
		language: lang,
		events:   make(chan any, 256),
		done:     make(chan struct{}),
	}, nil
}

// Connect dials the initial session in the configured language.
func (c *Controller) Connect(ctx context.Context) error {
	conn, err := c.dialWithRetry(ctx, c.Language(), nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("controller is closed")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.forward(conn)
	return nil
}

// Events is the stable event stream for the call. It stays open across
// reconnections and is never closed; callers select on Done instead.
func (c *Controller) Events() <-chan any { return c.events }

// Done is closed when the upstream session ends for good: either Close was
// called or a connection died outside of a deliberate reconfiguration.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Reconfiguring reports whether a language switch is in flight. Audio pumps
// check this to pause forwarding while the session is torn down and redialed.
func (c *Controller) Reconfiguring() bool { return c.reconfiguring.Load() }

// BeginReconfigure raises the busy flag ahead of Reconfigure, so the pumps
// stop touching the outgoing session before the switch-side clear is written.
// Reconfigure lowers the flag on every return path.
func (c *Controller) BeginReconfigure() {
	c.reconfiguring.Store(true)
}

// SendAudio forwards caller audio to the current session. Audio arriving
// during a reconfiguration is dropped silently; there is no session to
// receive it and the caller keeps streaming regardless.
func (c *Controller) SendAudio(ctx context.Context, data []byte) error {
	if c.reconfiguring.Load() {
		return nil
	}
	conn := c.current()
	if conn == nil {
		return nil
	}
	return conn.SendAudio(ctx, data)
}

func (c *Controller) SendFunctionCallResponse(ctx context.Context, id, name, content string) error {
	conn := c.current()
	if conn == nil {
		return fmt.Errorf("no active agent session")
	}
	return conn.SendFunctionCallResponse(ctx, id, name, content)
}

func (c *Controller) InjectMessage(ctx context.Context, message string) error {
	conn := c.current()
	if conn == nil {
		return fmt.Errorf("no active agent session")
	}
	return conn.InjectAgentMessage(ctx, message)
}

// Reconfigure tears down the current session and dials a fresh one in the
// target language, replaying the trimmed history. If the new session cannot
// be established, it redials the prior language with the same history so the
// call continues instead of going silent. The reconfiguring flag is set
// before the old connection closes so its death is not mistaken for the end
// of the call.
func (c *Controller) Reconfigure(ctx context.Context, language string, history []Message) error {
	language = strings.TrimSpace(language)
	if !SupportedLanguage(language) {
		c.reconfiguring.Store(false)
		return fmt.Errorf("unsupported language %q", language)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.reconfiguring.Store(false)
		return fmt.Errorf("controller is closed")
	}
	prior := c.language
	old := c.conn
	// Nil out the current conn so the old session is stale from here on;
	// forward drops any audio it still produces.
	c.conn = nil
	c.reconfiguring.Store(true)
	c.mu.Unlock()
	defer c.reconfiguring.Store(false)

	if old != nil {
		_ = old.Close()
	}

	conn, err := c.dialWithRetry(ctx, language, history)
	if err != nil {
		c.logger.Warn("language switch dial failed, restoring prior session",
			"target", language, "prior", prior, "error", err)
		restored, rerr := c.dialWithRetry(ctx, prior, history)
		if rerr != nil {
			c.signalDone()
			return fmt.Errorf("switch to %s failed (%v) and restore failed: %w", language, err, rerr)
		}
		c.dropQueuedAudio()
		c.install(restored, prior)
		return fmt.Errorf("switch to %s failed, continuing in %s: %w", language, prior, err)
	}

	c.dropQueuedAudio()
	c.install(conn, language)
	c.logger.Info("agent session reconfigured", "language", language, "history_turns", len(history))
	return nil
}

func (c *Controller) install(conn *Conn, language string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.language = language
	c.mu.Unlock()
	go c.forward(conn)
}

func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.signalDone()
	return nil
}

func (c *Controller) current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// forward drains one connection's events into the stable stream. Audio from a
// connection that is no longer current is dropped; transcript and control
// events pass through. When the connection dies it only ends the call if no
// reconfiguration is in flight.
func (c *Controller) forward(conn *Conn) {
	for ev := range conn.Events() {
		if _, audio := ev.(AudioEvent); audio && c.current() != conn {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
	if c.reconfiguring.Load() {
		return
	}
	c.mu.Lock()
	stale := c.conn != conn
	c.mu.Unlock()
	if stale {
		return
	}
	c.signalDone()
}

// dropQueuedAudio removes audio the outgoing session already pushed into the
// stable stream, keeping other events in order. Called before the new session
// is installed, while the single consumer is still blocked inside Reconfigure.
func (c *Controller) dropQueuedAudio() {
	var kept []any
	for {
		select {
		case ev := <-c.events:
			if _, audio := ev.(AudioEvent); audio {
				continue
			}
			kept = append(kept, ev)
		default:
			for _, ev := range kept {
				select {
				case c.events <- ev:
				default:
				}
			}
			return
		}
	}
}

func (c *Controller) dialWithRetry(ctx context.Context, language string, history []Message) (*Conn, error) {
	cfg := DialConfig{
		APIKey:   c.cfg.APIKey,
		BaseURL:  c.cfg.BaseURL,
		Session:  c.cfg.Session,
		Language: language,
		History:  history,
	}

	var conn *Conn
	op := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		var err error
		conn, err = c.dial(dialCtx, cfg)
		if err != nil {
			c.logger.Debug("agent dial attempt failed", "language", language, "error", err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.cfg.RetryElapsed
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Controller) signalDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
