package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/essexlabs/avery-bridge/pkg/bridge/agent"
	"github.com/essexlabs/avery-bridge/pkg/bridge/borrowers"
	"github.com/essexlabs/avery-bridge/pkg/bridge/call"
	"github.com/essexlabs/avery-bridge/pkg/bridge/calls"
	"github.com/essexlabs/avery-bridge/pkg/bridge/config"
	"github.com/essexlabs/avery-bridge/pkg/bridge/convo"
	"github.com/essexlabs/avery-bridge/pkg/bridge/paydecision"
	"github.com/essexlabs/avery-bridge/pkg/bridge/twilio"
)

// AgentFactory opens a connected agent session for one call.
type AgentFactory func(ctx context.Context) (call.AgentSession, error)

// Dependencies wires the HTTP surface. Dialer, Machine, Borrowers, and
// Payments are optional; the matching endpoints degrade when absent.
type Dependencies struct {
	Logger    *slog.Logger
	Dialer    *twilio.Dialer
	NewAgent  AgentFactory
	Machine   call.Responder
	Sessions  *convo.Store
	Tracker   *calls.Tracker
	Registry  *calls.Registry
	Borrowers *borrowers.Store
	Payments  *paydecision.Agent
}

// Server is the bridge's HTTP and WebSocket surface.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	deps     Dependencies
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.NewAgent == nil {
		return nil, fmt.Errorf("agent factory is required")
	}
	if deps.Sessions == nil {
		deps.Sessions = convo.NewStore()
	}
	if deps.Tracker == nil {
		deps.Tracker = calls.NewTracker()
	}
	if deps.Registry == nil {
		deps.Registry = calls.NewRegistry()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		upgrader: websocket.Upgrader{
			// The telephony provider does not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/twilio", s.handleMediaStream)
	mux.HandleFunc("/makecall", s.handleMakeCall)
	mux.HandleFunc("/twiml", s.handleTwiML)
	mux.HandleFunc("/call-status", s.handleCallStatus)
	mux.HandleFunc("/payments/decision", s.handlePaymentDecision)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// handleMediaStream owns one phone call end to end: it upgrades the provider
// socket, dials the agent leg, and runs the relay until either side hangs up.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "error", err)
		return
	}
	s.logger.Info("provider media stream connected", "remote", r.RemoteAddr)

	session, err := s.deps.NewAgent(r.Context())
	if err != nil {
		s.logger.Error("agent session dial failed", "error", err)
		_ = conn.Close()
		return
	}

	lc, err := call.New(call.Config{
		BufferBytes:    s.cfg.AudioBufferBytes,
		HistoryWindow:  s.cfg.HistoryWindow,
		Passive:        s.cfg.PassiveAgent,
		AudioQueueSize: s.cfg.AudioQueueSize,
	}, call.Dependencies{
		Logger:    s.logger,
		Transport: call.NewWSTransport(conn, s.cfg.WSWriteTimeout),
		Agent:     session,
		Machine:   s.deps.Machine,
		Sessions:  s.deps.Sessions,
		Tracker:   s.deps.Tracker,
		Registry:  s.deps.Registry,
	})
	if err != nil {
		s.logger.Error("live call setup failed", "error", err)
		_ = session.Close()
		_ = conn.Close()
		return
	}

	// The call outlives the HTTP request context on some proxies; run it
	// against the background so only hangup or shutdown ends it.
	if err := lc.Run(context.Background()); err != nil {
		s.logger.Warn("live call ended with error", "error", err)
	}
}

type makeCallRequest struct {
	ToNumber string `json:"to_number"`
}

type makeCallResponse struct {
	Status  string `json:"status"`
	CallSID string `json:"call_sid"`
	To      string `json:"to"`
	From    string `json:"from"`
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Dialer == nil {
		http.Error(w, "outbound dialing is not configured", http.StatusServiceUnavailable)
		return
	}

	var req makeCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.deps.Dialer.StartCall(r.Context(), req.ToNumber)
	if err != nil {
		s.logger.Error("outbound call failed", "to", req.ToNumber, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.deps.Registry.RegisterDial(res.CallSID, strings.TrimSpace(req.ToNumber))
	s.logger.Info("outbound call initiated", "call_sid", res.CallSID, "to", req.ToNumber)

	writeJSON(w, http.StatusOK, makeCallResponse{
		Status:  "success",
		CallSID: res.CallSID,
		To:      strings.TrimSpace(req.ToNumber),
		From:    s.deps.Dialer.FromNumber,
	})
}

func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	body, err := twilio.StreamTwiML(s.cfg.ServerURL)
	if err != nil {
		s.logger.Error("twiml render failed", "error", err)
		http.Error(w, "server url not configured", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(body)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	s.logger.Info("call status update", "call_sid", callSID, "status", status)

	if s.deps.Borrowers != nil {
		if phone, ok := s.deps.Registry.PhoneFor(callSID); ok {
			if err := s.deps.Borrowers.UpdateCallStatus(r.Context(), phone, callSID, status); err != nil {
				s.logger.Warn("call status persist failed", "call_sid", callSID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *Server) handlePaymentDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Payments == nil {
		http.Error(w, "payment decisions are not configured", http.StatusServiceUnavailable)
		return
	}

	var req paydecision.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	decision, err := s.deps.Payments.ProcessRequest(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.deps.Tracker.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NewAgentFactory builds the production factory that dials the voice-agent
// service with the configured session recipe.
func NewAgentFactory(cfg config.Config, logger *slog.Logger) AgentFactory {
	return func(ctx context.Context) (call.AgentSession, error) {
		ctrl, err := agent.NewController(agent.ControllerConfig{
			APIKey:  cfg.AgentAPIKey,
			BaseURL: cfg.AgentBaseURL,
			Session: agent.SessionConfig{
				ListenModel: cfg.AgentListen,
				ThinkModel:  cfg.AgentThink,
				Temperature: cfg.AgentTemp,
				Passive:     cfg.PassiveAgent,
				Keyterms:    cfg.Keyterms,
			},
			Language:     cfg.DefaultLanguage,
			DialTimeout:  cfg.AgentDialTimeout,
			RetryElapsed: cfg.AgentRetryElapsed,
		}, logger, nil)
		if err != nil {
			return nil, err
		}
		if err := ctrl.Connect(ctx); err != nil {
			return nil, err
		}
		return ctrl, nil
	}
}
