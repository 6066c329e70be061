package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration of the bridge, loaded from
// AVERY_* environment variables.
type Config struct {
	Addr string

	// ServerURL is the public https URL the telephony provider reaches us
	// on, used to build webhook and media-stream URLs.
	ServerURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBaseURL string

	AgentAPIKey  string
	AgentBaseURL string
	AgentListen  string
	AgentThink   string
	AgentTemp    float64
	Keyterms     []string

	// PassiveAgent silences the language model and lets the conversation
	// state machine script every utterance.
	PassiveAgent    bool
	DefaultLanguage string

	DatabaseURL    string
	RunMigrations  bool
	PaymentMatrix  string
	GeminiAPIKey   string
	GeminiModel    string

	AudioBufferBytes int
	AudioQueueSize   int
	HistoryWindow    int

	AgentDialTimeout  time.Duration
	AgentRetryElapsed time.Duration
	WSWriteTimeout    time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("AVERY_ADDR", ":8080"),
		ServerURL:           envOr("AVERY_SERVER_URL", ""),
		TwilioAccountSID:    envOr("AVERY_TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     envOr("AVERY_TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:    envOr("AVERY_TWILIO_FROM_NUMBER", ""),
		TwilioAPIBaseURL:    envOr("AVERY_TWILIO_API_BASE_URL", "https://api.twilio.com"),
		AgentAPIKey:         envOr("AVERY_AGENT_API_KEY", ""),
		AgentBaseURL:        envOr("AVERY_AGENT_URL", "wss://agent.deepgram.com/v1/agent/converse"),
		AgentListen:         envOr("AVERY_AGENT_LISTEN_MODEL", "nova-3"),
		AgentThink:          envOr("AVERY_AGENT_THINK_MODEL", "gpt-4o-mini"),
		AgentTemp:           envFloat64Or("AVERY_AGENT_TEMPERATURE", 0.7),
		PassiveAgent:        envBoolOr("AVERY_PASSIVE_AGENT", false),
		DefaultLanguage:     envOr("AVERY_DEFAULT_LANGUAGE", "en"),
		DatabaseURL:         envOr("AVERY_DATABASE_URL", ""),
		RunMigrations:       envBoolOr("AVERY_RUN_MIGRATIONS", false),
		PaymentMatrix:       envOr("AVERY_PAYMENT_MATRIX", ""),
		GeminiAPIKey:        envOr("AVERY_GEMINI_API_KEY", ""),
		GeminiModel:         envOr("AVERY_GEMINI_MODEL", "gemini-2.0-flash"),
		AudioBufferBytes:    envIntOr("AVERY_AUDIO_BUFFER_BYTES", 8000),
		AudioQueueSize:      envIntOr("AVERY_AUDIO_QUEUE_SIZE", 64),
		HistoryWindow:       envIntOr("AVERY_HISTORY_WINDOW", 10),
		AgentDialTimeout:    envDurationOr("AVERY_AGENT_DIAL_TIMEOUT", 10*time.Second),
		AgentRetryElapsed:   envDurationOr("AVERY_AGENT_RETRY_ELAPSED", 30*time.Second),
		WSWriteTimeout:      envDurationOr("AVERY_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("AVERY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("AVERY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	cfg.Keyterms = splitCSV(envOr("AVERY_AGENT_KEYTERMS",
		"hello,goodbye,Essex Mortgage,spanish,español,habla español,hola,adiós,inglés,english,switch language,cambiar idioma"))

	if strings.TrimSpace(cfg.AgentAPIKey) == "" {
		return Config{}, fmt.Errorf("AVERY_AGENT_API_KEY must be set")
	}
	switch cfg.DefaultLanguage {
	case "en", "es":
	default:
		return Config{}, fmt.Errorf("AVERY_DEFAULT_LANGUAGE must be one of en|es")
	}
	if cfg.AudioBufferBytes <= 0 {
		return Config{}, fmt.Errorf("AVERY_AUDIO_BUFFER_BYTES must be > 0")
	}
	if cfg.AudioQueueSize <= 0 {
		return Config{}, fmt.Errorf("AVERY_AUDIO_QUEUE_SIZE must be > 0")
	}
	if cfg.HistoryWindow <= 0 {
		return Config{}, fmt.Errorf("AVERY_HISTORY_WINDOW must be > 0")
	}
	if cfg.AgentDialTimeout <= 0 {
		return Config{}, fmt.Errorf("AVERY_AGENT_DIAL_TIMEOUT must be > 0")
	}
	if cfg.AgentRetryElapsed <= 0 {
		return Config{}, fmt.Errorf("AVERY_AGENT_RETRY_ELAPSED must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("AVERY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("AVERY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("AVERY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.PassiveAgent && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("AVERY_DATABASE_URL must be set when AVERY_PASSIVE_AGENT=true")
	}

	// Outbound dialing is optional; when any Twilio knob is set, all of
	// them and the public server URL must be.
	dialing := cfg.TwilioAccountSID != "" || cfg.TwilioAuthToken != "" || cfg.TwilioFromNumber != ""
	if dialing {
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFromNumber == "" {
			return Config{}, fmt.Errorf("AVERY_TWILIO_ACCOUNT_SID, AVERY_TWILIO_AUTH_TOKEN, and AVERY_TWILIO_FROM_NUMBER must all be set together")
		}
		if strings.TrimSpace(cfg.ServerURL) == "" {
			return Config{}, fmt.Errorf("AVERY_SERVER_URL must be set when outbound dialing is configured")
		}
		if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
			return Config{}, fmt.Errorf("AVERY_SERVER_URL must be an http(s) URL")
		}
	}

	return cfg, nil
}

// DialingEnabled reports whether outbound call placement is configured.
func (c Config) DialingEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
