package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type SummaryProvider string

const (
	SummaryProviderOpenAI SummaryProvider = "openai"
	SummaryProviderGemini SummaryProvider = "gemini"
	SummaryProviderNone   SummaryProvider = "none"
)

type Config struct {
	Addr string

	// BaseURL is the public origin the telephony platform uses for webhooks and
	// the media stream, e.g. https://calls.example.com.
	BaseURL string

	// AuthMode guards the operator API (/api/start-call, /api/get-response).
	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// Telephony
	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	ValidateTwilioSignature bool

	// AI realtime leg
	OpenAIAPIKey             string
	RealtimeURL              string
	RealtimeHandshakeTimeout time.Duration
	Voice                    string
	Temperature              float64
	TranscriptionModel       string
	AgentName                string

	// Redis store
	RedisURL string
	StoreTTL time.Duration

	// Call session timing
	SilenceTimeout       time.Duration
	EndCallDelay         time.Duration
	MaxCallDuration      time.Duration
	MissingContextPolicy string
	ControlTimeout       time.Duration
	StoreTimeout         time.Duration

	// Post-call
	SummaryProvider SummaryProvider
	SummaryModel    string
	GeminiAPIKey    string
	SendGridAPIKey  string
	EmailFrom       string
	EmailTo         []string
	PostCallTimeout time.Duration
	// StatusCallbackDelay is how long a "completed" status callback waits
	// before finalizing a call whose media session did not report it.
	StatusCallbackDelay time.Duration

	// Websocket legs
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration
	WSReadLimitBytes int64
	WSOutboundQueue  int

	MaxBodyBytes int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("CALLBRIDGE_ADDR", ":8080"),
		BaseURL:                  strings.TrimRight(envOr("BASE_URL", ""), "/"),
		AuthMode:                 AuthMode(envOr("CALLBRIDGE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                  make(map[string]struct{}),
		TwilioAccountSID:         envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:        envOr("TWILIO_PHONE_NUMBER", ""),
		ValidateTwilioSignature:  envBoolOr("CALLBRIDGE_VALIDATE_TWILIO_SIGNATURE", true),
		OpenAIAPIKey:             envOr("OPENAI_API_KEY", ""),
		RealtimeURL:              envOr("CALLBRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-10-01"),
		RealtimeHandshakeTimeout: envDurationOr("CALLBRIDGE_REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second),
		Voice:                    envOr("CALLBRIDGE_VOICE", "shimmer"),
		Temperature:              envFloat64Or("CALLBRIDGE_TEMPERATURE", 0.7),
		TranscriptionModel:       envOr("CALLBRIDGE_TRANSCRIPTION_MODEL", "whisper-1"),
		AgentName:                envOr("CALLBRIDGE_AGENT_NAME", "Susan"),
		RedisURL:                 envOr("REDIS_URL", "redis://localhost:6379/0"),
		StoreTTL:                 envDurationOr("CALLBRIDGE_STORE_TTL", 24*time.Hour),
		SilenceTimeout:           envDurationOr("CALLBRIDGE_SILENCE_TIMEOUT", 40*time.Second),
		EndCallDelay:             envDurationOr("CALLBRIDGE_END_CALL_DELAY", 6*time.Second),
		MaxCallDuration:          envDurationOr("CALLBRIDGE_MAX_CALL_DURATION", 2*time.Hour),
		MissingContextPolicy:     strings.ToLower(envOr("CALLBRIDGE_MISSING_CONTEXT_POLICY", "generic")),
		ControlTimeout:           envDurationOr("CALLBRIDGE_CONTROL_TIMEOUT", 10*time.Second),
		StoreTimeout:             envDurationOr("CALLBRIDGE_STORE_TIMEOUT", 5*time.Second),
		SummaryProvider:          SummaryProvider(strings.ToLower(envOr("CALLBRIDGE_SUMMARY_PROVIDER", string(SummaryProviderOpenAI)))),
		SummaryModel:             envOr("CALLBRIDGE_SUMMARY_MODEL", ""),
		GeminiAPIKey:             envOr("GEMINI_API_KEY", ""),
		SendGridAPIKey:           envOr("SENDGRID_API_KEY", ""),
		EmailFrom:                envOr("CALLBRIDGE_EMAIL_FROM", ""),
		EmailTo:                  splitCSV(os.Getenv("CALLBRIDGE_EMAIL_TO")),
		PostCallTimeout:          envDurationOr("CALLBRIDGE_POSTCALL_TIMEOUT", 2*time.Minute),
		StatusCallbackDelay:      envDurationOr("CALLBRIDGE_STATUS_CALLBACK_DELAY", 10*time.Second),
		WSPingInterval:           envDurationOr("CALLBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:           envDurationOr("CALLBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadLimitBytes:         envInt64Or("CALLBRIDGE_WS_READ_LIMIT_BYTES", 1<<20),
		WSOutboundQueue:          envIntOr("CALLBRIDGE_WS_OUTBOUND_QUEUE", 512),
		MaxBodyBytes:             envInt64Or("CALLBRIDGE_MAX_BODY_BYTES", 1<<20),
		ReadHeaderTimeout:        envDurationOr("CALLBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:              envDurationOr("CALLBRIDGE_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:           envDurationOr("CALLBRIDGE_HANDLER_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("CALLBRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	switch cfg.SummaryProvider {
	case SummaryProviderOpenAI, SummaryProviderGemini, SummaryProviderNone:
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_SUMMARY_PROVIDER must be one of openai|gemini|none")
	}
	switch cfg.MissingContextPolicy {
	case "generic", "reject":
	default:
		return Config{}, fmt.Errorf("CALLBRIDGE_MISSING_CONTEXT_POLICY must be one of generic|reject")
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return Config{}, fmt.Errorf("BASE_URL must be an absolute http(s) URL")
		}
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_URL must not be empty")
	}
	if cfg.RealtimeHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_REALTIME_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.Temperature <= 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("CALLBRIDGE_TEMPERATURE must be in (0, 2]")
	}
	if cfg.StoreTTL <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_TTL must be > 0")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SILENCE_TIMEOUT must be > 0")
	}
	if cfg.EndCallDelay < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_END_CALL_DELAY must be >= 0")
	}
	if cfg.MaxCallDuration < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_CALL_DURATION must be >= 0")
	}
	if cfg.ControlTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_CONTROL_TIMEOUT must be > 0")
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STORE_TIMEOUT must be > 0")
	}
	if cfg.PostCallTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_POSTCALL_TIMEOUT must be > 0")
	}
	if cfg.StatusCallbackDelay < 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_STATUS_CALLBACK_DELAY must be >= 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadLimitBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_READ_LIMIT_BYTES must be > 0")
	}
	if cfg.WSOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("CALLBRIDGE_API_KEYS must be set when CALLBRIDGE_AUTH_MODE=required")
	}

	return cfg, nil
}

// Issues lists settings that are missing for serving calls. The process still
// starts so health checks can report them.
func (c Config) Issues() []string {
	var out []string
	if c.BaseURL == "" {
		out = append(out, "BASE_URL is not set")
	}
	if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
		out = append(out, "TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are not set")
	}
	if c.TwilioPhoneNumber == "" {
		out = append(out, "TWILIO_PHONE_NUMBER is not set")
	}
	if c.OpenAIAPIKey == "" {
		out = append(out, "OPENAI_API_KEY is not set")
	}
	if c.SummaryProvider == SummaryProviderGemini && c.GeminiAPIKey == "" {
		out = append(out, "GEMINI_API_KEY is not set")
	}
	if c.SendGridAPIKey != "" && c.EmailFrom == "" {
		out = append(out, "CALLBRIDGE_EMAIL_FROM is not set")
	}
	return out
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
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
