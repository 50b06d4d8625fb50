package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const DefaultModel = "gemini-2.0-flash-exp"

// CredentialSpec is one backend API key. A zero Limit uses CredentialLimit.
type CredentialSpec struct {
	Key   string `yaml:"key" json:"key"`
	Limit int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

type credentialsFile struct {
	Credentials []CredentialSpec `yaml:"credentials"`
}

type Config struct {
	Addr string

	// AuthMode guards the admin API; live sessions always require a token.
	AuthMode  AuthMode
	AdminKeys map[string]struct{}

	JWTSecret   string
	JWTLeeway   time.Duration
	JWTIssuer   string
	JWTAudience string

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MetricsEnabled bool

	// Backend
	BackendURL              string
	BackendModel            string
	BackendModalities       []string
	BackendSystemPrompt     string
	BackendHandshakeTimeout time.Duration

	// Credential pool.
	Credentials               []CredentialSpec
	CredentialLimit           int
	CredentialWindow          time.Duration
	CredentialRetryInterval   time.Duration
	CredentialMaxWait         time.Duration
	CredentialReactivateAfter time.Duration

	// Live WebSocket mode (/ws).
	MinChunkBytes            int
	WSPingInterval           time.Duration
	WSWriteTimeout           time.Duration
	WSReadTimeout            time.Duration
	WSMaxMessageBytes        int64
	WSMaxSessionDuration     time.Duration
	WSMaxSessionsPerIdentity int
	WSInboundMaxFPS          int
	WSInboundMaxBPS          int64
	WSInboundBurstSeconds    int
	WSOutboundQueueSize      int

	// Audit trail.
	AuditSink        string
	AuditQueueSize   int
	AuditBadgerDir   string
	AuditRedisURL    string
	AuditRedisStream string
	AuditRedisMaxLen int64
	AuditPostgresDSN string

	// In-memory limits (per principal) for the HTTP surface.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VOICEGW_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VOICEGW_AUTH_MODE", string(AuthModeRequired))),
		AdminKeys:                  make(map[string]struct{}),
		JWTSecret:                  envOr("VOICEGW_JWT_SECRET", ""),
		JWTLeeway:                  envDurationOr("VOICEGW_JWT_LEEWAY", 0),
		JWTIssuer:                  envOr("VOICEGW_JWT_ISSUER", ""),
		JWTAudience:                envOr("VOICEGW_JWT_AUDIENCE", ""),
		TrustProxyHeaders:          envBoolOr("VOICEGW_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:         make(map[string]struct{}),
		MetricsEnabled:             envBoolOr("VOICEGW_METRICS_ENABLED", true),
		BackendURL:                 envOr("VOICEGW_BACKEND_URL", ""),
		BackendModel:               envOr("VOICEGW_BACKEND_MODEL", DefaultModel),
		BackendModalities:          splitCSV(envOr("VOICEGW_BACKEND_MODALITIES", "AUDIO")),
		BackendSystemPrompt:        envOr("VOICEGW_BACKEND_SYSTEM_PROMPT", ""),
		BackendHandshakeTimeout:    envDurationOr("VOICEGW_BACKEND_HANDSHAKE_TIMEOUT", 10*time.Second),
		CredentialLimit:            envIntOr("VOICEGW_CREDENTIAL_LIMIT", 60),
		CredentialWindow:           envDurationOr("VOICEGW_CREDENTIAL_WINDOW", 60*time.Second),
		CredentialRetryInterval:    envDurationOr("VOICEGW_CREDENTIAL_RETRY_INTERVAL", time.Second),
		CredentialMaxWait:          envDurationOr("VOICEGW_CREDENTIAL_MAX_WAIT", 30*time.Second),
		CredentialReactivateAfter:  envDurationOr("VOICEGW_CREDENTIAL_REACTIVATE_AFTER", 0),
		MinChunkBytes:              envIntOr("VOICEGW_MIN_CHUNK_BYTES", 2048),
		WSPingInterval:             envDurationOr("VOICEGW_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:             envDurationOr("VOICEGW_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:              envDurationOr("VOICEGW_WS_READ_TIMEOUT", 0),
		WSMaxMessageBytes:          envInt64Or("VOICEGW_WS_MAX_MESSAGE_BYTES", 1<<20),
		WSMaxSessionDuration:       envDurationOr("VOICEGW_WS_MAX_DURATION", 2*time.Hour),
		WSMaxSessionsPerIdentity:   envIntOr("VOICEGW_WS_MAX_SESSIONS_PER_IDENTITY", 2),
		WSInboundMaxFPS:            envIntOr("VOICEGW_WS_INBOUND_MAX_FPS", 120),
		WSInboundMaxBPS:            envInt64Or("VOICEGW_WS_INBOUND_MAX_BPS", 128*1024),
		WSInboundBurstSeconds:      envIntOr("VOICEGW_WS_INBOUND_BURST_SECONDS", 2),
		WSOutboundQueueSize:        envIntOr("VOICEGW_WS_OUTBOUND_QUEUE_SIZE", 128),
		AuditSink:                  envOr("VOICEGW_AUDIT_SINK", "log"),
		AuditQueueSize:             envIntOr("VOICEGW_AUDIT_QUEUE_SIZE", 1024),
		AuditBadgerDir:             envOr("VOICEGW_AUDIT_BADGER_DIR", ""),
		AuditRedisURL:              envOr("VOICEGW_AUDIT_REDIS_URL", ""),
		AuditRedisStream:           envOr("VOICEGW_AUDIT_REDIS_STREAM", ""),
		AuditRedisMaxLen:           envInt64Or("VOICEGW_AUDIT_REDIS_MAXLEN", 0),
		AuditPostgresDSN:           envOr("VOICEGW_AUDIT_POSTGRES_DSN", ""),
		LimitRPS:                   envFloat64Or("VOICEGW_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("VOICEGW_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests: envIntOr("VOICEGW_MAX_CONCURRENT_REQUESTS", 20),
		ReadHeaderTimeout:          envDurationOr("VOICEGW_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:        envDurationOr("VOICEGW_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICEGW_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOICEGW_ADMIN_KEYS")) {
		cfg.AdminKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICEGW_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	creds, err := credentialsFromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Credentials = creds

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, fmt.Errorf("VOICEGW_JWT_SECRET must be set")
	}
	if len(cfg.Credentials) == 0 {
		return Config{}, fmt.Errorf("VOICEGW_BACKEND_KEYS, GEMINI_API_KEYS or VOICEGW_CREDENTIALS_FILE must provide at least one backend key")
	}
	if strings.TrimSpace(cfg.BackendModel) == "" {
		return Config{}, fmt.Errorf("VOICEGW_BACKEND_MODEL must not be empty")
	}
	if cfg.JWTLeeway < 0 {
		return Config{}, fmt.Errorf("VOICEGW_JWT_LEEWAY must be >= 0")
	}
	if cfg.BackendHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_BACKEND_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.CredentialLimit <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_CREDENTIAL_LIMIT must be > 0")
	}
	if cfg.CredentialWindow <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_CREDENTIAL_WINDOW must be > 0")
	}
	if cfg.CredentialRetryInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_CREDENTIAL_RETRY_INTERVAL must be > 0")
	}
	if cfg.CredentialMaxWait < 0 {
		return Config{}, fmt.Errorf("VOICEGW_CREDENTIAL_MAX_WAIT must be >= 0")
	}
	if cfg.CredentialReactivateAfter < 0 {
		return Config{}, fmt.Errorf("VOICEGW_CREDENTIAL_REACTIVATE_AFTER must be >= 0")
	}
	if cfg.MinChunkBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_MIN_CHUNK_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_MAX_DURATION must be > 0")
	}
	if cfg.WSMaxSessionsPerIdentity < 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_MAX_SESSIONS_PER_IDENTITY must be >= 0")
	}
	if cfg.WSInboundMaxFPS < 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_INBOUND_MAX_FPS must be >= 0")
	}
	if cfg.WSInboundMaxBPS < 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_INBOUND_MAX_BPS must be >= 0")
	}
	if cfg.WSInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.WSInboundMaxFPS > 0 || cfg.WSInboundMaxBPS > 0) && cfg.WSInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("VOICEGW_WS_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_WS_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.AuditQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_AUDIT_QUEUE_SIZE must be > 0")
	}
	switch cfg.AuditSink {
	case "log", "none":
	case "badger":
		if cfg.AuditBadgerDir == "" {
			return Config{}, fmt.Errorf("VOICEGW_AUDIT_BADGER_DIR must be set when VOICEGW_AUDIT_SINK=badger")
		}
	case "redis":
		if cfg.AuditRedisURL == "" {
			return Config{}, fmt.Errorf("VOICEGW_AUDIT_REDIS_URL must be set when VOICEGW_AUDIT_SINK=redis")
		}
	case "postgres":
		if cfg.AuditPostgresDSN == "" {
			return Config{}, fmt.Errorf("VOICEGW_AUDIT_POSTGRES_DSN must be set when VOICEGW_AUDIT_SINK=postgres")
		}
	default:
		return Config{}, fmt.Errorf("VOICEGW_AUDIT_SINK must be one of log|badger|redis|postgres|none")
	}
	if cfg.AuditRedisMaxLen < 0 {
		return Config{}, fmt.Errorf("VOICEGW_AUDIT_REDIS_MAXLEN must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VOICEGW_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VOICEGW_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VOICEGW_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEGW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.AdminKeys) == 0 {
		return Config{}, fmt.Errorf("VOICEGW_ADMIN_KEYS must be set when VOICEGW_AUTH_MODE=required")
	}

	return cfg, nil
}

// credentialsFromEnv resolves backend keys in order: VOICEGW_CREDENTIALS_FILE,
// VOICEGW_BACKEND_KEYS, GEMINI_API_KEYS.
func credentialsFromEnv() ([]CredentialSpec, error) {
	if path := strings.TrimSpace(os.Getenv("VOICEGW_CREDENTIALS_FILE")); path != "" {
		creds, err := LoadCredentialsFile(path)
		if err != nil {
			return nil, fmt.Errorf("VOICEGW_CREDENTIALS_FILE: %w", err)
		}
		return creds, nil
	}
	for _, key := range []string{"VOICEGW_BACKEND_KEYS", "GEMINI_API_KEYS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		keys, err := ParseKeyList(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out := make([]CredentialSpec, 0, len(keys))
		for _, k := range keys {
			out = append(out, CredentialSpec{Key: k})
		}
		return out, nil
	}
	return nil, nil
}

// ParseKeyList accepts a JSON array of strings or a comma-separated list.
func ParseKeyList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var keys []string
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return nil, fmt.Errorf("invalid JSON key list: %w", err)
		}
		out := keys[:0]
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
		return dedupe(out), nil
	}
	return dedupe(splitCSV(raw)), nil
}

// LoadCredentialsFile reads a YAML document of the form
//
//	credentials:
//	  - key: AIza...
//	    limit: 30
func LoadCredentialsFile(path string) ([]CredentialSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc credentialsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(doc.Credentials))
	out := make([]CredentialSpec, 0, len(doc.Credentials))
	for i, c := range doc.Credentials {
		c.Key = strings.TrimSpace(c.Key)
		if c.Key == "" {
			return nil, fmt.Errorf("credentials[%d]: key is required", i)
		}
		if c.Limit < 0 {
			return nil, fmt.Errorf("credentials[%d]: limit must be >= 0", i)
		}
		if _, dup := seen[c.Key]; dup {
			continue
		}
		seen[c.Key] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
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
