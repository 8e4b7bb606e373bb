package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/quickdrop/internal/origin"
)

const (
	envVarListenAddr      = "QUICKDROP_LISTEN_ADDR"
	envVarMode            = "QUICKDROP_MODE"
	envVarLogFormat       = "QUICKDROP_LOG_FORMAT"
	envVarLogLevel        = "QUICKDROP_LOG_LEVEL"
	envVarShutdownTimeout = "QUICKDROP_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarStoreBackend  = "STORE_BACKEND"
	envVarRedisAddr     = "REDIS_ADDR"
	envVarRedisUsername = "REDIS_USERNAME"
	envVarRedisPassword = "REDIS_PASSWORD"
	envVarRedisDB       = "REDIS_DB"
	envVarSessionTTL    = "SESSION_TTL"

	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	envVarTURNRESTURLs           = "TURN_REST_URLS"
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultMode            = ModeDev
	DefaultShutdownTimeout = 15 * time.Second

	DefaultStoreBackend = StoreBackendMemory
	DefaultRedisAddr    = "127.0.0.1:6379"
	DefaultSessionTTL   = 1800 * time.Second

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "quickdrop"

	// Offers with a full candidate set are a few KiB; leave generous headroom.
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

// Config is the relay's runtime configuration.
type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is the normalized browser origin allow-list. Empty means
	// same host only.
	AllowedOrigins []string

	StoreBackend  StoreBackend
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	MaxSignalingMessageBytes      int
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration

	// ICEServers is advertised to clients via GET /ice.
	ICEServers []webrtc.ICEServer

	// TURNREST, when enabled, adds a TURN server with freshly minted
	// credentials to every /ice response.
	TURNREST TURNRESTConfig
}

type TURNRESTConfig struct {
	URLs           []string
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool { return c.SharedSecret != "" }

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	storeBackendStr := envOrDefault(lookup, envVarStoreBackend, string(DefaultStoreBackend))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr)
	redisUsername := envOrDefault(lookup, envVarRedisUsername, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTURLs := envOrDefault(lookup, envVarTURNRESTURLs, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := pflag.NewFlagSet("quickdrop-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&storeBackendStr, "store", storeBackendStr, "Session store backend: memory or redis (env "+envVarStoreBackend+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address host:port (env "+envVarRedisAddr+")")
	fs.StringVar(&redisUsername, "redis-username", redisUsername, "Redis ACL username (env "+envVarRedisUsername+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis logical database (env "+envVarRedisDB+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "Session expiry window, refreshed on every update (env "+envVarSessionTTL+")")
	fs.IntVar(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound WebSocket message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-connection inbound message rate (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close WebSocket connections silent for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "WebSocket ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON, comments allowed ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTURLs, "turn-rest-urls", turnRESTURLs, "Comma-separated TURN URLs served with minted credentials ("+envVarTURNRESTURLs+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-shared-secret", turnRESTSecret, "Secret shared with the TURN server ("+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials ("+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "Username prefix for minted TURN credentials ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A --mode flag without explicit format/level picks that mode's defaults.
	if !fs.Changed("log-format") && !envSet(lookup, envVarLogFormat) {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !fs.Changed("log-level") && !envSet(lookup, envVarLogLevel) {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
	}
	storeBackend, err := parseStoreBackend(storeBackendStr)
	if err != nil {
		return Config{}, err
	}
	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}
	if iceServers == nil {
		iceServers = DefaultICEServers()
	}

	cfg := Config{
		ListenAddr:                    strings.TrimSpace(listenAddr),
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                allowedOrigins,
		StoreBackend:                  storeBackend,
		RedisAddr:                     strings.TrimSpace(redisAddr),
		RedisUsername:                 redisUsername,
		RedisPassword:                 redisPassword,
		RedisDB:                       redisDB,
		SessionTTL:                    sessionTTL,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
		ICEServers:                    iceServers,
		TURNREST: TURNRESTConfig{
			URLs:           splitCommaSeparated(turnRESTURLs),
			SharedSecret:   strings.TrimSpace(turnRESTSecret),
			TTL:            turnRESTTTL,
			UsernamePrefix: strings.TrimSpace(turnRESTPrefix),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.ListenAddr == "":
		return errors.New("listen address must not be empty")
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown timeout must be > 0 (got %s)", c.ShutdownTimeout)
	case c.SessionTTL < time.Second:
		return fmt.Errorf("%s must be at least 1s (got %s)", envVarSessionTTL, c.SessionTTL)
	case c.StoreBackend == StoreBackendRedis && c.RedisAddr == "":
		return fmt.Errorf("%s is required when %s=redis", envVarRedisAddr, envVarStoreBackend)
	case c.RedisDB < 0:
		return fmt.Errorf("%s must be >= 0 (got %d)", envVarRedisDB, c.RedisDB)
	case c.MaxSignalingMessageBytes <= 0:
		return fmt.Errorf("%s must be > 0 (got %d)", envVarMaxSignalingMessageBytes, c.MaxSignalingMessageBytes)
	case c.MaxSignalingMessagesPerSecond < 0:
		return fmt.Errorf("%s must be >= 0 (got %d)", envVarMaxSignalingMessagesPerSecond, c.MaxSignalingMessagesPerSecond)
	case c.SignalingWSIdleTimeout <= 0:
		return fmt.Errorf("%s must be > 0 (got %s)", envVarSignalingWSIdleTimeout, c.SignalingWSIdleTimeout)
	case c.SignalingWSPingInterval <= 0:
		return fmt.Errorf("%s must be > 0 (got %s)", envVarSignalingWSPingInterval, c.SignalingWSPingInterval)
	case c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout:
		return fmt.Errorf("%s (%s) must be less than %s (%s)", envVarSignalingWSPingInterval, c.SignalingWSPingInterval, envVarSignalingWSIdleTimeout, c.SignalingWSIdleTimeout)
	case c.TURNREST.Enabled() != (len(c.TURNREST.URLs) > 0):
		return fmt.Errorf("%s and %s must be set together", envVarTURNRESTURLs, envVarTURNRESTSharedSecret)
	case c.TURNREST.Enabled() && c.TURNREST.TTL < time.Second:
		return fmt.Errorf("%s must be at least 1s (got %s)", envVarTURNRESTTTL, c.TURNREST.TTL)
	case strings.Contains(c.TURNREST.UsernamePrefix, ":"):
		return fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
	}
	for _, u := range c.TURNREST.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("%s: %q is not a turn: or turns: url", envVarTURNRESTURLs, u)
		}
	}
	return nil
}

// NewLogger builds the relay's logger, writing to stdout.
func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
}

func newLogger(w io.Writer, format LogFormat, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return slog.New(handler), nil
}

func envSet(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

// ParseLogLevel accepts debug, info, warn(ing) and error.
func ParseLogLevel(raw string) (slog.Level, error) {
	return parseLogLevel(raw)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreBackendMemory):
		return StoreBackendMemory, nil
	case string(StoreBackendRedis):
		return StoreBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid store backend %q (expected memory or redis)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
