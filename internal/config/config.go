// Package config loads the relay's runtime configuration from the
// environment, with flag overrides, and builds the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chillcall/signaling-relay/internal/origin"
	"github.com/chillcall/signaling-relay/internal/room"
)

const (
	envVarListenAddr      = "CHILLCALL_SIGNALING_LISTEN_ADDR"
	envVarMode            = "CHILLCALL_SIGNALING_MODE"
	envVarLogFormat       = "CHILLCALL_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "CHILLCALL_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "CHILLCALL_SIGNALING_SHUTDOWN_TIMEOUT"

	envVarAllowedOrigins = "ALLOWED_ORIGINS"

	// Room lifecycle knobs.
	envVarRoomCapacity  = "ROOM_CAPACITY"
	envVarSweepInterval = "ROOM_SWEEP_INTERVAL"
	envVarRetention     = "ROOM_RETENTION"

	// Inbound signaling hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultRoomCapacity         = room.DefaultCapacity
	DefaultSweepInterval        = room.DefaultSweepInterval
	DefaultRetention            = room.DefaultRetention

	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds     = int64(600)
	DefaultTURNRESTUsernamePrefix = "chillcall"
)

// Mode selects logging defaults and startup warning strictness.
type Mode string

const (
	ModeDev        Mode = "dev"
	ModeProduction Mode = "production"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AllowedOrigins []string

	RoomCapacity  int
	SweepInterval time.Duration
	Retention     time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICEServers is the STUN/TURN list handed to clients via /webrtc/ice.
	ICEServers []webrtc.ICEServer

	TURNRESTSharedSecret   string
	TURNRESTTTLSeconds     int64
	TURNRESTUsernamePrefix string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if envMode, _ := lookup(envVarMode); envMode != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	roomCapacity, err := envIntOrDefault(lookup, envVarRoomCapacity, DefaultRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	retention, err := envDurationOrDefault(lookup, envVarRetention, DefaultRetention)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
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

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	fs := flag.NewFlagSet("chillcall-signaling-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP address to listen on")
	modeStr := fs.String("mode", modeDefault, "run mode: dev or production")
	logFormatStr := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "log level: debug, info, warn or error")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "comma-separated browser origin allowlist (empty = same host, * = any)")
	fs.IntVar(&roomCapacity, "room-capacity", roomCapacity, "maximum participants per room")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "interval between stale room sweeps")
	fs.DurationVar(&retention, "room-retention", retention, "how long an empty room may survive before a sweep removes it")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if roomCapacity <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0, got %d", envVarRoomCapacity, roomCapacity)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0, got %s", envVarSweepInterval, sweepInterval)
	}
	if retention <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0, got %s", envVarRetention, retention)
	}
	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
	}

	allowedOrigins, err := origin.ParseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AllowedOrigins: allowedOrigins,

		RoomCapacity:  roomCapacity,
		SweepInterval: sweepInterval,
		Retention:     retention,

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,

		ICEServers: iceServers,

		TURNRESTSharedSecret:   turnRESTSharedSecret,
		TURNRESTTTLSeconds:     turnRESTTTLSeconds,
		TURNRESTUsernamePrefix: turnRESTUsernamePrefix,
	}, nil
}

// NewLogger builds the process logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.TrimSpace(strings.ToLower(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProduction:
		return ModeProduction, nil
	}
	return "", fmt.Errorf("unsupported mode %q (want dev or production)", raw)
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.TrimSpace(strings.ToLower(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	}
	return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unsupported log level %q", raw)
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProduction {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProduction {
		return "info"
	}
	return "debug"
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
