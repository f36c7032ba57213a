package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/sarathi/internal/protocol"
)

// Transport variants.
const (
	VariantWebSocket = "ws"
	VariantSSE       = "sse"
)

// Config contains all runtime settings for a streaming session client.
type Config struct {
	Host               string
	APIBaseURL         string
	Variant            string
	APIKey             string
	AuthToken          string
	Modalities         []protocol.Modality
	SystemInstructions string

	TicketFile string
	Ticket     protocol.TicketOptions

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WatchdogTimeout   time.Duration
	ReconnectDelay    time.Duration

	MicGain           float64
	PlaybackGain      float64
	PlaybackMinStart  time.Duration
	MicGateMargin     time.Duration
	MicNoFrameTimeout time.Duration
	MergeStrategy     string
	ForceFilePlayback bool

	VideoInterval time.Duration
	VideoQuality  int
	VideoMaxDim   int
	VideoHint     string

	SessionLinger    time.Duration
	DatabaseURL      string
	MetricsNamespace string
	MetricsAddr      string
	DevServerAddr    string
	LogLevel         string
	ShutdownTimeout  time.Duration
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:               envOrDefault("SARATHI_HOST", "ws://127.0.0.1:8787"),
		APIBaseURL:         stringsTrimSpace("SARATHI_API_BASE_URL"),
		Variant:            strings.ToLower(envOrDefault("SARATHI_TRANSPORT", VariantWebSocket)),
		APIKey:             stringsTrimSpace("SARATHI_API_KEY"),
		AuthToken:          stringsTrimSpace("SARATHI_AUTH_TOKEN"),
		SystemInstructions: stringsTrimSpace("SARATHI_SYSTEM_INSTRUCTIONS"),
		TicketFile:         stringsTrimSpace("SARATHI_TICKET_FILE"),
		MergeStrategy:      strings.ToLower(envOrDefault("SARATHI_MERGE_STRATEGY", "auto")),
		VideoHint:          envOrDefault("SARATHI_VIDEO_HINT", "[camera_start]"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		MetricsNamespace:   envOrDefault("SARATHI_METRICS_NAMESPACE", "sarathi"),
		MetricsAddr:        stringsTrimSpace("SARATHI_METRICS_ADDR"),
		DevServerAddr:      envOrDefault("SARATHI_DEVSERVER_ADDR", "127.0.0.1:8787"),
		LogLevel:           strings.ToLower(envOrDefault("SARATHI_LOG_LEVEL", "info")),

		HandshakeTimeout:  10 * time.Second,
		ReconnectDelay:    300 * time.Millisecond,
		MicGain:           1.5,
		PlaybackGain:      1.5,
		PlaybackMinStart:  time.Second,
		MicGateMargin:     200 * time.Millisecond,
		MicNoFrameTimeout: 2 * time.Second,
		VideoInterval:     800 * time.Millisecond,
		VideoQuality:      70,
		VideoMaxDim:       1280,
		SessionLinger:     2 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
	// The SSE variant pings the health endpoint less often and tolerates
	// longer silences on the stream.
	if cfg.Variant == VariantSSE {
		cfg.HeartbeatInterval = 30 * time.Second
		cfg.WatchdogTimeout = 3 * time.Minute
	} else {
		cfg.HeartbeatInterval = 20 * time.Second
		cfg.WatchdogTimeout = 60 * time.Second
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = httpBaseFromHost(cfg.Host)
	}

	var err error
	modalities := envOrDefault("SARATHI_MODALITIES", "AUDIO,TEXT")
	cfg.Modalities, err = parseModalities(modalities)
	if err != nil {
		return Config{}, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SARATHI_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"SARATHI_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"SARATHI_WATCHDOG_TIMEOUT", &cfg.WatchdogTimeout},
		{"SARATHI_RECONNECT_DELAY", &cfg.ReconnectDelay},
		{"SARATHI_PLAYBACK_MIN_START", &cfg.PlaybackMinStart},
		{"SARATHI_MIC_GATE_MARGIN", &cfg.MicGateMargin},
		{"SARATHI_MIC_NO_FRAME_TIMEOUT", &cfg.MicNoFrameTimeout},
		{"SARATHI_VIDEO_INTERVAL", &cfg.VideoInterval},
		{"SARATHI_SESSION_LINGER", &cfg.SessionLinger},
		{"SARATHI_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.MicGain, err = floatFromEnv("SARATHI_MIC_GAIN", cfg.MicGain)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackGain, err = floatFromEnv("SARATHI_PLAYBACK_GAIN", cfg.PlaybackGain)
	if err != nil {
		return Config{}, err
	}
	cfg.ForceFilePlayback, err = boolFromEnv("SARATHI_FORCE_FILE_PLAYBACK", cfg.ForceFilePlayback)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoQuality, err = intFromEnv("SARATHI_VIDEO_QUALITY", cfg.VideoQuality)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoMaxDim, err = intFromEnv("SARATHI_VIDEO_MAX_DIM", cfg.VideoMaxDim)
	if err != nil {
		return Config{}, err
	}

	if cfg.TicketFile != "" {
		cfg.Ticket, err = LoadTicketFile(cfg.TicketFile)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.Ticket.Title = envOrDefault("SARATHI_TICKET_TITLE", cfg.Ticket.Title)
	cfg.Ticket.Category = envOrDefault("SARATHI_TICKET_CATEGORY", cfg.Ticket.Category)
	cfg.Ticket.Description = envOrDefault("SARATHI_TICKET_DESCRIPTION", cfg.Ticket.Description)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Variant != VariantWebSocket && c.Variant != VariantSSE {
		errs = append(errs, fmt.Errorf("SARATHI_TRANSPORT must be %q or %q", VariantWebSocket, VariantSSE))
	}
	if c.Host == "" {
		errs = append(errs, fmt.Errorf("SARATHI_HOST must not be empty"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("SARATHI_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.WatchdogTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("SARATHI_WATCHDOG_TIMEOUT must exceed the heartbeat interval"))
	}
	if c.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("SARATHI_RECONNECT_DELAY must be >= 0"))
	}
	if c.MicGain <= 0 || c.PlaybackGain <= 0 {
		errs = append(errs, fmt.Errorf("gain values must be positive"))
	}
	switch c.MergeStrategy {
	case "auto", "cumulative", "incremental":
	default:
		errs = append(errs, fmt.Errorf("SARATHI_MERGE_STRATEGY must be auto, cumulative or incremental"))
	}
	if c.VideoQuality < 1 || c.VideoQuality > 100 {
		errs = append(errs, fmt.Errorf("SARATHI_VIDEO_QUALITY must be within 1..100"))
	}
	if c.VideoMaxDim <= 0 {
		errs = append(errs, fmt.Errorf("SARATHI_VIDEO_MAX_DIM must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("SARATHI_LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

// LoadTicketFile reads the optional YAML ticket profile.
func LoadTicketFile(path string) (protocol.TicketOptions, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.TicketOptions{}, fmt.Errorf("ticket file: open %q: %w", path, err)
	}
	defer f.Close()

	var opts protocol.TicketOptions
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		return protocol.TicketOptions{}, fmt.Errorf("ticket file: decode %q: %w", path, err)
	}
	return opts, nil
}

func parseModalities(v string) ([]protocol.Modality, error) {
	var out []protocol.Modality
	for _, part := range strings.Split(v, ",") {
		switch m := protocol.Modality(strings.ToUpper(trimSpace(part))); m {
		case "":
		case protocol.ModalityAudio, protocol.ModalityText:
			out = append(out, m)
		default:
			return nil, fmt.Errorf("SARATHI_MODALITIES: unknown modality %q", part)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("SARATHI_MODALITIES must list AUDIO and/or TEXT")
	}
	return out, nil
}

// httpBaseFromHost maps ws:// and wss:// hosts to their HTTP origin.
func httpBaseFromHost(host string) string {
	switch {
	case strings.HasPrefix(host, "wss://"):
		return "https://" + strings.TrimPrefix(host, "wss://")
	case strings.HasPrefix(host, "ws://"):
		return "http://" + strings.TrimPrefix(host, "ws://")
	default:
		return host
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
