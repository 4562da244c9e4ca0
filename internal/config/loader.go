package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/awim/internal/transport"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Stream
	s := cfg.Stream
	if !s.Mode.Valid() {
		errs = append(errs, fmt.Errorf("stream.mode %q is invalid; valid values: udp, tcp", s.Mode))
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("stream.port %d is out of range [0, 65535]", s.Port))
	}
	for name, d := range map[string]int64{
		"udp_receive_timeout": int64(s.UDPReceiveTimeout),
		"tcp_accept_timeout":  int64(s.TCPAcceptTimeout),
		"tcp_read_timeout":    int64(s.TCPReadTimeout),
		"write_timeout":       int64(s.WriteTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("stream.%s must not be negative", name))
		}
	}
	if s.PeerLossTimeouts < 0 {
		errs = append(errs, fmt.Errorf("stream.peer_loss_timeouts %d must not be negative", s.PeerLossTimeouts))
	}
	// Audio
	if cfg.Audio.Source != "" && !cfg.Audio.Source.IsValid() {
		errs = append(errs, fmt.Errorf("audio.source %q is invalid; valid values: malgo, tone", cfg.Audio.Source))
	}
	if err := cfg.Audio.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.DeviceBufferMS < 0 || cfg.Audio.PeriodMS < 0 {
		errs = append(errs, errors.New("audio.device_buffer_ms and audio.period_ms must not be negative"))
	}
	if cfg.Audio.ToneHz < 0 {
		errs = append(errs, fmt.Errorf("audio.tone_hz %.1f must not be negative", cfg.Audio.ToneHz))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}

	return errors.Join(errs...)
}

// Warnings lists settings in a valid cfg that are legal but probably not
// what the operator meant. It never fails; callers decide how to report.
func Warnings(cfg *Config) []string {
	var warns []string
	s := cfg.Stream
	if s.Mode == transport.ModeUDP && s.MaxFrameBytes > MaxUDPFrameBytes {
		warns = append(warns, fmt.Sprintf(
			"stream.max_frame_bytes %d exceeds the largest UDP datagram (%d); larger probes will end the session",
			s.MaxFrameBytes, MaxUDPFrameBytes))
	}
	if cfg.Server.ListenAddr == "" && !s.Autostart {
		warns = append(warns, "server.listen_addr is empty and stream.autostart is off; no session will ever start")
	}
	return warns
}
