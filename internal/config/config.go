// Package config provides the configuration schema, loader, watcher and
// audio source registry for awim.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/awim/internal/transport"
	"github.com/MrWong99/awim/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto an [slog.Level]. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceName selects an audio source implementation from the [Registry].
type SourceName string

const (
	// SourceMalgo captures from the default input device.
	SourceMalgo SourceName = "malgo"

	// SourceTone generates a sine wave.
	SourceTone SourceName = "tone"
)

// IsValid reports whether s is a built-in source name.
func (s SourceName) IsValid() bool {
	return s == SourceMalgo || s == SourceTone
}

// Default values applied by [ApplyDefaults].
const (
	DefaultLogLevel          = LogInfo
	DefaultMode              = transport.ModeUDP
	DefaultUDPReceiveTimeout = 5 * time.Second
	DefaultTCPAcceptTimeout  = 1 * time.Second
	DefaultTCPReadTimeout    = 1 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPeerLossTimeouts  = 5
	DefaultMaxFrameBytes     = 8 << 20
	DefaultSource            = SourceMalgo
	DefaultDeviceBufferMS    = 2000
	DefaultToneHz            = 440.0
	DefaultServiceName       = "awim"
	DefaultMetricsPath       = "/metrics"

	// MaxUDPFrameBytes is the largest UDP payload over IPv4. It is the
	// default max_frame_bytes in udp mode.
	MaxUDPFrameBytes = 65507
)

// Config is the root configuration structure for awim.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the control server and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the control/health/metrics HTTP server
	// (e.g., ":8080"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the control server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StreamConfig describes the streaming session.
type StreamConfig struct {
	// Mode is "udp" or "tcp".
	Mode transport.Mode `yaml:"mode"`

	// Host is the local address to bind. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port is the stream port. 0 picks an ephemeral port.
	Port int `yaml:"port"`

	// Autostart starts a session when the process starts.
	Autostart bool `yaml:"autostart"`

	UDPReceiveTimeout time.Duration `yaml:"udp_receive_timeout"`
	TCPAcceptTimeout  time.Duration `yaml:"tcp_accept_timeout"`
	TCPReadTimeout    time.Duration `yaml:"tcp_read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	// PeerLossTimeouts is the number of consecutive UDP receive timeouts
	// after streaming began that end the session.
	PeerLossTimeouts int `yaml:"peer_loss_timeouts"`

	// MaxFrameBytes caps a single requested frame.
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`

	// ExitOnPeerLost makes the process exit when a session ends because the
	// peer went away. Default true.
	ExitOnPeerLost *bool `yaml:"exit_on_peer_lost"`
}

// ExitOnPeerLostEnabled reports the effective ExitOnPeerLost value.
func (s StreamConfig) ExitOnPeerLostEnabled() bool {
	return s.ExitOnPeerLost == nil || *s.ExitOnPeerLost
}

// AudioConfig describes the capture source.
type AudioConfig struct {
	// Source selects the implementation: "malgo" or "tone".
	Source SourceName `yaml:"source"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`

	// DeviceBufferMS is how much captured audio malgo retains while no
	// reader is waiting.
	DeviceBufferMS int `yaml:"device_buffer_ms"`

	// PeriodMS is the malgo device period. Zero keeps the backend default.
	PeriodMS int `yaml:"period_ms"`

	// ToneHz is the frequency of the tone source.
	ToneHz float64 `yaml:"tone_hz"`

	// ToneRealtime paces the tone source at the capture rate.
	ToneRealtime bool `yaml:"tone_realtime"`
}

// Format returns the capture format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BitDepth: a.BitDepth}
}

// DeviceBuffer returns DeviceBufferMS as a duration.
func (a AudioConfig) DeviceBuffer() time.Duration {
	return time.Duration(a.DeviceBufferMS) * time.Millisecond
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	MetricsPath string `yaml:"metrics_path"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	s := &cfg.Stream
	if s.Mode == "" {
		s.Mode = DefaultMode
	}
	if s.UDPReceiveTimeout == 0 {
		s.UDPReceiveTimeout = DefaultUDPReceiveTimeout
	}
	if s.TCPAcceptTimeout == 0 {
		s.TCPAcceptTimeout = DefaultTCPAcceptTimeout
	}
	if s.TCPReadTimeout == 0 {
		s.TCPReadTimeout = DefaultTCPReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.PeerLossTimeouts == 0 {
		s.PeerLossTimeouts = DefaultPeerLossTimeouts
	}
	if s.MaxFrameBytes == 0 {
		s.MaxFrameBytes = DefaultMaxFrameBytes
		if s.Mode == transport.ModeUDP {
			s.MaxFrameBytes = MaxUDPFrameBytes
		}
	}
	if s.ExitOnPeerLost == nil {
		t := true
		s.ExitOnPeerLost = &t
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = DefaultSource
	}
	if a.SampleRate == 0 {
		a.SampleRate = audio.DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = audio.DefaultChannels
	}
	if a.BitDepth == 0 {
		a.BitDepth = audio.DefaultBitDepth
	}
	if a.DeviceBufferMS == 0 {
		a.DeviceBufferMS = DefaultDeviceBufferMS
	}
	if a.ToneHz == 0 {
		a.ToneHz = DefaultToneHz
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}
