package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StreamChanged is set when a setting of a running session changed.
	StreamChanged bool

	// AudioChanged is set when the capture source or format changed.
	AudioChanged bool

	// ServerChanged is set when the control server address or TLS changed.
	// These only take effect after a process restart.
	ServerChanged bool
}

// SessionRestartRequired reports whether an active session must be
// restarted to pick up the new config.
func (d ConfigDiff) SessionRestartRequired() bool {
	return d.StreamChanged || d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	if sessionFields(old.Stream) != sessionFields(new.Stream) {
		d.StreamChanged = true
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
	}

	return d
}

// sessionFields strips settings that do not affect a running session.
func sessionFields(s StreamConfig) StreamConfig {
	s.Autostart = false
	s.ExitOnPeerLost = nil
	return s
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
