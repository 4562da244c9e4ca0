package main

import (
	"github.com/MrWong99/awim/internal/config"
	"github.com/MrWong99/awim/pkg/audio"
	"github.com/MrWong99/awim/pkg/audio/malgo"
	"github.com/MrWong99/awim/pkg/audio/tone"
)

// newSourceRegistry returns a registry with every built-in capture source.
func newSourceRegistry() *config.Registry {
	reg := config.NewRegistry()

	reg.Register(config.SourceMalgo, func(a config.AudioConfig) (audio.Source, error) {
		opts := []malgo.Option{malgo.WithBufferDuration(a.DeviceBuffer())}
		if a.PeriodMS > 0 {
			opts = append(opts, malgo.WithPeriod(uint32(a.PeriodMS)))
		}
		return malgo.New(opts...), nil
	})

	reg.Register(config.SourceTone, func(a config.AudioConfig) (audio.Source, error) {
		return tone.New(
			tone.WithFrequency(a.ToneHz),
			tone.WithRealtime(a.ToneRealtime),
		), nil
	})

	return reg
}
