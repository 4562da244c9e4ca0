package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/awim/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested source name.
var ErrSourceNotRegistered = errors.New("config: audio source not registered")

// SourceFactory builds an [audio.Source] from the audio section.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps audio source names to their constructors. Capture backends
// register themselves from main so this package stays free of cgo.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[SourceName]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sources: make(map[SourceName]SourceFactory)}
}

// Register registers factory under name, replacing any previous one.
func (r *Registry) Register(name SourceName, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// Create instantiates the source selected by cfg.Source.
func (r *Registry) Create(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []SourceName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]SourceName, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
