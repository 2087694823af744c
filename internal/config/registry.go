package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kraliki/voicebridge/pkg/provider/realtime"
	"github.com/kraliki/voicebridge/pkg/telephony"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TelephonyFactory builds a telephony adapter from the telephony block. The
// factory reads whichever credential sub-block belongs to it.
type TelephonyFactory func(TelephonyConfig) (telephony.Adapter, error)

// RealtimeFactory builds a realtime speech provider from the ai block.
type RealtimeFactory func(AIConfig) (realtime.Provider, error)

// Registry maps provider names to their constructor functions. The main
// package registers the built-in factories ("twilio", "telnyx", "openai",
// "gemini"); tests register stubs under their own names. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	telephony map[string]TelephonyFactory
	realtime  map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		telephony: make(map[string]TelephonyFactory),
		realtime:  make(map[string]RealtimeFactory),
	}
}

// RegisterTelephony registers a telephony adapter factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTelephony(name string, factory TelephonyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telephony[name] = factory
}

// RegisterRealtime registers a speech provider factory under name.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// CreateTelephony instantiates the adapter selected by cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTelephony(cfg TelephonyConfig) (telephony.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.telephony[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateRealtime instantiates the speech provider selected by cfg.Provider.
func (r *Registry) CreateRealtime(cfg AIConfig) (realtime.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ai/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
