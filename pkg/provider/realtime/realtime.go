// Package realtime defines the Provider interface for real-time speech AI backends.
//
// A realtime provider wraps a cloud voice model that accepts raw caller audio
// and returns synthesised speech in a single, stateful session, bypassing any
// separate STT/LLM/TTS pipeline. Examples include the OpenAI Realtime API and
// Gemini Live.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed stream
// that carries audio, transcripts, and function calls concurrently. Sessions
// live for the duration of a phone call (seconds to minutes) and surface
// connection loss through the Events channel so the bridge layer can decide
// whether to reconnect.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"

	"github.com/kraliki/voicebridge/pkg/store"
)

// EventType classifies the non-audio events emitted by a session.
type EventType string

const (
	// EventTranscript carries a recognised utterance, either the caller's
	// speech as heard by the model or the assistant's spoken reply as text.
	EventTranscript EventType = "transcript"

	// EventReconnecting signals that the upstream connection was lost and a
	// reconnection attempt is in progress. Emitted by the bridge layer, not by
	// provider sessions themselves.
	EventReconnecting EventType = "reconnecting"

	// EventReconnected signals that a lost upstream connection was restored.
	EventReconnected EventType = "reconnected"

	// EventFailed signals that the session is dead and will produce no further
	// audio or transcripts. Err carries the cause.
	EventFailed EventType = "failed"
)

// Event is a single non-audio occurrence within a session: a transcript line
// or a connection lifecycle change. Transcript events set Role, Text, Final
// and optionally Confidence; lifecycle events set Err where a cause is known.
type Event struct {
	// Type discriminates the event.
	Type EventType

	// Role identifies the speaker for transcript events.
	Role store.Speaker

	// Text is the transcript content for transcript events.
	Text string

	// Final reports whether Text is a complete utterance rather than an
	// incremental fragment. Sessions in this package only emit final
	// transcripts; the field exists so consumers can filter defensively.
	Final bool

	// Confidence is the provider-reported recognition confidence in [0, 1],
	// or nil when the provider does not expose one.
	Confidence *float64

	// Err is the failure cause for EventFailed events, nil otherwise.
	Err error
}

// FunctionCallHandler is a callback invoked by the session whenever the model
// requests a function call. The handler receives the provider-assigned call ID,
// the function name, and a JSON-encoded arguments string, and must return
// either a result string (injected back into the session as function output)
// or an error.
//
// The handler may be called from the session's internal receive goroutine, so
// implementors must not call blocking session methods from within it. Handler
// errors do not kill the session: the session forwards them to the model as an
// error result and keeps streaming.
type FunctionCallHandler func(callID, name, args string) (string, error)

// ToolDefinition describes a single function the model may invoke during the
// session. Parameters holds a JSON Schema object in the shape both OpenAI and
// Gemini accept for function declarations.
type ToolDefinition struct {
	// Name is the function name the model uses to invoke the tool.
	Name string

	// Description tells the model when the tool is appropriate.
	Description string

	// Parameters is the JSON Schema for the function's arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Model selects the provider model, e.g. "gpt-4o-realtime-preview" or
	// "gemini-2.0-flash-live-001". Empty selects the provider's default.
	Model string

	// Voice selects the synthesised voice. Empty selects the provider's default.
	Voice string

	// SystemPrompt is the system-level instruction that defines the assistant's
	// behaviour for the call.
	SystemPrompt string

	// Temperature overrides the model's sampling temperature when non-nil.
	Temperature *float64

	// Tools is the set of function definitions offered to the model. Function
	// calls are surfaced via the handler set with OnFunctionCall.
	Tools []ToolDefinition
}

// Capabilities describes static audio properties of a provider. The values are
// constant for the lifetime of the Provider instance and drive the resampling
// the bridge applies between the telephony leg and the provider leg.
type Capabilities struct {
	// InputSampleRate is the PCM16 sample rate in Hz the provider expects on
	// SendAudio.
	InputSampleRate int

	// OutputSampleRate is the PCM16 sample rate in Hz of the audio the
	// provider emits on the Audio channel.
	OutputSampleRate int
}

// SessionHandle represents an open realtime session. It is an interface so
// that test code can supply mock implementations without a live provider
// connection.
//
// The session is the hot path of a live phone call and every method must
// return quickly. Audio I/O is channel-based to avoid blocking the caller's
// media loop. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 chunk at the provider's input sample rate.
	// Returns an error if the session is closed or the provider cannot accept
	// the chunk.
	SendAudio(pcm []byte) error

	// Audio returns a read-only channel that emits raw PCM16 at the provider's
	// output sample rate as the model speaks. The channel is closed when the
	// session ends or a mid-stream error occurs. After the channel closes,
	// call [SessionHandle.Err] to check whether the session ended cleanly.
	// Consumers must drain this channel promptly to prevent backpressure from
	// stalling the receive loop.
	Audio() <-chan []byte

	// Events returns a read-only channel that emits transcript and lifecycle
	// events. The channel is closed when the session ends.
	Events() <-chan Event

	// OnFunctionCall registers the handler invoked when the model requests a
	// function call. Only one handler can be active at a time; calling
	// OnFunctionCall again replaces the previous handler, and passing nil
	// clears it. See FunctionCallHandler for concurrency constraints.
	OnFunctionCall(handler FunctionCallHandler)

	// Err returns the error that caused the channels to close prematurely, or
	// nil if the session ended cleanly. Callers should check Err after the
	// Audio channel closes.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Audio and Events channels. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
//
// Implementations must be safe for concurrent use. The bridge layer opens one
// session per active phone call, and a single Provider instance serves many
// concurrent calls.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established, for example on
	// authentication failure, an invalid model name, or a cancelled ctx. The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns the static audio properties of this provider. The
	// result is constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
