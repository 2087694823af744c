package telephony

// Media stream envelope shared by Twilio and Telnyx call websockets. Telnyx
// implements the same JSON framing Twilio introduced, so one set of types
// covers both providers.

// Stream event names as they appear on the wire.
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventStop      = "stop"
	StreamEventMark      = "mark"
	StreamEventDTMF      = "dtmf"
	StreamEventClear     = "clear"
)

// StreamMessage is the envelope exchanged over a call media websocket.
// Incoming messages carry Start/Media/Stop/DTMF payloads; outgoing messages
// carry Media (audio to the caller), Mark (playback checkpoints) or a bare
// clear event to flush buffered audio on interruption.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	DTMF           *StreamDTMF  `json:"dtmf,omitempty"`
}

// StreamStart announces stream parameters at the head of a media stream.
type StreamStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      StreamMediaFormat `json:"mediaFormat"`
}

// StreamMediaFormat describes the audio encoding of a media stream.
type StreamMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one frame of base64-encoded wire audio.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamMark names a playback checkpoint echoed back by the provider once
// all audio queued before it has played out.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamDTMF reports a keypad digit pressed by the caller.
type StreamDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}
