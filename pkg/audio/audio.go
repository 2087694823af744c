// Package audio provides the stateless conversion routines used on the call
// hot path: G.711 μ-law transcoding, linear-interpolation resampling, and the
// chunk type passed between the telephony leg and the AI-provider leg.
//
// All functions are deterministic and side-effect free. They run once per
// audio frame of every live call, so they allocate at most one output buffer
// per call and never retain references to their inputs.
package audio

import "fmt"

// Format identifies the encoding of raw audio bytes.
type Format string

const (
	// FormatULaw is 8-bit G.711 μ-law, the native wire format of telephony
	// media streams (one byte per sample, typically at 8 kHz).
	FormatULaw Format = "ulaw"

	// FormatPCM16 is 16-bit little-endian linear PCM.
	FormatPCM16 Format = "pcm16"
)

// AudioChunk is one unit of audio in flight between the telephony adapter and
// the AI provider. Data holds raw bytes in Format at SampleRate Hz, always
// mono. Chunks are transient and never persisted.
type AudioChunk struct {
	Data       []byte
	Format     Format
	SampleRate int
}

// ConversionError reports a malformed or unsupported audio frame. Callers are
// expected to log it and drop the frame; a single bad frame must never
// terminate a call.
type ConversionError struct {
	Format Format
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("audio: convert %s: %s", e.Format, e.Reason)
}

// TelephonyToUnified converts provider-native audio bytes into the unified
// PCM16 representation consumed by the AI provider, resampling from
// sampleRate to unifiedRate when the two differ.
//
// Empty input yields an empty chunk and no error. An unsupported format or
// misaligned PCM payload yields a *ConversionError.
func TelephonyToUnified(data []byte, format Format, sampleRate, unifiedRate int) (AudioChunk, error) {
	out := AudioChunk{Format: FormatPCM16, SampleRate: unifiedRate}
	if len(data) == 0 {
		return out, nil
	}

	var pcm []byte
	switch format {
	case FormatULaw:
		pcm = DecodeULaw(data)
	case FormatPCM16:
		if len(data)%2 != 0 {
			return out, &ConversionError{Format: format, Reason: "odd byte count for 16-bit PCM"}
		}
		pcm = data
	default:
		return out, &ConversionError{Format: format, Reason: "unsupported telephony format"}
	}

	out.Data = ResampleMono16(pcm, sampleRate, unifiedRate)
	return out, nil
}

// UnifiedToTelephony converts a unified PCM16 chunk back into provider-native
// bytes at the telephony sample rate: resample down first, then encode.
//
// Empty chunks yield empty output and no error. A chunk that is not PCM16, a
// misaligned payload, or an unsupported target format yields a
// *ConversionError.
func UnifiedToTelephony(chunk AudioChunk, format Format, sampleRate int) ([]byte, error) {
	if len(chunk.Data) == 0 {
		return nil, nil
	}
	if chunk.Format != FormatPCM16 {
		return nil, &ConversionError{Format: chunk.Format, Reason: "unified audio must be 16-bit PCM"}
	}
	if len(chunk.Data)%2 != 0 {
		return nil, &ConversionError{Format: chunk.Format, Reason: "odd byte count for 16-bit PCM"}
	}

	pcm := ResampleMono16(chunk.Data, chunk.SampleRate, sampleRate)

	switch format {
	case FormatULaw:
		return EncodeULaw(pcm), nil
	case FormatPCM16:
		return pcm, nil
	default:
		return nil, &ConversionError{Format: format, Reason: "unsupported telephony format"}
	}
}
