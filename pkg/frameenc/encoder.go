// ABOUTME: Opus frame encoder context wrapping libopus
// ABOUTME: Handles lifecycle, 20ms framing, and bitrate/complexity tuning
package frameenc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Application profiles understood by the engine, re-exported so callers
// don't need to import the opus binding directly.
const (
	AppVoIP               = opus.AppVoIP
	AppAudio              = opus.AppAudio
	AppRestrictedLowdelay = opus.AppRestrictedLowdelay
)

// ParseApplication maps a profile name to the engine's application constant.
// Recognized names are "voip", "audio", and "lowdelay".
func ParseApplication(name string) (opus.Application, error) {
	switch name {
	case "voip":
		return AppVoIP, nil
	case "audio":
		return AppAudio, nil
	case "lowdelay":
		return AppRestrictedLowdelay, nil
	default:
		return 0, fmt.Errorf("unknown application profile: %q", name)
	}
}

// MaxPacketSize is the largest packet libopus can produce for one frame.
// Output buffers of this size never trigger a buffer-too-small error.
const MaxPacketSize = 4000

// ErrClosed is returned when an operation is attempted after Close.
var ErrClosed = errors.New("frameenc: encoder closed")

// Encoder pairs a live libopus encoder with its cached configuration.
// It is not safe for concurrent use; callers serialize access per instance.
type Encoder struct {
	engine     *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per 20ms frame
}

// New creates an encoder bound to the given sample rate, channel count, and
// application profile. The engine accepts 8000, 12000, 16000, 24000, or
// 48000 Hz and 1 or 2 channels; anything else is rejected here and nothing
// is retained.
//
// The cached frame size is sampleRate/50 (20ms). Sample rates that don't
// divide evenly by 50 would silently yield a non-20ms frame, but no such
// rate is accepted by the engine.
func New(sampleRate, channels int, app opus.Application) (*Encoder, error) {
	engine, err := opus.NewEncoder(sampleRate, channels, app)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	return &Encoder{
		engine:     engine,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate / 50,
	}, nil
}

// FrameSize returns the samples per channel in one 20ms frame.
func (e *Encoder) FrameSize() int {
	return e.frameSize
}

// SampleRate returns the configured sample rate in Hz.
func (e *Encoder) SampleRate() int {
	return e.sampleRate
}

// Channels returns the configured channel count.
func (e *Encoder) Channels() int {
	return e.channels
}

// FrameBytes returns the byte length of one canonical 20ms PCM frame
// (frameSize * channels * 2 for interleaved s16 samples).
func (e *Encoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// Encode compresses one frame of interleaved int16 PCM into out and returns
// the number of bytes written. The engine's rate-control history carries
// across calls, so frames must arrive in temporal order with no gaps.
func (e *Encoder) Encode(pcm []int16, out []byte) (int, error) {
	if e.engine == nil {
		return 0, ErrClosed
	}

	n, err := e.engine.Encode(pcm, out)
	if err != nil {
		return 0, fmt.Errorf("opus encode failed: %w", err)
	}
	return n, nil
}

// EncodeBytes compresses one frame of little-endian interleaved s16 PCM
// bytes. The per-channel sample count is len(pcm)/2/channels; a canonical
// 20ms frame is exactly FrameBytes() long. Other lengths are handed to the
// engine as-is and fail unless they map to a frame duration it supports.
func (e *Encoder) EncodeBytes(pcm []byte, out []byte) (int, error) {
	if e.engine == nil {
		return 0, ErrClosed
	}

	samples := len(pcm) / 2 / e.channels
	pcm16 := make([]int16, samples*e.channels)
	for i := range pcm16 {
		pcm16[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}

	return e.Encode(pcm16, out)
}

// SetBitrate sets the target bitrate in bits per second for subsequent
// frames. May be called at any time; the latest value wins.
func (e *Encoder) SetBitrate(bitrate int) error {
	if e.engine == nil {
		return ErrClosed
	}
	return e.engine.SetBitrate(bitrate)
}

// SetComplexity sets the encoding effort (0-10) for subsequent frames.
func (e *Encoder) SetComplexity(complexity int) error {
	if e.engine == nil {
		return ErrClosed
	}
	return e.engine.SetComplexity(complexity)
}

// Close releases the engine reference. The encoder must not be used after
// Close; subsequent operations report ErrClosed. Calling Close twice is a
// no-op.
func (e *Encoder) Close() error {
	e.engine = nil
	return nil
}
