// ABOUTME: Flat integer-handle surface over the encoder context
// ABOUTME: Mirrors the scalar calling convention of foreign-runtime hosts
package frameenc

import (
	"errors"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// The flat surface reports wrapper-level precondition violations (absent
// handle, closed encoder, nil buffer) as -1. Engine failures pass through
// as libopus status codes, which are also negative; callers treat any
// negative result as "no bytes produced".
const errSentinel = -1

var (
	handlesMu  sync.Mutex
	handles    = make(map[int32]*Encoder)
	nextHandle int32 = 1
)

// The mutex guards the handle table only. Calls on the encoder behind a
// handle are not serialized; one handle must not be used concurrently.

// Create builds an encoder and returns its handle, or 0 on any failure.
// application is passed through to the engine unvalidated; the engine
// rejects values it doesn't recognize.
func Create(sampleRate, channels, application int) int32 {
	enc, err := New(sampleRate, channels, opus.Application(application))
	if err != nil {
		return 0
	}

	handlesMu.Lock()
	h := nextHandle
	nextHandle++
	handles[h] = enc
	handlesMu.Unlock()
	return h
}

// GetFrameSize returns the cached samples-per-channel frame size for the
// handle, or 0 if the handle is absent. Never touches the engine.
func GetFrameSize(h int32) int {
	if enc := lookup(h); enc != nil {
		return enc.FrameSize()
	}
	return 0
}

// EncodeFrame encodes one frame of little-endian interleaved s16 PCM bytes
// into out and returns the compressed byte count. Returns -1 without
// touching out if the handle is absent, the encoder is closed, or either
// buffer is nil; engine failures return the engine's negative status code.
func EncodeFrame(h int32, pcm []byte, out []byte) int {
	enc := lookup(h)
	if enc == nil || pcm == nil || out == nil {
		return errSentinel
	}

	n, err := enc.EncodeBytes(pcm, out)
	if err != nil {
		return statusCode(err)
	}
	return n
}

// SetBitrate forwards the target bitrate to the engine. Returns 0 on
// success, -1 for an absent handle, or the engine's negative status code.
func SetBitrate(h int32, bitrate int) int {
	enc := lookup(h)
	if enc == nil {
		return errSentinel
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return statusCode(err)
	}
	return 0
}

// SetComplexity forwards the encoding effort to the engine. Returns 0 on
// success, -1 for an absent handle, or the engine's negative status code.
func SetComplexity(h int32, complexity int) int {
	enc := lookup(h)
	if enc == nil {
		return errSentinel
	}
	if err := enc.SetComplexity(complexity); err != nil {
		return statusCode(err)
	}
	return 0
}

// Destroy releases the encoder behind the handle. Safe to call with 0 or an
// already-destroyed handle; the handle must not be reused afterwards.
func Destroy(h int32) {
	handlesMu.Lock()
	enc, ok := handles[h]
	if ok {
		delete(handles, h)
	}
	handlesMu.Unlock()

	if ok {
		enc.Close()
	}
}

func lookup(h int32) *Encoder {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	return handles[h]
}

// statusCode maps an error to the flat-surface convention: libopus errors
// keep their native negative code, everything else collapses to -1.
func statusCode(err error) int {
	var opusErr opus.Error
	if errors.As(err, &opusErr) {
		return int(opusErr)
	}
	return errSentinel
}
