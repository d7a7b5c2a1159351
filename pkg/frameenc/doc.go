// ABOUTME: Package documentation for the Opus frame encoder
// ABOUTME: Describes the encoder context and the flat handle surface

// Package frameenc wraps a libopus encoder instance behind a small,
// fixed-frame encoding context.
//
// An Encoder is bound at construction to a sample rate, channel count, and
// application profile, and exposes the derived 20ms frame size so callers can
// size their PCM buffers. Encoding is a synchronous pass-through to libopus:
// one call, one frame, compressed bytes out. The encoder carries rate-control
// history across calls, so frames must be submitted in their original order
// on a single goroutine (or under external locking).
//
// For hosts that only speak scalars and byte buffers, the package also
// provides a flat surface (Create, GetFrameSize, EncodeFrame, SetBitrate,
// SetComplexity, Destroy) keyed by integer handles, mirroring the C-style
// calling convention of the original deployment.
package frameenc
