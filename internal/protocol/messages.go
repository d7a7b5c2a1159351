// ABOUTME: Encode session protocol message type definitions
// ABOUTME: Defines the JSON control messages and the binary frame format
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary message types carried in the first byte of a frame chunk
const (
	PCMFrameMessageType  = 1 // client -> server, raw s16le PCM
	OpusFrameMessageType = 2 // server -> client, one compressed Opus frame
)

// FrameHeaderSize is the length of the binary chunk header:
// [message_type:1][sequence:8].
const FrameHeaderSize = 9

// Message is the top-level wrapper for all control messages
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SessionHello is sent by clients to open an encode session
type SessionHello struct {
	ClientID    string `json:"client_id,omitempty"`
	Name        string `json:"name,omitempty"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Application string `json:"application"` // "voip", "audio", or "lowdelay"
	Bitrate     int    `json:"bitrate,omitempty"`
	Complexity  int    `json:"complexity,omitempty"` // 0 means engine default
}

// SessionReady is the server's response once the encoder exists
type SessionReady struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameSize  int    `json:"frame_size"`  // samples per channel per 20ms frame
	FrameBytes int    `json:"frame_bytes"` // bytes of s16le PCM per frame
}

// SessionTune adjusts encoder bitrate/complexity mid-stream. Zero-valued
// fields are left untouched.
type SessionTune struct {
	Bitrate    int `json:"bitrate,omitempty"`
	Complexity int `json:"complexity,omitempty"`
}

// SessionError reports a failure to the client
type SessionError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewFrameChunk builds a binary frame chunk.
// Format: [message_type:1][sequence:8 BE][payload:N]
func NewFrameChunk(msgType byte, sequence uint64, payload []byte) []byte {
	chunk := make([]byte, FrameHeaderSize+len(payload))
	chunk[0] = msgType
	binary.BigEndian.PutUint64(chunk[1:FrameHeaderSize], sequence)
	copy(chunk[FrameHeaderSize:], payload)
	return chunk
}

// ParseFrameChunk splits a binary frame chunk into its parts. The returned
// payload aliases the input.
func ParseFrameChunk(chunk []byte) (msgType byte, sequence uint64, payload []byte, err error) {
	if len(chunk) < FrameHeaderSize {
		return 0, 0, nil, fmt.Errorf("frame chunk too short: %d bytes", len(chunk))
	}
	return chunk[0], binary.BigEndian.Uint64(chunk[1:FrameHeaderSize]), chunk[FrameHeaderSize:], nil
}
