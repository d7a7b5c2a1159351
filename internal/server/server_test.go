// ABOUTME: Tests for the encode proxy server
// ABOUTME: Tests handshake, frame encoding round trips, and tuning over WebSocket
package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jitsi/opus-transcriber-proxy/internal/protocol"
)

func TestNewServer(t *testing.T) {
	srv := New(Config{Port: 8765, Name: "test-proxy"})
	if srv == nil {
		t.Fatal("expected server to be created")
	}

	if srv.config.Name != "test-proxy" {
		t.Errorf("expected name test-proxy, got %s", srv.config.Name)
	}
	if srv.serverID == "" {
		t.Error("expected server ID to be assigned")
	}
	if srv.SessionCount() != 0 {
		t.Errorf("expected no sessions, got %d", srv.SessionCount())
	}
}

// dialTestServer upgrades a test connection against the proxy handler
func dialTestServer(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()

	srv := New(Config{Port: 0, Name: "test-proxy"})
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		httpSrv.Close()
		t.Fatalf("dial failed: %v", err)
	}

	return conn, func() {
		conn.Close()
		httpSrv.Close()
	}
}

func sendHello(t *testing.T, conn *websocket.Conn, hello protocol.SessionHello) {
	t.Helper()

	data, err := json.Marshal(protocol.Message{Type: "session/hello", Payload: hello})
	if err != nil {
		t.Fatalf("marshal hello failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write hello failed: %v", err)
	}
}

func readControl(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func TestHandshake(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		Name:        "test-client",
		SampleRate:  48000,
		Channels:    1,
		Application: "voip",
	})

	msg := readControl(t, conn)
	if msg.Type != "session/ready" {
		t.Fatalf("expected session/ready, got %s", msg.Type)
	}

	ready, err := decodePayload[protocol.SessionReady](msg.Payload)
	if err != nil {
		t.Fatalf("decode ready failed: %v", err)
	}

	if ready.SessionID == "" {
		t.Error("expected session ID to be assigned")
	}
	if ready.FrameSize != 960 {
		t.Errorf("expected frame size 960, got %d", ready.FrameSize)
	}
	if ready.FrameBytes != 1920 {
		t.Errorf("expected frame bytes 1920, got %d", ready.FrameBytes)
	}
}

func TestHandshakeRejectsBadConfig(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		SampleRate:  44100, // not an Opus rate
		Channels:    1,
		Application: "voip",
	})

	msg := readControl(t, conn)
	if msg.Type != "session/error" {
		t.Fatalf("expected session/error, got %s", msg.Type)
	}
}

func TestHandshakeRejectsUnknownApplication(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		SampleRate:  48000,
		Channels:    1,
		Application: "psychoacoustic-turbo",
	})

	msg := readControl(t, conn)
	if msg.Type != "session/error" {
		t.Fatalf("expected session/error, got %s", msg.Type)
	}
}

func TestHandshakeRequiresHelloFirst(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	data, _ := json.Marshal(protocol.Message{Type: "session/tune", Payload: protocol.SessionTune{Bitrate: 32000}})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readControl(t, conn)
	if msg.Type != "session/error" {
		t.Fatalf("expected session/error, got %s", msg.Type)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		SampleRate:  48000,
		Channels:    1,
		Application: "voip",
		Bitrate:     32000,
	})

	msg := readControl(t, conn)
	if msg.Type != "session/ready" {
		t.Fatalf("expected session/ready, got %s", msg.Type)
	}
	ready, err := decodePayload[protocol.SessionReady](msg.Payload)
	if err != nil {
		t.Fatalf("decode ready failed: %v", err)
	}

	// Send three canonical 20ms frames and expect one Opus chunk each,
	// with sequence numbers echoed in order
	for seq := uint64(0); seq < 3; seq++ {
		pcm := make([]byte, ready.FrameBytes)
		chunk := protocol.NewFrameChunk(protocol.PCMFrameMessageType, seq, pcm)
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write frame %d failed: %v", seq, err)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d failed: %v", seq, err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("expected binary response, got type %d", msgType)
		}

		chunkType, gotSeq, payload, err := protocol.ParseFrameChunk(data)
		if err != nil {
			t.Fatalf("parse response %d failed: %v", seq, err)
		}
		if chunkType != protocol.OpusFrameMessageType {
			t.Errorf("expected Opus chunk type, got %d", chunkType)
		}
		if gotSeq != seq {
			t.Errorf("expected sequence %d echoed, got %d", seq, gotSeq)
		}
		if len(payload) == 0 {
			t.Error("expected non-empty Opus payload")
		}
	}
}

func TestEncodeRejectsBadFrameLength(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		SampleRate:  48000,
		Channels:    1,
		Application: "voip",
	})

	if msg := readControl(t, conn); msg.Type != "session/ready" {
		t.Fatalf("expected session/ready, got %s", msg.Type)
	}

	// 100 samples is not a frame duration the engine supports
	chunk := protocol.NewFrameChunk(protocol.PCMFrameMessageType, 0, make([]byte, 200))
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	msg := readControl(t, conn)
	if msg.Type != "session/error" {
		t.Fatalf("expected session/error, got %s", msg.Type)
	}
}

func TestTuneMidStream(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendHello(t, conn, protocol.SessionHello{
		SampleRate:  48000,
		Channels:    1,
		Application: "voip",
	})

	msg := readControl(t, conn)
	if msg.Type != "session/ready" {
		t.Fatalf("expected session/ready, got %s", msg.Type)
	}
	ready, err := decodePayload[protocol.SessionReady](msg.Payload)
	if err != nil {
		t.Fatalf("decode ready failed: %v", err)
	}

	// Retune between frames; the session must keep encoding
	data, _ := json.Marshal(protocol.Message{Type: "session/tune", Payload: protocol.SessionTune{Bitrate: 16000, Complexity: 3}})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write tune failed: %v", err)
	}

	pcm := make([]byte, ready.FrameBytes)
	chunk := protocol.NewFrameChunk(protocol.PCMFrameMessageType, 7, pcm)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary response after tune, got type %d", msgType)
	}

	chunkType, seq, _, err := protocol.ParseFrameChunk(resp)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if chunkType != protocol.OpusFrameMessageType || seq != 7 {
		t.Errorf("unexpected response: type=%d seq=%d", chunkType, seq)
	}
}
