// ABOUTME: WebSocket encode proxy server
// ABOUTME: Manages sessions that feed PCM frames through Opus encoders
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jitsi/opus-transcriber-proxy/internal/discovery"
	"github.com/jitsi/opus-transcriber-proxy/internal/protocol"
	"github.com/jitsi/opus-transcriber-proxy/pkg/frameenc"
)

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	Debug      bool
	UseTUI     bool
}

// Server accepts WebSocket connections and runs one encode session per
// connection. Each session owns exactly one encoder; frames are encoded
// synchronously in the read loop so their order is preserved.
type Server struct {
	config   Config
	serverID string

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Session management
	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	// mDNS discovery
	mdnsManager *discovery.Manager

	// TUI
	tui       *ServerTUI
	startTime time.Time

	// Control
	stopChan   chan struct{}
	stopOnce   sync.Once // Ensure Stop() is only called once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Session is one client connection bound to one encoder
type Session struct {
	ID     string
	Name   string
	Remote string
	Conn   *websocket.Conn

	Encoder     *frameenc.Encoder
	SampleRate  int
	Channels    int
	Application string

	framesEncoded uint64
	mu            sync.RWMutex
}

// FramesEncoded returns the number of frames this session has encoded
func (s *Session) FramesEncoded() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.framesEncoded
}

// New creates a new server instance
func New(config Config) *Server {
	mux := http.NewServeMux()

	return &Server{
		config:   config,
		serverID: uuid.New().String(),
		mux:      mux,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients stream PCM from pages on trusted local
				// networks; non-browser clients send no Origin at all
				origin := r.Header.Get("Origin")
				if origin != "" && origin != "http://localhost" && origin != "http://127.0.0.1" {
					log.Printf("Warning: accepting WebSocket from origin: %s", origin)
				}
				return true
			},
		},
		sessions:  make(map[string]*Session),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
}

// Start starts the server and blocks until Stop is called or the listener
// fails
func (s *Server) Start() error {
	// Start TUI if enabled
	if s.config.UseTUI {
		s.tui = NewServerTUI()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tui.Start(s.config.Name, s.config.Port)
		}()

		// Give TUI time to initialize
		time.Sleep(100 * time.Millisecond)
	}

	log.Printf("Encode proxy starting: %s (ID: %s)", s.config.Name, s.serverID)

	// Start mDNS advertisement if enabled
	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
		})

		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			log.Printf("mDNS advertisement started")
		}
	}

	// Set up HTTP handlers
	s.mux.HandleFunc("/encode", s.handleWebSocket)

	// Start HTTP server
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("WebSocket server listening on %s", addr)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	// Run server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for stop signal, TUI quit, or server error
	var serverErr error
	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	select {
	case <-s.stopChan:
		log.Printf("Server shutting down...")
	case <-tuiQuitChan:
		log.Printf("TUI quit requested, shutting down...")
	case err := <-errChan:
		log.Printf("HTTP server error: %v", err)
		serverErr = err
		// Fall through to cleanup
	}

	// Mark server as shutting down to reject new connections
	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	// Stop TUI first so it can display shutdown message
	if s.tui != nil {
		s.tui.Stop()
	}

	// Stop mDNS
	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.wg.Wait()
	log.Printf("Server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// SessionCount returns the number of live sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New WebSocket connection from %s", r.RemoteAddr)

	s.handleConnection(conn, r.RemoteAddr)
}

// handleConnection runs one encode session over a connection
func (s *Server) handleConnection(conn *websocket.Conn, remote string) {
	defer conn.Close()

	// Check if server is shutting down
	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		log.Printf("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	if s.config.Debug {
		log.Printf("[DEBUG] New connection, waiting for session hello")
	}

	// Wait for session/hello
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Printf("Error reading hello: %v", err)
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}

	if msg.Type != "session/hello" {
		log.Printf("Expected session/hello, got %s", msg.Type)
		s.sendError(conn, "bad_handshake", "first message must be session/hello")
		return
	}

	hello, err := decodePayload[protocol.SessionHello](msg.Payload)
	if err != nil {
		log.Printf("Error unmarshaling session hello: %v", err)
		s.sendError(conn, "bad_handshake", "malformed session hello")
		return
	}

	log.Printf("Session hello: %d Hz, %d ch, %s (client: %s)",
		hello.SampleRate, hello.Channels, hello.Application, hello.Name)

	session, err := s.openSession(conn, remote, hello)
	if err != nil {
		log.Printf("Session rejected: %v", err)
		s.sendError(conn, "encoder_create_failed", err.Error())
		return
	}

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, session.ID)
		s.sessionsMu.Unlock()
		session.Encoder.Close()
		log.Printf("Session closed: %s (%d frames)", session.ID, session.FramesEncoded())
		s.updateTUI()
	}()

	s.updateTUI()

	// Confirm the session and tell the client how to size its frames
	ready := protocol.SessionReady{
		SessionID:  session.ID,
		SampleRate: session.SampleRate,
		Channels:   session.Channels,
		FrameSize:  session.Encoder.FrameSize(),
		FrameBytes: session.Encoder.FrameBytes(),
	}
	if err := sendMessage(conn, "session/ready", ready); err != nil {
		log.Printf("Error sending session ready: %v", err)
		return
	}

	s.sessionLoop(session)
}

// openSession builds the encoder for a hello and registers the session
func (s *Server) openSession(conn *websocket.Conn, remote string, hello protocol.SessionHello) (*Session, error) {
	app, err := frameenc.ParseApplication(hello.Application)
	if err != nil {
		return nil, err
	}

	enc, err := frameenc.New(hello.SampleRate, hello.Channels, app)
	if err != nil {
		return nil, err
	}

	if hello.Bitrate > 0 {
		if err := enc.SetBitrate(hello.Bitrate); err != nil {
			enc.Close()
			return nil, fmt.Errorf("bitrate %d rejected: %w", hello.Bitrate, err)
		}
	}
	if hello.Complexity > 0 {
		if err := enc.SetComplexity(hello.Complexity); err != nil {
			enc.Close()
			return nil, fmt.Errorf("complexity %d rejected: %w", hello.Complexity, err)
		}
	}

	name := hello.Name
	if name == "" {
		name = remote
	}

	session := &Session{
		ID:          uuid.New().String(),
		Name:        name,
		Remote:      remote,
		Conn:        conn,
		Encoder:     enc,
		SampleRate:  hello.SampleRate,
		Channels:    hello.Channels,
		Application: hello.Application,
	}

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()

	return session, nil
}

// sessionLoop reads frames and control messages until the connection drops.
// Encoding happens inline so frames go through the encoder in arrival order;
// the engine's rate-control history depends on it.
func (s *Server) sessionLoop(session *Session) {
	out := make([]byte, frameenc.MaxPacketSize)

	for {
		msgType, data, err := session.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := s.handleFrame(session, data, out); err != nil {
				log.Printf("Frame error on %s: %v", session.ID, err)
				s.sendError(session.Conn, "encode_failed", err.Error())
			}
		case websocket.TextMessage:
			s.handleControlMessage(session, data)
		}
	}
}

// handleFrame encodes one PCM chunk and writes back the Opus chunk with the
// client's sequence number echoed
func (s *Server) handleFrame(session *Session, data []byte, out []byte) error {
	chunkType, seq, pcm, err := protocol.ParseFrameChunk(data)
	if err != nil {
		return err
	}
	if chunkType != protocol.PCMFrameMessageType {
		return fmt.Errorf("unexpected binary message type %d", chunkType)
	}

	n, err := session.Encoder.EncodeBytes(pcm, out)
	if err != nil {
		return err
	}

	session.mu.Lock()
	session.framesEncoded++
	frames := session.framesEncoded
	session.mu.Unlock()

	// Refresh the TUI occasionally, not per frame
	if frames%50 == 0 {
		s.updateTUI()
	}

	chunk := protocol.NewFrameChunk(protocol.OpusFrameMessageType, seq, out[:n])
	session.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return session.Conn.WriteMessage(websocket.BinaryMessage, chunk)
}

// handleControlMessage processes JSON messages after the handshake
func (s *Server) handleControlMessage(session *Session, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}

	switch msg.Type {
	case "session/tune":
		s.handleTune(session, msg.Payload)
	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// handleTune applies mid-stream bitrate/complexity changes. The new values
// take effect from the next frame; frame size is untouched.
func (s *Server) handleTune(session *Session, payload interface{}) {
	tune, err := decodePayload[protocol.SessionTune](payload)
	if err != nil {
		log.Printf("Error unmarshaling tune: %v", err)
		return
	}

	if tune.Bitrate > 0 {
		if err := session.Encoder.SetBitrate(tune.Bitrate); err != nil {
			log.Printf("Tune bitrate %d rejected on %s: %v", tune.Bitrate, session.ID, err)
			s.sendError(session.Conn, "tune_rejected", err.Error())
			return
		}
	}
	if tune.Complexity > 0 {
		if err := session.Encoder.SetComplexity(tune.Complexity); err != nil {
			log.Printf("Tune complexity %d rejected on %s: %v", tune.Complexity, session.ID, err)
			s.sendError(session.Conn, "tune_rejected", err.Error())
			return
		}
	}

	log.Printf("Session %s tuned: bitrate=%d complexity=%d", session.ID, tune.Bitrate, tune.Complexity)
}

// sendError sends a session/error message, best effort
func (s *Server) sendError(conn *websocket.Conn, code, message string) {
	if err := sendMessage(conn, "session/error", protocol.SessionError{
		Error:   code,
		Message: message,
	}); err != nil {
		log.Printf("Error sending session error: %v", err)
	}
}

// sendMessage writes a JSON control message to a connection
func sendMessage(conn *websocket.Conn, msgType string, payload interface{}) error {
	data, err := json.Marshal(protocol.Message{
		Type:    msgType,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// decodePayload re-marshals an envelope payload into a concrete type
func decodePayload[T any](payload interface{}) (T, error) {
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
