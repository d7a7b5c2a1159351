// ABOUTME: TUI update helpers for server
// ABOUTME: Functions to send session state updates to TUI
package server

import "fmt"

// updateTUI sends current session state to TUI
func (s *Server) updateTUI() {
	if s.tui == nil {
		return
	}

	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	// Build session list
	sessions := make([]SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		channels := "mono"
		if session.Channels == 2 {
			channels = "stereo"
		}

		sessions = append(sessions, SessionInfo{
			ID:     session.ID,
			Name:   session.Name,
			Config: fmt.Sprintf("%d Hz %s %s", session.SampleRate, channels, session.Application),
			Frames: session.FramesEncoded(),
		})
	}

	// Send update
	s.tui.Update(ServerStatus{
		Name:     s.config.Name,
		Port:     s.config.Port,
		Sessions: sessions,
	})
}
