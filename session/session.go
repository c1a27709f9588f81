// Package session opens, feeds and closes experiment sessions on the server.
package session

import "sync"

// Session is a server-tracked run of one experiment by one participant.
// It is created by Client.Open and is no longer live once closed.
type Session struct {
	token string

	mu     sync.Mutex
	closed bool
}

// New returns a live session for token. Client.Open is the usual constructor.
func New(token string) *Session {
	return &Session{token: token}
}

// Token returns the opaque session token.
func (s *Session) Token() string {
	if s == nil {
		return ""
	}
	return s.token
}

// Live reports whether the session can still be used for uploads and closes.
func (s *Session) Live() bool {
	if s == nil || s.token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// claim marks the session closed and reports whether it was live before.
func (s *Session) claim() bool {
	if s == nil || s.token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
