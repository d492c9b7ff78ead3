// Package session holds the local client state shared by the file and
// rendezvous components: the local user's identity and the registry of
// posted files.
//
// Access is scoped. Callers acquire the state through Use or View, query or
// mutate it, and release it on return. The state is never held across a
// network wait.
//
//	s := session.New(session.NewUser("alice"))
//	err := s.Use(func(st *session.State) error {
//	    st.User.Metadata = map[string]string{"client": "tcpchat"}
//	    return nil
//	})
package session

import (
	"errors"
	"sync"

	"github.com/DepengLiu/TCPChat/file"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Use after Close.
var ErrClosed = errors.New("session closed")

// State is the mutable part of a session.
type State struct {
	User User
}

// Session is an explicit handle to the local client state.
type Session struct {
	mu     sync.RWMutex
	state  State
	files  *file.Registry
	closed bool
}

// New creates a session for user with an empty file registry.
func New(user User) *Session {
	logrus.WithFields(logrus.Fields{
		"function": "New",
		"nick":     user.Nick,
	}).Info("Creating session")

	return &Session{
		state: State{User: user.Clone()},
		files: file.NewRegistry(),
	}
}

// Use runs fn with exclusive access to the state. A validation failure of
// the resulting user rolls the change back.
func (s *Session) Use(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	next := State{User: s.state.User.Clone()}
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.User.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Use",
			"nick":     next.User.Nick,
			"error":    err.Error(),
		}).Warn("Rejected session update")
		return err
	}
	s.state = next
	return nil
}

// View runs fn with shared read access to a copy of the state.
func (s *Session) View(fn func(State)) {
	s.mu.RLock()
	st := State{User: s.state.User.Clone()}
	s.mu.RUnlock()
	fn(st)
}

// LocalUser returns a copy of the local user's identity.
func (s *Session) LocalUser() User {
	var u User
	s.View(func(st State) { u = st.User })
	return u
}

// Files returns the registry of files posted by the local user.
func (s *Session) Files() *file.Registry {
	return s.files
}

// Close withdraws every posted file and rejects further updates.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Closing session")

	return s.files.Close()
}
