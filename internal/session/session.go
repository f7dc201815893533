// Package session holds the authoritative co-browsing session record and
// its legal status transitions. There is no explicit idle status: the
// absence of a session represents it.
package session

import (
	"errors"
	"sync"
	"time"
)

// Mode selects how the turn loop treats actions.
type Mode string

const (
	// ModeAct executes each action locally via synthetic input.
	ModeAct Mode = "act"
	// ModeGuide highlights each action for a human to perform manually.
	ModeGuide Mode = "guide"
)

// Valid reports whether the mode is one of the two known modes.
func (m Mode) Valid() bool { return m == ModeAct || m == ModeGuide }

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ErrSessionActive is returned when creation is attempted while an active
// session exists.
var ErrSessionActive = errors.New("session already active")

// ErrNoSession is returned by transitions when no session exists.
var ErrNoSession = errors.New("no session")

// Session is the record for one co-browsing run. ThreadID is assigned by
// the remote service on start and immutable afterwards.
type Session struct {
	ThreadID        string
	Prompt          string
	Mode            Mode
	Status          Status
	ActionsExecuted int
	StartTime       time.Time
	PausedAt        *time.Time
	Err             string
}

// Duration is the wall time since the session started.
func (s *Session) Duration(now time.Time) time.Duration {
	if s == nil || s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Manager owns the single session slot and serializes all transitions.
type Manager struct {
	mu  sync.Mutex
	cur *Session
}

// NewManager returns a manager with no session.
func NewManager() *Manager { return &Manager{} }

// Create installs a new active session. It fails only when an *active*
// session exists; a paused, stopped, completed or errored session is
// superseded. (The lenient paused case is intentional-as-observed; see
// DESIGN.md.)
func (m *Manager) Create(prompt string, mode Mode, startTime time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.Status == StatusActive {
		return nil, ErrSessionActive
	}
	m.cur = &Session{
		Prompt:    prompt,
		Mode:      mode,
		Status:    StatusActive,
		StartTime: startTime,
	}
	return m.cur, nil
}

// Current returns a copy of the session, or nil when none exists.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	cp := *m.cur
	return &cp
}

// Status returns the current status, or "" when no session exists.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.Status
}

// SetThreadID records the service-assigned thread id. It is write-once.
func (m *Manager) SetThreadID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ErrNoSession
	}
	if m.cur.ThreadID != "" {
		return errors.New("threadId already set")
	}
	m.cur.ThreadID = id
	return nil
}

// IncrementActions bumps the executed-action counter. Only act-mode turns
// call this; the counter never decreases.
func (m *Manager) IncrementActions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.ActionsExecuted++
	}
}

// Pause moves active → paused. Any other status is a no-op.
func (m *Manager) Pause(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.Status != StatusActive {
		return false
	}
	m.cur.Status = StatusPaused
	m.cur.PausedAt = &now
	return true
}

// Resume moves paused → active. Any other status is a no-op.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.Status != StatusPaused {
		return false
	}
	m.cur.Status = StatusActive
	m.cur.PausedAt = nil
	return true
}

// Stop is an unconditional transition to stopped.
func (m *Manager) Stop() error {
	return m.setStatus(StatusStopped, "")
}

// Complete is an unconditional transition to completed.
func (m *Manager) Complete() error {
	return m.setStatus(StatusCompleted, "")
}

// Fail is an unconditional transition to error, recording the message.
func (m *Manager) Fail(msg string) error {
	return m.setStatus(StatusError, msg)
}

// Clear discards the session record.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = nil
}

func (m *Manager) setStatus(st Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ErrNoSession
	}
	m.cur.Status = st
	if errMsg != "" {
		m.cur.Err = errMsg
	}
	return nil
}
