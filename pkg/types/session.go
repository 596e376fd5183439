package types

import (
	"errors"
	"maps"
	"time"
)

// SessionStatus represents the current state of a workflow session.
type SessionStatus string

const (
	SessionStatusStarted   SessionStatus = "started"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is completed, failed or cancelled.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// ErrTerminalSession is returned when an update would move a session out of a terminal status.
var ErrTerminalSession = errors.New("session is in a terminal status")

// WorkflowSession is one execution of a workflow definition against one agent.
type WorkflowSession struct {
	SessionID       string         `json:"session_id" validate:"required"`
	WorkflowID      string         `json:"workflow_id" validate:"required"`
	AgentID         string         `json:"agent_id" validate:"required"`
	Status          SessionStatus  `json:"status" validate:"required,oneof=started running paused completed failed cancelled"`
	StartTime       time.Time      `json:"start_time" validate:"required"`
	LastUpdatedTime time.Time      `json:"last_updated_time" validate:"required"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *WorkflowSession) Clone() *WorkflowSession {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	c.Result = maps.Clone(s.Result)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// SessionUpdate is a partial update to a WorkflowSession. Nil fields are left unchanged.
type SessionUpdate struct {
	Status   *SessionStatus `json:"status,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    *string        `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	EndTime  *time.Time     `json:"end_time,omitempty"`

	// MarkEnded stamps EndTime with the update time if the session has none yet.
	MarkEnded bool `json:"-"`
}

// IsEmpty reports whether the update sets nothing.
func (u *SessionUpdate) IsEmpty() bool {
	return u == nil || (u.Status == nil && u.Result == nil && u.Error == nil &&
		u.Metadata == nil && u.EndTime == nil && !u.MarkEnded)
}

// Apply merges u into s and stamps LastUpdatedTime with now. Metadata keys are merged;
// every other field is replaced. A terminal session may only be re-marked with its
// own status.
func (s *WorkflowSession) Apply(u *SessionUpdate, now time.Time) error {
	if u.Status != nil && s.Status.IsTerminal() && *u.Status != s.Status {
		return ErrTerminalSession
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Result != nil {
		s.Result = maps.Clone(u.Result)
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	if u.Metadata != nil {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(s.Metadata, u.Metadata)
	}
	if u.EndTime != nil {
		t := u.EndTime.UTC()
		s.EndTime = &t
	} else if u.MarkEnded && s.EndTime == nil {
		t := now
		s.EndTime = &t
	}
	s.LastUpdatedTime = now
	return nil
}

// StatusPtr returns a pointer to status, for building a SessionUpdate.
func StatusPtr(status SessionStatus) *SessionStatus {
	return &status
}
