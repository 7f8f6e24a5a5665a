package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ent0n29/visionagent/internal/edge"
)

var (
	ErrNotFound       = errors.New("join job not found")
	ErrClosed         = errors.New("dispatcher is shutting down")
	ErrInvalidRequest = errors.New("invalid join request")
)

const maxIdentifierLength = 255

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9@_-]+$`)

// JoinRequest asks for one agent to join one call.
type JoinRequest struct {
	CallID       string `json:"call_id"`
	CallType     string `json:"call_type"`
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	Instructions string `json:"instructions"`
}

// Defaults fill the optional JoinRequest fields.
type Defaults struct {
	CallType     string
	AgentName    string
	Instructions string
}

// CID is the edge call identifier the request targets.
func (r JoinRequest) CID() string {
	return edge.CID(r.CallType, r.CallID)
}

// Normalize fills empty optional fields from d. Identifiers are left as sent.
func (r JoinRequest) Normalize(d Defaults) JoinRequest {
	r.AgentName = strings.TrimSpace(r.AgentName)
	r.Instructions = strings.TrimSpace(r.Instructions)
	if r.CallType == "" {
		r.CallType = d.CallType
	}
	if r.AgentName == "" {
		r.AgentName = d.AgentName
	}
	if r.Instructions == "" {
		r.Instructions = d.Instructions
	}
	return r
}

// ValidationError names the offending field. It matches ErrInvalidRequest.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Validate checks required fields. Identifiers must be safe to use as edge
// user and call ids.
func (r JoinRequest) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"call_id", r.CallID},
		{"call_type", r.CallType},
		{"agent_id", r.AgentID},
	}
	for _, f := range fields {
		if f.value == "" {
			return &ValidationError{Field: f.name, Reason: "is required"}
		}
		if len(f.value) > maxIdentifierLength {
			return &ValidationError{Field: f.name, Reason: fmt.Sprintf("must be at most %d characters", maxIdentifierLength)}
		}
		if !identifierPattern.MatchString(f.value) {
			return &ValidationError{Field: f.name, Reason: "may only contain letters, digits, '@', '_' and '-'"}
		}
	}
	return nil
}

// Stage is where a join job currently is.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageConstructing Stage = "constructing"
	StageJoining      Stage = "joining"
	StageGreeting     Stage = "greeting"
	StageActive       Stage = "active"
	StageFinished     Stage = "finished"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

func (s Stage) Terminal() bool {
	return s == StageFinished || s == StageFailed || s == StageCancelled
}

// Job is a snapshot of one background join.
type Job struct {
	ID          string      `json:"job_id"`
	Request     JoinRequest `json:"request"`
	CallCID     string      `json:"call_cid"`
	Stage       Stage       `json:"stage"`
	Error       string      `json:"error,omitempty"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// Event reports a job stage transition.
type Event struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	CallCID string    `json:"call_cid"`
	AgentID string    `json:"agent_id"`
	Stage   Stage     `json:"stage"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

const EventTypeStage = "join.stage"
