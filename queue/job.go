package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Mode selects how a job's prompt is executed.
type Mode string

const (
	ModeChat    Mode = "chat"
	ModeSwarm   Mode = "swarm"
	ModeProject Mode = "project"
)

// Status represents the current state of a job.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusRetrying
	StatusPaused
	StatusCompleted
	StatusDeadLetter
	StatusCancelled
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusRetrying:
		return "retrying"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusDeadLetter:
		return "dead-letter"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Request is a validated enqueue submission.
type Request struct {
	SessionID      string `json:"session_id" validate:"required"`
	Prompt         string `json:"prompt" validate:"required"`
	Mode           Mode   `json:"mode" validate:"required,oneof=chat swarm project"`
	Priority       int    `json:"priority" validate:"gte=0,lte=100"`
	MaxRetries     *int   `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	PreferredAgent string `json:"preferred_agent,omitempty"`
}

var validate = validator.New()

// Validate rejects malformed requests before they enter the queue.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid enqueue request: %w", err)
	}
	return nil
}

// Fingerprint derives the duplicate-suppression key for a submission.
// Fields are length-prefixed so boundaries cannot collide.
func Fingerprint(sessionID, prompt string, mode Mode, idempotencyKey string) string {
	h := sha256.New()
	for _, field := range []string{sessionID, prompt, string(mode), idempotencyKey} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Job is one schedulable unit of orchestration work.
type Job struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Fingerprint    string     `json:"fingerprint"`
	Prompt         string     `json:"prompt"`
	Mode           Mode       `json:"mode"`
	Priority       int        `json:"priority"`
	MaxRetries     int        `json:"max_retries"`
	Attempts       int        `json:"attempts"`
	Status         Status     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	PreferredAgent string     `json:"preferred_agent,omitempty"`
	PauseReason    string     `json:"pause_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`

	// seq orders jobs FIFO within a priority level. It is reassigned on
	// every requeue and never persisted.
	seq uint64
	// epoch identifies the current dispatch attempt. A slowly unwinding
	// attempt from an earlier epoch must not touch the job; its outcome
	// is discarded on epoch mismatch.
	epoch uint64
}

// newJob materializes a job from a validated request.
func newJob(req *Request, defaultMaxRetries int) *Job {
	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	return &Job{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		Fingerprint:    Fingerprint(req.SessionID, req.Prompt, req.Mode, req.IdempotencyKey),
		Prompt:         req.Prompt,
		Mode:           req.Mode,
		Priority:       req.Priority,
		MaxRetries:     maxRetries,
		Status:         StatusQueued,
		IdempotencyKey: req.IdempotencyKey,
		PreferredAgent: req.PreferredAgent,
		CreatedAt:      time.Now(),
	}
}
