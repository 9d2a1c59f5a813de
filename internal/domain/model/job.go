package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one schedulable unit of work tied to exactly one session and phase.
// Created by the state machine when a phase is entered; mutated only by the
// scheduler; retained after completion for audit.
type Job struct {
	ID             string
	SessionID      string
	Phase          Phase
	Status         JobStatus
	IdempotencyKey string
	Input          []byte // phase input snapshot
	Result         string // artifact reference on success
	Attempts       int
	MaxAttempts    int
	LastErrorKind  string
	LastError      string
	WorkerID       string
	LeaseExpiresAt time.Time
	ScheduledAt    time.Time // earliest eligible claim time (backoff delay lives here)
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewJob builds a pending job for one phase of a session. Job ids are ULIDs
// so that lexical order matches creation order.
func NewJob(sessionID string, phase Phase, input []byte, maxAttempts int) *Job {
	now := time.Now()
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Job{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		SessionID:      sessionID,
		Phase:          phase,
		Status:         JobStatusPending,
		IdempotencyKey: IdempotencyKey(sessionID, phase, input),
		Input:          input,
		MaxAttempts:    maxAttempts,
		ScheduledAt:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IdempotencyKey derives the deterministic key enforcing at-most-one-in-flight
// per (session, phase, input snapshot).
func IdempotencyKey(sessionID string, phase Phase, input []byte) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(phase))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// RetriesLeft reports whether another attempt may be scheduled.
func (j *Job) RetriesLeft() bool {
	return j.Attempts < j.MaxAttempts
}
