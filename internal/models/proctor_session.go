package models

import (
	"time"

	"github.com/google/uuid"
)

// Proctor session status values.
const (
	SessionStatusActive    = "active"
	SessionStatusSubmitted = "submitted"
)

// ProctorSession is the authoritative record of one candidate's proctored
// exam attempt. Rows are created by the exam application before the
// candidate starts streaming; the relay consults them for admission.
type ProctorSession struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	CandidateID  uuid.UUID  `json:"candidate_id"`
	Status       string     `json:"status"`
	PeakWatchers int        `json:"peak_watchers"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
