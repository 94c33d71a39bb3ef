// Package rotation implements cron-driven rotation scheduling (spec §4.8):
// computing each schedule's next_at, dispatching due schedules through a
// two-phase rotate/rollback, and recording history. Grounded on
// pkg/roster/scheduler.go's forward-schedule-generation shape and
// pkg/escalation/engine.go's tick-loop dispatch, generalized from
// weeks/alerts to cron-driven rotation jobs.
package rotation

import (
	"time"

	"github.com/google/uuid"
)

// Status is a RotationHistory row's lifecycle state (spec §3 RotationSchedule,
// §4.8 two-phase commit/rollback).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Schedule is a cron-driven rotation job (spec §3 RotationSchedule).
type Schedule struct {
	ID           uuid.UUID
	RotationType string `validate:"required"` // e.g. "secret", "approle_secret_id", "cert"
	Target       string `validate:"required"`  // secret path, agent id, or other target identifier
	Cron         string `validate:"required"`
	GracePeriod  time.Duration
	Enabled      bool
	NextAt       time.Time
	LastAt       *time.Time
	LastStatus   Status
	Count        int
}

// History is one dispatch attempt of a Schedule (spec §4.8 RotationHistory).
type History struct {
	ID          uuid.UUID
	ScheduleID  uuid.UUID
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      Status
	OldVersion  *int
	NewVersion  *int
	DurationMS  int64
	Error       string
}
