// Package cron runs persisted jobs on every/cron/at schedules by handing
// them to the dispatcher as synthetic messages.
package cron

import (
	"errors"
	"time"

	"github.com/cyph3rasi/kyber/core/schedule"
)

// Service errors.
var (
	ErrJobNotFound = errors.New("cron job not found")
	ErrJobDisabled = errors.New("cron job is disabled")
	ErrJobRunning  = errors.New("cron job is already running")
	ErrInvalidJob  = errors.New("invalid cron job")
)

// Run statuses recorded in job state and history.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Payload is what a job does when it fires.
type Payload struct {
	Message string `json:"message" yaml:"message"`
	Deliver bool   `json:"deliver" yaml:"deliver"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	To      string `json:"to,omitempty" yaml:"to,omitempty"`
	// SessionKey pins the conversation the job runs in.
	SessionKey string `json:"sessionKey,omitempty" yaml:"sessionKey,omitempty"`
}

// State is computed by the service and never written by clients.
type State struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs" yaml:"nextRunAtMs"`
	LastRunAtMs       *int64 `json:"lastRunAtMs" yaml:"lastRunAtMs"`
	LastStatus        string `json:"lastStatus,omitempty" yaml:"lastStatus,omitempty"`
	LastError         string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	LastDeliveryError string `json:"lastDeliveryError,omitempty" yaml:"lastDeliveryError,omitempty"`
	LastTaskRef       string `json:"lastTaskRef,omitempty" yaml:"lastTaskRef,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs,omitempty" yaml:"lastDurationMs,omitempty"`
}

// Job is a persisted scheduled instruction.
type Job struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Schedule       schedule.Spec `json:"schedule" yaml:"schedule"`
	Payload        Payload       `json:"payload" yaml:"payload"`
	State          State         `json:"state" yaml:"state"`
	DeleteAfterRun bool          `json:"deleteAfterRun" yaml:"deleteAfterRun"`
	CreatedAtMs    int64         `json:"createdAtMs" yaml:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs" yaml:"updatedAtMs"`
}

// JobInput is the client-writable part of a job.
type JobInput struct {
	Name           string        `json:"name"`
	Enabled        *bool         `json:"enabled,omitempty"`
	Schedule       schedule.Spec `json:"schedule"`
	Payload        Payload       `json:"payload"`
	DeleteAfterRun bool          `json:"deleteAfterRun"`
}

// HistoryEntry records one execution, or one skipped slot, of a job.
type HistoryEntry struct {
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	JobID         string    `json:"jobId" yaml:"jobId"`
	Status        string    `json:"status" yaml:"status"`
	Duration      string    `json:"duration,omitempty" yaml:"duration,omitempty"`
	TaskRef       string    `json:"taskRef,omitempty" yaml:"taskRef,omitempty"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	DeliveryError string    `json:"deliveryError,omitempty" yaml:"deliveryError,omitempty"`
}
