// Package queue is the durable SQLite-backed job queue behind the
// analysis pipeline. Jobs are delivered at least once; handlers are
// expected to be idempotent, and enqueue-time dedup keys collapse
// duplicate work within a day.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Job kinds.
const (
	KindDailyTrigger  = "daily-analysis-trigger"
	KindAnalyzeGarden = "analyze-garden"
	KindAnalyzeZone   = "analyze-zone"
)

// Job statuses.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one durable unit of work.
type Job struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	DedupKey  string
	Status    Status
	Attempts  int
	LastError string
	RunAfter  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerPayload is the payload for a daily trigger job.
type TriggerPayload struct {
	Date string `json:"date"` // YYYY-MM-DD
}

// GardenPayload is the payload for a per-garden fan-out job.
type GardenPayload struct {
	GardenID string `json:"gardenId"`
	UserID   string `json:"userId"`
	Date     string `json:"date"`
}

// ZonePayload is the payload for a per-zone analysis job.
type ZonePayload struct {
	GardenID string `json:"gardenId"`
	UserID   string `json:"userId"`
	ZoneID   string `json:"zoneId"`
	Date     string `json:"date"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as non-retryable: the job is failed
// immediately instead of being rescheduled. Used for errors that cannot
// succeed on retry, like schema violations or missing entities.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
