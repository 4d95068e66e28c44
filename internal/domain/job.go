package domain

import (
	"encoding/json"
	"time"
)

type State string

const (
	Pending   State = "pending"
	Active    State = "active"
	Completed State = "completed"
	Dead      State = "dead"

	// Failed only appears in events: an attempt failed and the job went
	// back to Pending with a backoff delay.
	Failed State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == Completed || s == Dead }

// maxFailureTrail bounds the audit trail kept on every job.
const maxFailureTrail = 20

type Job struct {
	ID             string
	EventType      EventType
	BusinessKey    string
	IdempotencyKey string
	Payload        Payload
	Attempts       int
	MaxAttempts    int
	State          State
	NextRunAt      time.Time
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	LastError      string
	Owner          string
	LeaseID        string
	HeartbeatAt    *time.Time
	Failures       []Failure
}

// Failure is one entry of a job's audit trail.
type Failure struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
}

// RecordFailure appends to the audit trail, dropping the oldest entries
// beyond the bound.
func (j *Job) RecordFailure(f Failure) {
	j.Failures = append(j.Failures, f)
	if n := len(j.Failures); n > maxFailureTrail {
		j.Failures = append([]Failure(nil), j.Failures[n-maxFailureTrail:]...)
	}
}

// Clone returns a deep copy so store implementations never share mutable
// state with callers.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = j.Payload.Clone()
	c.Failures = append([]Failure(nil), j.Failures...)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.HeartbeatAt = cloneTime(j.HeartbeatAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Payload is everything a worker needs to render and send a notification.
// The queue only reads it to fingerprint content and to key the recipient
// limiter.
type Payload struct {
	Recipient   string            `json:"recipient"`
	Locale      string            `json:"locale,omitempty"`
	Entity      map[string]string `json:"entity,omitempty"`
	Data        map[string]any    `json:"data,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
}

func (p Payload) Clone() Payload {
	c := p
	if p.Entity != nil {
		c.Entity = make(map[string]string, len(p.Entity))
		for k, v := range p.Entity {
			c.Entity[k] = v
		}
	}
	if p.Data != nil {
		// Data only ever holds JSON values, a round trip is a faithful copy.
		b, err := json.Marshal(p.Data)
		if err == nil {
			var d map[string]any
			if json.Unmarshal(b, &d) == nil {
				c.Data = d
			}
		}
	}
	c.Attachments = append([]string(nil), p.Attachments...)
	return c
}

// Stats is the operator-facing snapshot of the queue.
type Stats struct {
	Counts        map[State]int64 `json:"counts"`
	Depth         int64           `json:"depth"`
	Due           int64           `json:"due"`
	OldestPending *time.Time      `json:"oldest_pending,omitempty"`
}
