// Package syncjob tracks background catalog synchronizations so the API can
// answer 202 immediately and report progress later.
package syncjob

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("sync job not found")

// Result counts what a sync inserted.
type Result struct {
	Attributes      int `json:"attributes"`
	AttributeValues int `json:"attributeValues"`
	Metrics         int `json:"metrics"`
	Skipped         int `json:"skipped"`
}

func (r Result) Total() int { return r.Attributes + r.AttributeValues + r.Metrics }

type Job struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	PIDID      string     `json:"pidId"`
	ProjectID  string     `json:"projectId"`
	Status     Status     `json:"status"`
	Result     Result     `json:"result"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (j Job) Done() bool { return j.Status == StatusSucceeded || j.Status == StatusFailed }

type Store interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
}
