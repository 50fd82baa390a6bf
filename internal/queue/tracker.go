package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// JobStatus represents where a job is in its lifecycle.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobRecord is the retained view of a job for status endpoints.
type JobRecord struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker keeps job records with bounded retention: completed and failed
// records expire after their retention window, in-flight records do not.
type Tracker struct {
	mu                 sync.Mutex
	records            *cache.Cache
	completedRetention time.Duration
	failedRetention    time.Duration
}

// NewTracker returns a tracker with the given retention windows.
func NewTracker(completedRetention, failedRetention time.Duration) *Tracker {
	if completedRetention <= 0 {
		completedRetention = time.Hour
	}
	if failedRetention <= 0 {
		failedRetention = 24 * time.Hour
	}
	return &Tracker{
		records:            cache.New(cache.NoExpiration, 10*time.Minute),
		completedRetention: completedRetention,
		failedRetention:    failedRetention,
	}
}

// Track records the current state of job.
func (t *Tracker) Track(job *Job, status JobStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	rec := JobRecord{
		ID:        job.ID,
		Queue:     job.Queue,
		Name:      job.Name,
		Status:    status,
		Attempts:  job.Attempt,
		CreatedAt: job.EnqueuedAt,
		UpdatedAt: now,
	}
	if status == JobStatusActive || status == JobStatusCompleted || status == JobStatusFailed {
		rec.Attempts = job.Attempt + 1
	}
	if err != nil {
		rec.LastError = err.Error()
	} else if prev, ok := t.records.Get(job.ID); ok {
		rec.LastError = prev.(JobRecord).LastError
	}

	ttl := cache.NoExpiration
	switch status {
	case JobStatusCompleted:
		ttl = t.completedRetention
	case JobStatusFailed:
		ttl = t.failedRetention
	}
	t.records.Set(job.ID, rec, ttl)
}

// Get returns the retained record of a job.
func (t *Tracker) Get(id string) (JobRecord, bool) {
	v, ok := t.records.Get(id)
	if !ok {
		return JobRecord{}, false
	}
	return v.(JobRecord), true
}

// Counts returns the number of retained records per queue and status.
func (t *Tracker) Counts() map[string]map[JobStatus]int {
	out := make(map[string]map[JobStatus]int)
	for _, item := range t.records.Items() {
		rec := item.Object.(JobRecord)
		if out[rec.Queue] == nil {
			out[rec.Queue] = make(map[JobStatus]int)
		}
		out[rec.Queue][rec.Status]++
	}
	return out
}

// InFlight returns the number of jobs on queue that are pending, active or waiting for a retry.
func (t *Tracker) InFlight(queue string) int {
	n := 0
	for _, item := range t.records.Items() {
		rec := item.Object.(JobRecord)
		if rec.Queue != queue {
			continue
		}
		switch rec.Status {
		case JobStatusPending, JobStatusActive, JobStatusRetrying:
			n++
		}
	}
	return n
}

// List returns up to limit records, newest first, filtered by queue and status when set.
func (t *Tracker) List(queue string, status JobStatus, limit int) []JobRecord {
	if limit <= 0 {
		limit = 50
	}
	out := make([]JobRecord, 0)
	for _, item := range t.records.Items() {
		rec := item.Object.(JobRecord)
		if queue != "" && rec.Queue != queue {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
