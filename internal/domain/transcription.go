package domain

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

type JobSource string

const (
	JobSourceIngest JobSource = "ingest"
	JobSourceMatch  JobSource = "match"
	JobSourceReview JobSource = "review"
)

// TranscriptionJob is one queued unit of transcription work. CallID is unique
// across the queue.
type TranscriptionJob struct {
	ID           string
	CallID       string
	RecordingURL string
	Priority     int
	Status       JobStatus
	Attempts     int
	LastError    string
	Source       JobSource
	ClaimedBy    string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// JobOutcome is what a worker reports after running a claimed job.
type JobOutcome struct {
	Success   bool
	Permanent bool
	Error     string
}

// QueueStats holds job counts per status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// QueueMessage is the wake-up signal sent to queue backends when a job
// becomes claimable. The durable row in the transcription queue stays the
// source of truth.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	CallID      string    `json:"call_id"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
