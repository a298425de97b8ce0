// Package process tracks the lifecycle of one queue message while the
// consumer works on it.
package process

import "time"

// JobStatus represents the lifecycle state of a message job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed jobs are left on the queue for redelivery.
	JobStatusFailed JobStatus = "failed"
	// JobStatusDropped jobs failed in a way redelivery cannot fix. The
	// message is deleted.
	JobStatusDropped JobStatus = "dropped"
)

// Job captures what the consumer needs to log and account for one message.
type Job struct {
	MessageID    string
	ReceiveCount int
	Status       JobStatus
	Error        string
	Records      int
	Skipped      int
	StartedAt    time.Time
	Duration     time.Duration
}

func NewJob(messageID string, receiveCount int) *Job {
	return &Job{
		MessageID:    messageID,
		ReceiveCount: receiveCount,
		Status:       JobStatusPending,
	}
}

func MarkRunning(j *Job, now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = now
}

func MarkSucceeded(j *Job, now time.Time) {
	j.Status = JobStatusSucceeded
	j.Duration = now.Sub(j.StartedAt)
}

// MarkFailed records err. terminal selects dropped over failed.
func MarkFailed(j *Job, err error, terminal bool, now time.Time) {
	j.Status = JobStatusFailed
	if terminal {
		j.Status = JobStatusDropped
	}
	if err != nil {
		j.Error = err.Error()
	}
	j.Duration = now.Sub(j.StartedAt)
}

// Done reports whether the message should be deleted.
func (j *Job) Done() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusDropped
}
