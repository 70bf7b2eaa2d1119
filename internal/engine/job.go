package engine

import (
	"fmt"
	"sync"
	"time"
)

// JobStatus is the lifecycle state of one event job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobError      JobStatus = "error"
)

// AngleStatus is the pipeline state of one camera angle within a job.
type AngleStatus string

const (
	AnglePending      AngleStatus = "pending"
	AngleExtracting   AngleStatus = "extracting"
	AngleCheckingRes  AngleStatus = "checking_resolution"
	AngleCompressing  AngleStatus = "compressing"
	AngleSkippingComp AngleStatus = "skipping_compression"
	AngleUploading    AngleStatus = "uploading"
	AngleComplete     AngleStatus = "complete"
	AngleError        AngleStatus = "error"
)

// Job is one schedulable unit: a time window cut from every configured
// camera angle of one event. Status fields are written only by the job's
// own goroutines; external readers get copies via Snapshot.
type Job struct {
	EventDate   string // "MM-DD"
	Sequence    int
	WindowStart string // "HH:MM:SS"
	WindowEnd   string
	Angles      map[string]string // angle id -> source path

	mu          sync.Mutex
	status      JobStatus
	angleStatus map[string]AngleStatus
	errMessage  string
}

// NewJob validates the descriptor and returns a pending job.
func NewJob(eventDate string, sequence int, windowStart, windowEnd string, angles map[string]string) (*Job, error) {
	if eventDate == "" {
		return nil, &ValidationError{Field: "eventDate", Reason: "must not be empty"}
	}
	if _, err := time.Parse("01-02", eventDate); err != nil {
		return nil, &ValidationError{Field: "eventDate", Reason: "must be MM-DD"}
	}
	if sequence < 1 {
		return nil, &ValidationError{Field: "sequence", Reason: "must be >= 1"}
	}
	for name, v := range map[string]string{"windowStart": windowStart, "windowEnd": windowEnd} {
		if _, err := time.Parse("15:04:05", v); err != nil {
			return nil, &ValidationError{Field: name, Reason: "must be HH:MM:SS"}
		}
	}
	if len(angles) == 0 {
		return nil, &ValidationError{Field: "angles", Reason: "at least one angle is required"}
	}
	for angleID, src := range angles {
		if angleID == "" || src == "" {
			return nil, &ValidationError{Field: "angles", Reason: "angle id and source path must not be empty"}
		}
	}

	angleStatus := make(map[string]AngleStatus, len(angles))
	for angleID := range angles {
		angleStatus[angleID] = AnglePending
	}

	return &Job{
		EventDate:   eventDate,
		Sequence:    sequence,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Angles:      angles,
		status:      JobPending,
		angleStatus: angleStatus,
	}, nil
}

// ID returns the job identifier, e.g. "10-02_event1".
func (j *Job) ID() string {
	return fmt.Sprintf("%s_event%d", j.EventDate, j.Sequence)
}

// KeyPrefix returns the destination key prefix, e.g. "10-02/Event-1".
func (j *Job) KeyPrefix() string {
	return fmt.Sprintf("%s/Event-%d", j.EventDate, j.Sequence)
}

func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) setError(msg string) {
	j.mu.Lock()
	j.status = JobError
	j.errMessage = msg
	j.mu.Unlock()
}

// setAngleStatus records a transition for one angle. Each angle goroutine
// writes only its own entry.
func (j *Job) setAngleStatus(angleID string, s AngleStatus) {
	j.mu.Lock()
	j.angleStatus[angleID] = s
	j.mu.Unlock()
}

// Status returns the current job status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// JobSnapshot is a read-only copy of a job's state for external readers.
type JobSnapshot struct {
	ID           string                 `json:"job_id"`
	EventDate    string                 `json:"event_date"`
	Sequence     int                    `json:"sequence"`
	WindowStart  string                 `json:"window_start"`
	WindowEnd    string                 `json:"window_end"`
	Status       JobStatus              `json:"status"`
	AngleStatus  map[string]AngleStatus `json:"angle_status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// Snapshot copies the job's state. Safe to call from any goroutine.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	angles := make(map[string]AngleStatus, len(j.angleStatus))
	for k, v := range j.angleStatus {
		angles[k] = v
	}
	return JobSnapshot{
		ID:           j.ID(),
		EventDate:    j.EventDate,
		Sequence:     j.Sequence,
		WindowStart:  j.WindowStart,
		WindowEnd:    j.WindowEnd,
		Status:       j.status,
		AngleStatus:  angles,
		ErrorMessage: j.errMessage,
	}
}
