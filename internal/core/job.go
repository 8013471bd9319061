package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobNone      JobState = "no_job"
	JobUploading JobState = "uploading"
	JobReady     JobState = "ready"
	JobPrinting  JobState = "printing"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobCanceled  JobState = "canceled"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobCanceled || s == JobFailed
}

// Active reports whether a disconnect should fail the job.
func (s JobState) Active() bool {
	return s == JobUploading || s == JobReady || s == JobPrinting || s == JobPaused
}

type PrintJob struct {
	ID         string     `json:"id,omitempty"`
	PrinterID  PrinterID  `json:"printer_id"`
	Filename   string     `json:"filename,omitempty"`
	State      JobState   `json:"state"`
	Size       int64      `json:"size,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// transition identifies an in-flight state change so that its outcome is
// only applied to the job and state it started from.
type transition struct {
	jobID string
	from  JobState
	to    JobState
}

// jobMachine linearizes job state changes for one printer. At most one
// transition is pending at a time.
type jobMachine struct {
	mu       sync.Mutex
	job      PrintJob
	pending  *transition
	now      func() time.Time
	onChange func(PrintJob)
}

func newJobMachine(id PrinterID, onChange func(PrintJob)) *jobMachine {
	return &jobMachine{
		job:      PrintJob{PrinterID: id, State: JobNone},
		now:      time.Now,
		onChange: onChange,
	}
}

func (m *jobMachine) Snapshot() PrintJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job
}

func (m *jobMachine) State() JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job.State
}

func (m *jobMachine) emit(job PrintJob) {
	if m.onChange != nil {
		m.onChange(job)
	}
}

// beginUpload starts a new job. The previous job must be absent, ready or
// finished; a ready job that was never started is replaced.
func (m *jobMachine) beginUpload(filename string, size int64) (transition, PrintJob, error) {
	m.mu.Lock()

	if m.pending != nil {
		m.mu.Unlock()
		return transition{}, PrintJob{}, fmt.Errorf("%w: %s in progress", ErrInvalidTransition, m.pending.to)
	}
	switch m.job.State {
	case JobNone, JobReady, JobCompleted, JobCanceled, JobFailed:
	default:
		state := m.job.State
		m.mu.Unlock()
		return transition{}, PrintJob{}, fmt.Errorf("%w: cannot upload while %s", ErrInvalidTransition, state)
	}

	now := m.now()
	m.job = PrintJob{
		ID:        uuid.New().String(),
		PrinterID: m.job.PrinterID,
		Filename:  filename,
		State:     JobUploading,
		Size:      size,
		CreatedAt: &now,
	}
	t := transition{jobID: m.job.ID, from: JobUploading, to: JobReady}
	m.pending = &t
	job := m.job
	m.mu.Unlock()

	m.emit(job)
	return t, job, nil
}

// begin reserves the transition to `to` if the job is currently in one of from.
func (m *jobMachine) begin(to JobState, from ...JobState) (transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		return transition{}, fmt.Errorf("%w: %s in progress", ErrInvalidTransition, m.pending.to)
	}
	for _, s := range from {
		if m.job.State == s {
			t := transition{jobID: m.job.ID, from: s, to: to}
			m.pending = &t
			return t, nil
		}
	}
	return transition{}, fmt.Errorf("%w: cannot go from %s to %s (allowed from %s)",
		ErrInvalidTransition, m.job.State, to, joinStates(from))
}

// finish applies the outcome of t. A successful outcome moves the job to t.to.
// A failed upload fails the job; any other failure keeps the source state.
// Nothing changes if the job moved on meanwhile, e.g. to failed on disconnect.
func (m *jobMachine) finish(t transition, err error) {
	m.mu.Lock()

	if m.pending != nil && *m.pending == t {
		m.pending = nil
	}
	if m.job.ID != t.jobID || m.job.State != t.from {
		m.mu.Unlock()
		return
	}

	now := m.now()
	switch {
	case err == nil:
		m.job.State = t.to
		switch t.to {
		case JobPrinting:
			if m.job.StartedAt == nil {
				m.job.StartedAt = &now
			}
		case JobCanceled:
			m.job.FinishedAt = &now
		}
	case t.from == JobUploading:
		m.job.State = JobFailed
		m.job.Error = err.Error()
		m.job.FinishedAt = &now
	default:
		m.mu.Unlock()
		return
	}
	job := m.job
	m.mu.Unlock()

	m.emit(job)
}

// complete marks a printing job as done after the firmware reported the end
// of the file.
func (m *jobMachine) complete() {
	m.mu.Lock()
	if m.job.State != JobPrinting {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.job.State = JobCompleted
	m.job.FinishedAt = &now
	job := m.job
	m.mu.Unlock()

	m.emit(job)
}

// fail moves an active job to failed.
func (m *jobMachine) fail(reason string) {
	m.mu.Lock()
	if !m.job.State.Active() {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.job.State = JobFailed
	m.job.Error = reason
	m.job.FinishedAt = &now
	job := m.job
	m.mu.Unlock()

	m.emit(job)
}

func joinStates(states []JobState) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
