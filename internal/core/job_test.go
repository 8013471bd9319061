package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine() (*jobMachine, *[]JobState) {
	var seen []JobState
	m := newJobMachine("p1", func(j PrintJob) { seen = append(seen, j.State) })
	return m, &seen
}

func TestJobMachineHappyPath(t *testing.T) {
	m, seen := newTestMachine()

	up, job, err := m.beginUpload("part.gcode", 42)
	require.NoError(t, err)
	assert.Equal(t, JobUploading, job.State)
	assert.NotEmpty(t, job.ID)
	m.finish(up, nil)
	assert.Equal(t, JobReady, m.State())

	start, err := m.begin(JobPrinting, JobReady)
	require.NoError(t, err)
	m.finish(start, nil)
	assert.Equal(t, JobPrinting, m.State())
	assert.NotNil(t, m.Snapshot().StartedAt)

	m.complete()
	assert.Equal(t, JobCompleted, m.State())
	assert.NotNil(t, m.Snapshot().FinishedAt)

	assert.Equal(t, []JobState{JobUploading, JobReady, JobPrinting, JobCompleted}, *seen)
}

func TestJobMachineRejectsIllegalTransitions(t *testing.T) {
	m, _ := newTestMachine()

	_, err := m.begin(JobPrinting, JobPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition, "resume from no_job")

	up, _, err := m.beginUpload("part.gcode", 1)
	require.NoError(t, err)

	_, _, err = m.beginUpload("other.gcode", 1)
	assert.ErrorIs(t, err, ErrInvalidTransition, "second upload while uploading")

	m.finish(up, nil)
	_, err = m.begin(JobPrinting, JobPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition, "resume from ready")
}

func TestJobMachineOneTransitionAtATime(t *testing.T) {
	m, _ := newTestMachine()
	up, _, _ := m.beginUpload("part.gcode", 1)
	m.finish(up, nil)

	start, err := m.begin(JobPrinting, JobReady)
	require.NoError(t, err)

	_, err = m.begin(JobCanceled, JobReady, JobPrinting)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	m.finish(start, nil)
	_, err = m.begin(JobCanceled, JobPrinting, JobPaused)
	assert.NoError(t, err)
}

func TestJobMachineFailedCommandKeepsSourceState(t *testing.T) {
	m, _ := newTestMachine()
	up, _, _ := m.beginUpload("part.gcode", 1)
	m.finish(up, nil)

	start, _ := m.begin(JobPrinting, JobReady)
	m.finish(start, ErrTimeout)
	assert.Equal(t, JobReady, m.State())

	start, err := m.begin(JobPrinting, JobReady)
	require.NoError(t, err, "the failed start must release the machine")
	m.finish(start, nil)
	assert.Equal(t, JobPrinting, m.State())
}

func TestJobMachineFailedUploadFailsJob(t *testing.T) {
	m, _ := newTestMachine()
	up, _, _ := m.beginUpload("part.gcode", 1)
	m.finish(up, errors.New("open failed"))

	job := m.Snapshot()
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, "open failed", job.Error)

	_, _, err := m.beginUpload("retry.gcode", 1)
	assert.NoError(t, err)
}

func TestJobMachineDisconnectFailsActiveJob(t *testing.T) {
	m, _ := newTestMachine()
	up, _, _ := m.beginUpload("part.gcode", 1)
	m.finish(up, nil)
	start, _ := m.begin(JobPrinting, JobReady)

	m.fail("printer disconnected")
	assert.Equal(t, JobFailed, m.State())

	// the start command fails afterwards and must not resurrect the job
	m.finish(start, ErrDisconnected)
	assert.Equal(t, JobFailed, m.State())

	// terminal states are sticky
	m.fail("again")
	m.complete()
	assert.Equal(t, "printer disconnected", m.Snapshot().Error)
	assert.Equal(t, JobFailed, m.State())
}

func TestJobMachineCancelIsTerminal(t *testing.T) {
	m, _ := newTestMachine()
	up, _, _ := m.beginUpload("part.gcode", 1)
	m.finish(up, nil)
	start, _ := m.begin(JobPrinting, JobReady)
	m.finish(start, nil)

	cancel, err := m.begin(JobCanceled, JobPrinting, JobPaused)
	require.NoError(t, err)
	m.finish(cancel, nil)
	assert.Equal(t, JobCanceled, m.State())

	_, err = m.begin(JobPrinting, JobPaused)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, job, err := m.beginUpload("next.gcode", 1)
	require.NoError(t, err)
	assert.Equal(t, "next.gcode", job.Filename)
	assert.Nil(t, job.StartedAt)
}

func TestNoJobIsNotFailedByDisconnect(t *testing.T) {
	m, seen := newTestMachine()
	m.fail("printer disconnected")
	assert.Equal(t, JobNone, m.State())
	assert.Empty(t, *seen)
}
