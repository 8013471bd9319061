package db

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/core"
)

const defaultHistoryQueue = 256

// JobHistory writes every job transition to the store. Notify only queues
// the job; a single writer keeps the rows in transition order.
type JobHistory struct {
	store *Store
	log   *logrus.Entry
	queue chan core.PrintJob

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewJobHistory(store *Store, logger *logrus.Logger, queueSize int) *JobHistory {
	if queueSize <= 0 {
		queueSize = defaultHistoryQueue
	}
	h := &JobHistory{
		store:  store,
		log:    logger.WithField("component", "job_history"),
		queue:  make(chan core.PrintJob, queueSize),
		stopCh: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *JobHistory) Notify(e core.Event) {
	if e.Type != core.EventJobChanged || e.Job == nil || e.Job.ID == "" {
		return
	}
	select {
	case h.queue <- *e.Job:
	default:
		h.log.WithFields(logrus.Fields{"job_id": e.Job.ID, "state": e.Job.State}).Warn("History queue full, dropping job update")
	}
}

// Close writes what is already queued and stops the writer.
func (h *JobHistory) Close() {
	h.once.Do(func() {
		close(h.stopCh)
		h.wg.Wait()
	})
}

func (h *JobHistory) run() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.queue:
			h.save(job)
		case <-h.stopCh:
			for {
				select {
				case job := <-h.queue:
					h.save(job)
				default:
					return
				}
			}
		}
	}
}

func (h *JobHistory) save(job core.PrintJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.SaveJob(ctx, job); err != nil {
		h.log.WithError(err).WithField("job_id", job.ID).Error("Failed to record job")
	}
}
