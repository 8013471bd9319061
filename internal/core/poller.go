package core

import (
	"context"
	"errors"
	"time"
)

// pollLoop keeps the status cache fresh. Polls go through the same queue as
// user commands and each tick waits for its own poll, so they never pile up.
func (s *Session) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Session) poll() {
	if !s.Connected() {
		s.maybeReconnect()
		return
	}

	if _, err := s.do(s.ctx, newCommand([]string{CmdTemperature}, nil)); err != nil {
		s.pollFailed(err)
		return
	}

	switch s.jobs.State() {
	case JobPrinting, JobPaused:
		if _, err := s.do(s.ctx, newCommand([]string{CmdProgress}, nil)); err != nil {
			s.pollFailed(err)
		}
	}
}

func (s *Session) pollFailed(err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrQueueFull):
		s.log.Debug("Queue full, skipping status poll")
	default:
		s.log.WithError(err).Debug("Status poll failed")
	}
}

func (s *Session) maybeReconnect() {
	if !s.opts.AutoReconnect {
		return
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if time.Since(s.lastAttempt) < s.opts.ReconnectInterval {
		return
	}
	if err := s.connectLocked(s.ctx); err != nil {
		s.log.WithError(err).Debug("Reconnect attempt failed")
	}
}
