package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orrn/printfarm/internal/transport"
)

// command is one queued unit of work. Its lines are sent back to back, each
// waiting for the firmware's "ok", with nothing else interleaved.
type command struct {
	lines     []string
	codes     []string
	submitted time.Time
	timeout   time.Duration
	then      func(ParsedResponse, error)

	done chan struct{}
	resp ParsedResponse
	err  error
}

func newCommand(lines []string, then func(ParsedResponse, error)) *command {
	seen := make(map[string]bool)
	var codes []string
	for _, l := range lines {
		if c := commandCode(l); c != "" && !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	return &command{
		lines:     lines,
		codes:     codes,
		submitted: time.Now(),
		then:      then,
		done:      make(chan struct{}),
	}
}

func (c *command) label() string {
	if len(c.lines) == 1 {
		return c.lines[0]
	}
	return fmt.Sprintf("%s (+%d lines)", c.lines[0], len(c.lines)-1)
}

// complete records the result. It runs the callback before waking the waiter
// so state changes are visible when Submit returns.
func (c *command) complete(resp ParsedResponse, err error) {
	c.resp, c.err = resp, err
	if c.then != nil {
		c.then(resp, err)
	}
	close(c.done)
}

func (s *Session) run() {
	defer s.wg.Done()

	for {
		cmd := s.next()
		if cmd == nil {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		s.dispatch(cmd)

		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
	}
}

func (s *Session) next() *command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	cmd := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.inflight = cmd
	return cmd
}

func (s *Session) dispatch(cmd *command) {
	s.mu.Lock()
	ch, resync := s.ch, s.needResync
	s.mu.Unlock()

	if ch == nil {
		cmd.complete(ParsedResponse{Command: cmd.label()}, ErrDisconnected)
		return
	}

	if resync {
		resp, err := s.identify(ch)
		if err != nil {
			cmd.complete(ParsedResponse{Command: cmd.label()}, s.commandFailed(ch, fmt.Errorf("resync before %s: %w", cmd.label(), err)))
			return
		}
		s.mu.Lock()
		if s.ch == ch {
			s.needResync = false
		}
		s.mu.Unlock()
		s.cache.Update([]string{CmdIdentify}, resp)
		s.log.Info("Channel resynchronized")
	}

	resp, err := s.exchange(ch, cmd.lines, cmd.timeout)
	resp.Command = cmd.label()
	if err != nil {
		cmd.complete(resp, s.commandFailed(ch, err))
		return
	}

	s.observe(cmd, &resp)
	cmd.complete(resp, nil)
}

// exchange sends lines one at a time and collects the answers.
func (s *Session) exchange(ch transport.Channel, lines []string, timeout time.Duration) (resp ParsedResponse, err error) {
	defer func() { resp.GcodeOutput = strings.Join(resp.Lines, "\n") }()

	for _, line := range lines {
		if err = ch.Send(line); err != nil {
			return resp, err
		}
		var got, fwErrs []string
		got, fwErrs, err = readUntilOK(ch, timeout)
		resp.Lines = append(resp.Lines, got...)
		resp.FirmwareErrors = append(resp.FirmwareErrors, fwErrs...)
		if errors.Is(err, ErrTimeout) {
			return resp, fmt.Errorf("%w: no response to %s within %s", ErrTimeout, commandCode(line), timeout)
		}
		if err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// readUntilOK reads lines until one starts with "ok". "busy:" keep-alives
// push the deadline out; "Error:" lines are collected.
func readUntilOK(ch transport.Channel, timeout time.Duration) (lines, fwErrs []string, err error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return lines, fwErrs, ErrTimeout
		}

		line, err := ch.Receive(remaining)
		if errors.Is(err, transport.ErrReceiveTimeout) {
			return lines, fwErrs, ErrTimeout
		}
		if err != nil {
			return lines, fwErrs, err
		}

		lines = append(lines, line)
		switch {
		case isOK(line):
			return lines, fwErrs, nil
		case isBusy(line):
			deadline = time.Now().Add(timeout)
		case strings.HasPrefix(line, firmwareErrPrefix):
			fwErrs = append(fwErrs, strings.TrimSpace(strings.TrimPrefix(line, firmwareErrPrefix)))
		}
	}
}

// identify waits for the line to go quiet, then asks the firmware to identify
// itself. It is both the connect handshake and the resync probe.
func (s *Session) identify(ch transport.Channel) (ParsedResponse, error) {
	if err := drain(ch, s.opts.QuietPeriod, s.opts.CommandTimeout); err != nil {
		return ParsedResponse{}, err
	}
	resp, err := s.exchange(ch, []string{CmdIdentify}, s.opts.CommandTimeout)
	resp.Command = CmdIdentify
	if err != nil {
		return resp, err
	}
	if errs := parseResponse([]string{CmdIdentify}, &resp); len(errs) > 0 {
		s.log.WithError(errs[0]).Debug("Firmware did not identify itself")
	}
	return resp, nil
}

// drain discards input until nothing arrives for quiet, giving up after limit.
func drain(ch transport.Channel, quiet, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		_, err := ch.Receive(quiet)
		if errors.Is(err, transport.ErrReceiveTimeout) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// commandFailed records a dispatch failure. A timeout leaves the channel
// suspect and schedules a resync; anything else is a transport failure.
func (s *Session) commandFailed(ch transport.Channel, err error) error {
	if errors.Is(err, ErrTimeout) {
		s.mu.Lock()
		if s.ch == ch {
			s.needResync = true
		}
		s.mu.Unlock()
		s.cache.RecordError(err.Error())
		s.log.WithError(err).Warn("Command timed out, channel will be resynchronized")
		return err
	}

	s.detach(ch, err)
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// observe parses the response, feeds status queries into the cache and
// picks up the end of an SD print.
func (s *Session) observe(cmd *command, resp *ParsedResponse) {
	for _, err := range parseResponse(cmd.codes, resp) {
		s.log.WithError(err).Debug("Unrecognized firmware response")
	}

	if n := len(resp.FirmwareErrors); n > 0 {
		s.cache.RecordError(resp.FirmwareErrors[n-1])
		s.log.WithField("errors", resp.FirmwareErrors).Warn("Firmware reported errors")
	}

	statusQuery := false
	for _, c := range cmd.codes {
		if isStatusQuery(c) {
			statusQuery = true
			break
		}
	}
	wasPrinting := s.cache.SDPrinting()
	if statusQuery {
		s.cache.Update(cmd.codes, *resp)
	}

	switch {
	case reportsPrintDone(resp.Lines) || (resp.Progress != nil && resp.Progress.Done):
		s.cache.FinishPrint()
		s.jobs.complete()
	case wasPrinting && resp.Progress != nil && !resp.Progress.Active:
		// the file was closed without a "Done printing file" line reaching us
		s.log.Info("SD print no longer running, marking job completed")
		s.jobs.complete()
	}

	if statusQuery {
		snap := s.CurrentStatus()
		s.notifier.Notify(Event{Type: EventStatusUpdated, PrinterID: s.id, Time: time.Now(), Status: &snap})
	}
}

// jobCommandError turns firmware-level failures of a job command into an error.
func jobCommandError(resp ParsedResponse, err error) error {
	if err != nil {
		return err
	}
	if len(resp.FirmwareErrors) > 0 {
		return fmt.Errorf("firmware error: %s", strings.Join(resp.FirmwareErrors, "; "))
	}
	for _, l := range resp.Lines {
		if strings.Contains(strings.ToLower(l), "open failed") {
			return fmt.Errorf("firmware error: %s", l)
		}
	}
	return nil
}
