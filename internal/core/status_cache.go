package core

import (
	"sync"
	"time"
)

// StatusCache keeps the last parsed status of one printer. Writes come from
// the printer's dispatcher; readers get copies.
type StatusCache struct {
	mu     sync.RWMutex
	id     PrinterID
	window time.Duration
	now    func() time.Time

	snap   StatusSnapshot
	halted bool
}

func NewStatusCache(id PrinterID, window time.Duration) *StatusCache {
	return &StatusCache{
		id:     id,
		window: window,
		now:    time.Now,
		snap:   StatusSnapshot{PrinterID: id},
	}
}

// Update applies the parsed response of a status query.
func (c *StatusCache) Update(codes []string, resp ParsedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, code := range codes {
		switch code {
		case CmdTemperature:
			var t Temperatures
			if resp.Temperatures != nil {
				t = *resp.Temperatures
			}
			c.snap.HotendTemp, c.snap.HotendTarget = t.Hotend, t.HotendTarget
			c.snap.BedTemp, c.snap.BedTarget = t.Bed, t.BedTarget
		case CmdProgress:
			if resp.Progress != nil {
				p := *resp.Progress
				c.snap.Progress = &p
			}
		case CmdIdentify:
			if resp.Firmware != nil {
				c.snap.Firmware = resp.Firmware[firmwareNameKey]
				c.snap.MachineType = resp.Firmware[machineTypeKey]
			}
		case CmdEndStops:
			if resp.EndStops != nil {
				c.snap.EndStops = copyMap(resp.EndStops)
			}
		default:
			continue
		}
		c.snap.RawGcodeOutput = resp.GcodeOutput
		c.snap.CapturedAt = c.now()
	}
}

// RecordError stores a firmware or transport failure against the printer.
func (c *StatusCache) RecordError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.LastError = msg
	if isHalt(msg) {
		c.halted = true
	}
}

// FinishPrint marks the SD progress as done once the firmware reports the
// end of a print outside a progress query.
func (c *StatusCache) FinishPrint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.Progress == nil || c.snap.Progress.Done {
		return
	}
	c.snap.Progress.Active = false
	c.snap.Progress.Done = true
	c.snap.Progress.Percent = 100
}

// ClearProgress drops SD progress left over from an earlier print.
func (c *StatusCache) ClearProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Progress = nil
}

// SDPrinting reports whether the last progress query saw a file being printed.
func (c *StatusCache) SDPrinting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Progress != nil && c.snap.Progress.Active && !c.snap.Progress.Done
}

// Reset forgets everything learned from a previous connection.
func (c *StatusCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = StatusSnapshot{PrinterID: c.id, LastError: c.snap.LastError}
	c.halted = false
}

// Snapshot returns a copy of the cached status with Stale set when it is
// older than the staleness window.
func (c *StatusCache) Snapshot() (StatusSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.snap
	s.EndStops = copyMap(c.snap.EndStops)
	if c.snap.Progress != nil {
		p := *c.snap.Progress
		s.Progress = &p
	}
	s.Stale = s.CapturedAt.IsZero() || c.now().Sub(s.CapturedAt) > c.window
	return s, c.halted
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
