package core

import (
	"time"
)

type PrinterID string

type PrintStatus string

const (
	StatusIdle         PrintStatus = "idle"
	StatusPrinting     PrintStatus = "printing"
	StatusPaused       PrintStatus = "paused"
	StatusError        PrintStatus = "error"
	StatusDisconnected PrintStatus = "disconnected"
)

// Temperatures holds one M105 reading. Nil means the firmware did not report it.
type Temperatures struct {
	Hotend       *float64 `json:"hotend,omitempty"`
	HotendTarget *float64 `json:"hotend_target,omitempty"`
	Bed          *float64 `json:"bed,omitempty"`
	BedTarget    *float64 `json:"bed_target,omitempty"`
}

// Progress is the SD print progress reported by M27.
type Progress struct {
	Active       bool    `json:"active"`
	Done         bool    `json:"done"`
	BytesPrinted int64   `json:"bytes_printed"`
	BytesTotal   int64   `json:"bytes_total"`
	Percent      float64 `json:"percent"`
}

type SDFile struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

type StatusSnapshot struct {
	PrinterID      PrinterID         `json:"printer_id"`
	PrintStatus    PrintStatus       `json:"print_status"`
	HotendTemp     *float64          `json:"hotend_temp"`
	HotendTarget   *float64          `json:"hotend_target,omitempty"`
	BedTemp        *float64          `json:"bed_temp"`
	BedTarget      *float64          `json:"bed_target,omitempty"`
	Progress       *Progress         `json:"progress,omitempty"`
	Firmware       string            `json:"firmware,omitempty"`
	MachineType    string            `json:"machine_type,omitempty"`
	EndStops       map[string]string `json:"end_stops,omitempty"`
	RawGcodeOutput string            `json:"raw_gcode_output,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	JobState       JobState          `json:"job_state"`
	FilamentReady  bool              `json:"filament_ready"`
	CapturedAt     time.Time         `json:"captured_at"`
	Stale          bool              `json:"stale"`
}

// ParsedResponse is everything the firmware answered to one command.
type ParsedResponse struct {
	Command        string            `json:"command"`
	Lines          []string          `json:"lines"`
	GcodeOutput    string            `json:"gcode_output"`
	FirmwareErrors []string          `json:"firmware_errors,omitempty"`
	Temperatures   *Temperatures     `json:"temperatures,omitempty"`
	Progress       *Progress         `json:"progress,omitempty"`
	Firmware       map[string]string `json:"firmware,omitempty"`
	EndStops       map[string]string `json:"end_stops,omitempty"`
	Files          []SDFile          `json:"files,omitempty"`
}

// StatusResult is one entry of a batch status read.
type StatusResult struct {
	PrinterID PrinterID       `json:"printer_id"`
	Status    *StatusSnapshot `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}
