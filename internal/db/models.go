package db

import (
	"time"
)

// Printer is a device remembered across restarts.
type Printer struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobRecord is one row of print job history.
type JobRecord struct {
	ID           string     `json:"id"`
	PrinterID    string     `json:"printer_id"`
	Filename     string     `json:"filename"`
	State        string     `json:"state"`
	Size         int64      `json:"size"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
