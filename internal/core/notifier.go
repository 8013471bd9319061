package core

import (
	"time"
)

type EventType string

const (
	EventJobChanged        EventType = "job_changed"
	EventConnectionChanged EventType = "connection_changed"
	EventStatusUpdated     EventType = "status_updated"
)

type Event struct {
	Type      EventType       `json:"type"`
	PrinterID PrinterID       `json:"printer_id"`
	Time      time.Time       `json:"time"`
	Connected *bool           `json:"connected,omitempty"`
	Job       *PrintJob       `json:"job,omitempty"`
	Status    *StatusSnapshot `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Notifier receives session events. Notify is called from dispatcher
// goroutines and must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) {
	f(e)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
