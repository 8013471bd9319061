package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("printer not found")
	ErrAlreadyExists     = errors.New("printer already exists")
	ErrIDReused          = errors.New("printer id belongs to another device")
	ErrDisconnected      = errors.New("printer is disconnected")
	ErrTimeout           = errors.New("command timed out")
	ErrQueueFull         = errors.New("command queue is full")
	ErrInvalidFile       = errors.New("invalid file")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrParse             = errors.New("unrecognized firmware response")
	ErrHotendTooCold     = errors.New("hotend is too cold")
	ErrEmptyCommand      = errors.New("empty command")
)

// PrinterError ties a failure to the printer and operation that produced it.
type PrinterError struct {
	PrinterID PrinterID
	Op        string
	Err       error
}

func (e *PrinterError) Error() string {
	return fmt.Sprintf("printer %s: %s: %v", e.PrinterID, e.Op, e.Err)
}

func (e *PrinterError) Unwrap() error {
	return e.Err
}

func wrap(id PrinterID, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PrinterError
	if errors.As(err, &pe) && pe.PrinterID == id {
		return err
	}
	return &PrinterError{PrinterID: id, Op: op, Err: err}
}
