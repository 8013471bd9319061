package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printfarm/internal/transport"
)

// RosterEntry is a printer id with the endpoint it is reached through.
type RosterEntry struct {
	ID       PrinterID
	Endpoint string
}

// RosterStore persists printers connected at runtime so they come back after
// a restart.
type RosterStore interface {
	SavePrinter(ctx context.Context, e RosterEntry) error
	DeletePrinter(ctx context.Context, id PrinterID) error
	ListPrinters(ctx context.Context) ([]RosterEntry, error)
}

// Farm is the entry point for everything that talks to printers. Every
// returned error names the printer it concerns.
type Farm struct {
	registry *Registry
	opts     SessionOptions
	open     transport.Opener
	notifier Notifier
	store    RosterStore
	logger   *logrus.Logger
	log      *logrus.Entry
}

func NewFarm(opts SessionOptions, open transport.Opener, notifier Notifier, store RosterStore, logger *logrus.Logger) *Farm {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Farm{
		registry: NewRegistry(),
		opts:     opts,
		open:     open,
		notifier: notifier,
		store:    store,
		logger:   logger,
		log:      logger.WithField("component", "farm"),
	}
}

func (f *Farm) newSession(id PrinterID, endpoint string) (*Session, error) {
	if strings.TrimSpace(string(id)) == "" {
		return nil, errors.New("printer id is required")
	}
	if _, err := transport.ParseEndpoint(endpoint); err != nil {
		return nil, err
	}
	s := NewSession(id, endpoint, f.open, f.opts, f.notifier, f.logger)
	if err := f.registry.Add(s); err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// AddPrinter registers a printer and tries to connect it. A printer that
// cannot be reached stays registered as disconnected.
func (f *Farm) AddPrinter(ctx context.Context, id PrinterID, endpoint string) error {
	s, err := f.newSession(id, endpoint)
	if err != nil {
		return wrap(id, "add", err)
	}
	if err := s.Connect(ctx); err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{
			"printer_id": id,
			"endpoint":   endpoint,
		}).Warn("Printer registered but not connected")
	}
	return nil
}

// ConnectDevice registers and connects a printer, remembering it in the
// store. Nothing is registered if the connection fails.
func (f *Farm) ConnectDevice(ctx context.Context, id PrinterID, endpoint string) error {
	s, err := f.newSession(id, endpoint)
	if err != nil {
		return wrap(id, "connect", err)
	}
	if err := s.Connect(ctx); err != nil {
		f.registry.Remove(id)
		s.Stop()
		return wrap(id, "connect", err)
	}
	if f.store != nil {
		if err := f.store.SavePrinter(ctx, RosterEntry{ID: id, Endpoint: endpoint}); err != nil {
			f.log.WithError(err).WithField("printer_id", id).Error("Failed to persist printer")
		}
	}
	return nil
}

// DisconnectDevice closes and forgets a printer.
func (f *Farm) DisconnectDevice(ctx context.Context, id PrinterID) error {
	s, err := f.registry.Remove(id)
	if err != nil {
		return wrap(id, "disconnect", err)
	}
	s.Stop()
	if f.store != nil {
		if err := f.store.DeletePrinter(ctx, id); err != nil {
			f.log.WithError(err).WithField("printer_id", id).Error("Failed to forget printer")
		}
	}
	return nil
}

// Reconnect drops the current channel, if any, and opens a new one.
func (f *Farm) Reconnect(ctx context.Context, id PrinterID) error {
	s, err := f.registry.Get(id)
	if err != nil {
		return wrap(id, "reconnect", err)
	}
	s.Disconnect()
	return wrap(id, "reconnect", s.Connect(ctx))
}

// Restore registers the printers remembered by the store. Ids that are
// already registered are left alone.
func (f *Farm) Restore(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	entries, err := f.store.ListPrinters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load printers: %w", err)
	}
	for _, e := range entries {
		if _, err := f.registry.Get(e.ID); err == nil {
			continue
		}
		if err := f.AddPrinter(ctx, e.ID, e.Endpoint); err != nil {
			f.log.WithError(err).Warn("Failed to restore printer")
		}
	}
	return nil
}

func (f *Farm) Has(id PrinterID) bool {
	_, err := f.registry.Get(id)
	return err == nil
}

func (f *Farm) ListPrinters() []PrinterID {
	return f.registry.List()
}

func (f *Farm) SendCommand(ctx context.Context, id PrinterID, gcode string) (ParsedResponse, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return ParsedResponse{}, wrap(id, "send command", err)
	}
	resp, err := s.Submit(ctx, gcode)
	return resp, wrap(id, "send command", err)
}

// GetStatus returns the cached status. A disconnected or stale printer still
// yields its snapshot, together with ErrDisconnected.
func (f *Farm) GetStatus(id PrinterID) (StatusSnapshot, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return StatusSnapshot{PrinterID: id}, wrap(id, "status", err)
	}
	snap := s.CurrentStatus()
	if snap.PrintStatus == StatusDisconnected {
		return snap, wrap(id, "status", ErrDisconnected)
	}
	return snap, nil
}

// Statuses reads every printer's status. One bad printer never hides the rest.
func (f *Farm) Statuses() []StatusResult {
	ids := f.registry.List()
	results := make([]StatusResult, 0, len(ids))
	for _, id := range ids {
		snap, err := f.GetStatus(id)
		r := StatusResult{PrinterID: id, Status: &snap}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(err, ErrNotFound) {
				r.Status = nil
			}
		}
		results = append(results, r)
	}
	return results
}

func (f *Farm) Job(id PrinterID) (PrintJob, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return PrintJob{PrinterID: id, State: JobNone}, wrap(id, "job", err)
	}
	return s.Job(), nil
}

func (f *Farm) UploadAndStart(ctx context.Context, id PrinterID, filename string, data []byte) (PrintJob, error) {
	return f.jobOp(ctx, id, "upload and start", func(s *Session, ctx context.Context) (PrintJob, error) {
		return s.UploadAndStart(ctx, filename, data)
	})
}

func (f *Farm) StartPrint(ctx context.Context, id PrinterID) (PrintJob, error) {
	return f.jobOp(ctx, id, "start", (*Session).StartPrint)
}

func (f *Farm) Pause(ctx context.Context, id PrinterID) (PrintJob, error) {
	return f.jobOp(ctx, id, "pause", (*Session).Pause)
}

func (f *Farm) Resume(ctx context.Context, id PrinterID) (PrintJob, error) {
	return f.jobOp(ctx, id, "resume", (*Session).Resume)
}

func (f *Farm) Cancel(ctx context.Context, id PrinterID) (PrintJob, error) {
	return f.jobOp(ctx, id, "cancel", (*Session).Cancel)
}

func (f *Farm) jobOp(ctx context.Context, id PrinterID, op string, fn func(*Session, context.Context) (PrintJob, error)) (PrintJob, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return PrintJob{PrinterID: id, State: JobNone}, wrap(id, op, err)
	}
	job, err := fn(s, ctx)
	return job, wrap(id, op, err)
}

func (f *Farm) LoadFilament(ctx context.Context, id PrinterID) (ParsedResponse, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return ParsedResponse{}, wrap(id, "load filament", err)
	}
	resp, err := s.LoadFilament(ctx)
	return resp, wrap(id, "load filament", err)
}

func (f *Farm) UnloadFilament(ctx context.Context, id PrinterID) (ParsedResponse, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return ParsedResponse{}, wrap(id, "unload filament", err)
	}
	resp, err := s.UnloadFilament(ctx)
	return resp, wrap(id, "unload filament", err)
}

func (f *Farm) ListFiles(ctx context.Context, id PrinterID) ([]SDFile, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return nil, wrap(id, "list files", err)
	}
	files, err := s.ListFiles(ctx)
	return files, wrap(id, "list files", err)
}

func (f *Farm) EndStops(ctx context.Context, id PrinterID) (map[string]string, error) {
	s, err := f.registry.Get(id)
	if err != nil {
		return nil, wrap(id, "end stops", err)
	}
	stops, err := s.EndStops(ctx)
	return stops, wrap(id, "end stops", err)
}

// Close stops every session.
func (f *Farm) Close() {
	f.registry.Close()
}
