package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printfarm/internal/core"
)

// SavePrinter remembers a printer, replacing the endpoint of a known id.
func (s *Store) SavePrinter(ctx context.Context, e core.RosterEntry) error {
	if _, err := s.db.ExecContext(ctx, UpsertPrinter, string(e.ID), e.Endpoint); err != nil {
		return fmt.Errorf("failed to save printer: %w", err)
	}
	return nil
}

func (s *Store) DeletePrinter(ctx context.Context, id core.PrinterID) error {
	if _, err := s.db.ExecContext(ctx, DeletePrinter, string(id)); err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	return nil
}

func (s *Store) ListPrinters(ctx context.Context) ([]core.RosterEntry, error) {
	printers, err := s.Printers(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]core.RosterEntry, 0, len(printers))
	for _, p := range printers {
		entries = append(entries, core.RosterEntry{ID: core.PrinterID(p.ID), Endpoint: p.Endpoint})
	}
	return entries, nil
}

// Printers returns the stored printers ordered by id.
func (s *Store) Printers(ctx context.Context) ([]*Printer, error) {
	rows, err := s.db.QueryContext(ctx, ListPrinters)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p := &Printer{}
		if err := rows.Scan(&p.ID, &p.Endpoint, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// SaveJob inserts the job or updates its state and timestamps.
func (s *Store) SaveJob(ctx context.Context, job core.PrintJob) error {
	if job.ID == "" {
		return errors.New("job has no id")
	}
	createdAt := time.Now().UTC()
	if job.CreatedAt != nil {
		createdAt = job.CreatedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, UpsertJob,
		job.ID, string(job.PrinterID), job.Filename, string(job.State), job.Size, job.Error,
		createdAt, utcPtr(job.StartedAt), utcPtr(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return rec, nil
}

// ListJobs returns a page of a printer's jobs, newest first, with the total count.
func (s *Store) ListJobs(ctx context.Context, printerID core.PrinterID, limit, offset int) ([]*JobRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, CountJobsByPrinter, string(printerID)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, ListJobsByPrinter, string(printerID), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	return jobs, total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.PrinterID, &rec.Filename, &rec.State, &rec.Size,
		&rec.ErrorMessage, &rec.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return rec, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
