// Package service is the only path through which calibration records are
// created or deleted. It validates input, coordinates the blob and record
// stores, and announces every committed change.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jonboulle/clockwork"

	"calibration-backend/internal/apperr"
	"calibration-backend/internal/broadcast"
	"calibration-backend/internal/metrics"
	"calibration-backend/internal/model"
	"calibration-backend/internal/parse"
	"calibration-backend/internal/registry"
	"calibration-backend/internal/store"
)

// Blobs is the part of the blob store the service writes to.
type Blobs interface {
	Put(ctx context.Context, data []byte, contentType, suggestedExt string) (string, error)
	Remove(ctx context.Context, key string) error
}

// Alerter is told about every failed calibration after it is stored.
type Alerter interface {
	Dispatch(rec model.Record)
}

// CreateInput carries the form fields of a new record. Volume is not among
// them: it always comes from the registry.
type CreateInput struct {
	Machine    string
	Date       string
	Status     string
	Calibrator string
	Notes      string
}

// Upload is an image attached to a new record.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock used for record timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithAlerter enables alerts for failed calibrations.
func WithAlerter(a Alerter) Option {
	return func(s *Service) { s.alerts = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service implements record creation, deletion and the read helpers used by
// the HTTP layer.
type Service struct {
	registry *registry.Registry
	store    store.Store
	blobs    Blobs
	events   broadcast.Publisher
	alerts   Alerter
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New creates a Service.
func New(reg *registry.Registry, st store.Store, blobs Blobs, events broadcast.Publisher, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		store:    st,
		blobs:    blobs,
		events:   events,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service")
	return s
}

// Create validates in, stores the optional image, inserts the record and
// publishes an insert event. The image is written before the row so a crash
// in between leaves an unreferenced blob rather than a dangling reference.
func (s *Service) Create(ctx context.Context, in CreateInput, up *Upload) (*model.Record, error) {
	machine := strings.TrimSpace(in.Machine)
	volume, ok := s.registry.LookupVolume(machine)
	if !ok {
		return nil, apperr.Validation("unknown machine")
	}
	date, err := parse.Date(in.Date)
	if err != nil {
		return nil, apperr.Validation("invalid date")
	}
	status, ok := model.ParseStatus(in.Status)
	if !ok {
		return nil, apperr.Validation("invalid status")
	}
	calibrator := parse.Text(in.Calibrator)
	if calibrator == "" {
		return nil, apperr.Validation("missing calibrator")
	}

	rec := &model.Record{
		Machine:    machine,
		Volume:     volume,
		Date:       date,
		Status:     status,
		Timestamp:  s.clock.Now().UTC(),
		Calibrator: calibrator,
		Notes:      parse.OptionalText(in.Notes),
	}

	if up != nil && len(up.Data) > 0 {
		key, err := s.blobs.Put(ctx, up.Data, up.ContentType, parse.Extension(up.Filename))
		if err != nil {
			return nil, err
		}
		rec.ImageKey = &key
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if rec.ImageKey != nil {
			s.removeBlob(ctx, *rec.ImageKey)
		}
		return nil, apperr.StorageWrite("insert record", err)
	}

	metrics.RecordsCreated.WithLabelValues(string(rec.Status)).Inc()
	s.logger.Info("record created", "id", rec.ID, "machine", rec.Machine, "status", rec.Status)
	s.events.Publish(broadcast.Event{Type: broadcast.EventInsert, ID: rec.ID, Machine: rec.Machine})
	if rec.Status == model.StatusFail && s.alerts != nil {
		s.alerts.Dispatch(*rec)
	}
	return rec, nil
}

// Delete removes a record and then its image. A failed image removal is
// logged and does not fail the call.
func (s *Service) Delete(ctx context.Context, id int64) (*model.Record, error) {
	rec, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("record", id)
		}
		return nil, apperr.StorageWrite("delete record", err)
	}

	if rec.ImageKey != nil {
		s.removeBlob(ctx, *rec.ImageKey)
	}

	metrics.RecordsDeleted.WithLabelValues("single").Inc()
	s.logger.Info("record deleted", "id", rec.ID, "machine", rec.Machine)
	s.events.Publish(broadcast.Event{Type: broadcast.EventDelete, ID: rec.ID, Machine: rec.Machine})
	return rec, nil
}

// DeleteByMachine removes every record of a registered machine and returns
// how many were removed.
func (s *Service) DeleteByMachine(ctx context.Context, machine string) (int, error) {
	machine = strings.TrimSpace(machine)
	if machine == "" {
		return 0, apperr.Validation("machine is required")
	}
	if !s.registry.Has(machine) {
		return 0, apperr.Validation("unknown machine")
	}

	deleted, err := s.store.DeleteByMachine(ctx, machine)
	if err != nil {
		return 0, apperr.StorageWrite("delete records", err)
	}

	var cleanupErrs []error
	for _, rec := range deleted {
		if rec.ImageKey == nil {
			continue
		}
		if err := s.blobs.Remove(context.WithoutCancel(ctx), *rec.ImageKey); err != nil {
			metrics.BlobCleanupFailures.Inc()
			cleanupErrs = append(cleanupErrs, &apperr.CleanupError{Key: *rec.ImageKey, Err: err})
		}
	}
	if len(cleanupErrs) > 0 {
		s.logger.Error("image cleanup failed after bulk delete",
			"machine", machine, "failed", len(cleanupErrs), "error", errors.Join(cleanupErrs...))
	}

	metrics.RecordsDeleted.WithLabelValues("machine").Add(float64(len(deleted)))
	s.logger.Info("records deleted", "machine", machine, "count", len(deleted))
	s.events.Publish(broadcast.Event{Type: broadcast.EventBulkDelete, Machine: machine, Count: len(deleted)})
	return len(deleted), nil
}

// removeBlob is best effort. It runs even if the request was cancelled.
func (s *Service) removeBlob(ctx context.Context, key string) {
	if err := s.blobs.Remove(context.WithoutCancel(ctx), key); err != nil {
		metrics.BlobCleanupFailures.Inc()
		s.logger.Error("image cleanup failed", "error", &apperr.CleanupError{Key: key, Err: err})
	}
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (*model.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("record", id)
		}
		return nil, err
	}
	return rec, nil
}

// List returns records newest first, optionally for one machine only.
func (s *Service) List(ctx context.Context, machine string) ([]model.Record, error) {
	machine = strings.TrimSpace(machine)
	if machine != "" && !s.registry.Has(machine) {
		return nil, apperr.Validation("unknown machine")
	}
	return s.store.List(ctx, store.ListOptions{Machine: machine})
}

// Summary returns one entry per registered machine, sorted by machine id,
// including machines that have no records yet.
func (s *Service) Summary(ctx context.Context) ([]store.MachineSummary, error) {
	rows, err := s.store.Summary(ctx)
	if err != nil {
		return nil, err
	}
	byMachine := make(map[string]store.MachineSummary, len(rows))
	for _, r := range rows {
		byMachine[r.Machine] = r
	}

	ids := s.registry.IDs()
	out := make([]store.MachineSummary, 0, len(ids))
	for _, id := range ids {
		sum, ok := byMachine[id]
		if !ok {
			sum = store.MachineSummary{Machine: id}
		}
		out = append(out, sum)
	}
	return out, nil
}

// Machines returns the registry mapping.
func (s *Service) Machines() map[string]float64 {
	return s.registry.Machines()
}
