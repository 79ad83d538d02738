package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"calibration-backend/internal/flush"
	"calibration-backend/internal/metrics"
	"calibration-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	Insert(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, id int64) (*model.Record, error)
	List(ctx context.Context, opts ListOptions) ([]model.Record, error)
	DeleteByID(ctx context.Context, id int64) (*model.Record, error)
	DeleteByMachine(ctx context.Context, machine string) ([]model.Record, error)
	Summary(ctx context.Context) ([]MachineSummary, error)
	ImageKeys(ctx context.Context) (map[string]struct{}, error)

	PutSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForMachine(ctx context.Context, machine string) ([]model.PushSubscription, error)

	Close(ctx context.Context) error
}

// Options configures a gormStore.
type Options struct {
	// QueueSize bounds the number of writes waiting for the writer.
	QueueSize int
	// Snapshots, when set, is asked for a flush after every committed write
	// and drained by Close.
	Snapshots *flush.Scheduler
	Logger    *slog.Logger
}

// gormStore implements the Store interface using GORM. Every write runs on a
// single goroutine, one transaction at a time, in submission order. Reads go
// straight to the connection pool.
type gormStore struct {
	db        *gorm.DB
	snapshots *flush.Scheduler
	logger    *slog.Logger

	writes chan writeOp
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

type writeOp struct {
	name     string
	ctx      context.Context
	fn       func(tx *gorm.DB) error
	result   chan error
	enqueued time.Time
}

// NewGormStore creates a new GORM-backed store and starts its writer.
func NewGormStore(db *gorm.DB, opts Options) Store {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &gormStore{
		db:        db,
		snapshots: opts.Snapshots,
		logger:    opts.Logger.With("component", "store"),
		writes:    make(chan writeOp, opts.QueueSize),
		done:      make(chan struct{}),
	}
	go s.writer()
	return s
}

func (s *gormStore) writer() {
	defer close(s.done)
	for op := range s.writes {
		metrics.WriteQueueWait.Observe(time.Since(op.enqueued).Seconds())
		err := s.db.WithContext(op.ctx).Transaction(op.fn)
		if err == nil && s.snapshots != nil {
			s.snapshots.Request()
		}
		op.result <- err
	}
}

// submit hands fn to the writer and waits for it to commit or roll back. The
// context only bounds the wait for a queue slot: once accepted, the write runs
// to completion so the caller never mistakes a committed row for a failure.
func (s *gormStore) submit(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	op := writeOp{
		name:     name,
		ctx:      context.WithoutCancel(ctx),
		fn:       fn,
		result:   make(chan error, 1),
		enqueued: time.Now(),
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.writes <- op:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return fmt.Errorf("%s not queued: %w", name, ctx.Err())
	}

	if err := <-op.result; err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// Close stops accepting writes, waits for queued ones, drains pending
// snapshots and closes the connection pool.
func (s *gormStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for queued writes: %w", ctx.Err())
	}

	if s.snapshots != nil {
		if err := s.snapshots.Drain(ctx); err != nil {
			return fmt.Errorf("waiting for snapshot flush: %w", err)
		}
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert assigns rec.ID and persists every field in one transaction.
func (s *gormStore) Insert(ctx context.Context, rec *model.Record) error {
	return s.submit(ctx, "insert record", func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// Get returns the record with the given id.
func (s *gormStore) Get(ctx context.Context, id int64) (*model.Record, error) {
	var rec model.Record
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %d: %w", id, err)
	}
	return &rec, nil
}

// List returns records newest first. Records sharing a date are ordered by id
// so the listing is stable across calls.
func (s *gormStore) List(ctx context.Context, opts ListOptions) ([]model.Record, error) {
	q := s.db.WithContext(ctx).Order("date DESC").Order("id DESC")
	if opts.Machine != "" {
		q = q.Where("machine = ?", opts.Machine)
	}
	records := []model.Record{}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// DeleteByID removes one record and returns its prior values. Blob cleanup is
// the caller's job.
func (s *gormStore) DeleteByID(ctx context.Context, id int64) (*model.Record, error) {
	var deleted model.Record
	err := s.submit(ctx, "delete record", func(tx *gorm.DB) error {
		if err := tx.First(&deleted, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		return tx.Delete(&model.Record{}, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// DeleteByMachine removes every record of a machine and returns them.
func (s *gormStore) DeleteByMachine(ctx context.Context, machine string) ([]model.Record, error) {
	var deleted []model.Record
	err := s.submit(ctx, "delete machine records", func(tx *gorm.DB) error {
		if err := tx.Where("machine = ?", machine).Order("id").Find(&deleted).Error; err != nil {
			return err
		}
		if len(deleted) == 0 {
			return nil
		}
		return tx.Where("machine = ?", machine).Delete(&model.Record{}).Error
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Summary aggregates records per machine. Machines without records are
// omitted.
func (s *gormStore) Summary(ctx context.Context) ([]MachineSummary, error) {
	db := s.db.WithContext(ctx)

	type aggRow struct {
		Machine string
		Total   int64
		Passed  int64
		Failed  int64
	}
	var aggs []aggRow
	if err := db.
		Model(&model.Record{}).
		Select("machine, COUNT(*) AS total, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS passed, "+
			"SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed", model.StatusPass, model.StatusFail).
		Group("machine").
		Order("machine").
		Scan(&aggs).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate records: %w", err)
	}

	// The latest record of each machine, using the same ordering as List.
	var latest []model.Record
	if err := db.Raw(`SELECT * FROM records WHERE id = (
		SELECT r2.id FROM records r2 WHERE r2.machine = records.machine
		ORDER BY r2.date DESC, r2.id DESC LIMIT 1)`).
		Scan(&latest).Error; err != nil {
		return nil, fmt.Errorf("failed to load latest records: %w", err)
	}
	latestMap := make(map[string]model.Record, len(latest))
	for _, r := range latest {
		latestMap[r.Machine] = r
	}

	summaries := make([]MachineSummary, 0, len(aggs))
	for _, a := range aggs {
		sum := MachineSummary{Machine: a.Machine, Total: a.Total, Passed: a.Passed, Failed: a.Failed}
		if r, ok := latestMap[a.Machine]; ok {
			date := r.Date
			sum.LastDate = &date
			sum.LastStatus = r.Status
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// ImageKeys returns every blob key referenced by a record.
func (s *gormStore) ImageKeys(ctx context.Context) (map[string]struct{}, error) {
	var keys []string
	if err := s.db.WithContext(ctx).
		Model(&model.Record{}).
		Where("image_key IS NOT NULL").
		Pluck("image_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list image keys: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// PutSubscription creates or replaces a push subscription and its machine
// filter.
func (s *gormStore) PutSubscription(ctx context.Context, sub *model.PushSubscription) error {
	machines := sub.Machines
	return s.submit(ctx, "put subscription", func(tx *gorm.DB) error {
		row := model.PushSubscription{
			Endpoint:  sub.Endpoint,
			P256DH:    sub.P256DH,
			Auth:      sub.Auth,
			CreatedAt: sub.CreatedAt,
		}
		if err := tx.Omit("Machines").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("endpoint = ?", sub.Endpoint).Delete(&model.PushSubscriptionMachine{}).Error; err != nil {
			return err
		}
		if len(machines) == 0 {
			return nil
		}
		links := make([]model.PushSubscriptionMachine, len(machines))
		for i, m := range machines {
			links[i] = model.PushSubscriptionMachine{Endpoint: sub.Endpoint, Machine: m.Machine}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error
	})
}

// GetSubscription returns a subscription with its machine filter.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Machines").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription. Deleting an unknown endpoint is
// not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.submit(ctx, "delete subscription", func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.PushSubscriptionMachine{}).Error; err != nil {
			return err
		}
		return tx.Where("endpoint = ?", endpoint).Delete(&model.PushSubscription{}).Error
	})
}

// SubscriptionsForMachine returns subscriptions that follow machine, including
// those without a machine filter.
func (s *gormStore) SubscriptionsForMachine(ctx context.Context, machine string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM push_subscription_machines m WHERE m.endpoint = push_subscriptions.endpoint)").
		Or("EXISTS (SELECT 1 FROM push_subscription_machines m WHERE m.endpoint = push_subscriptions.endpoint AND m.machine = ?)", machine).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for machine %s: %w", machine, err)
	}
	return subs, nil
}
