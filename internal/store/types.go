package store

import (
	"errors"
	"time"

	"calibration-backend/internal/model"
)

var (
	// ErrNotFound is returned when a lookup or delete matches no row.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned for writes submitted after Close.
	ErrClosed = errors.New("store is closed")
)

// ListOptions narrows List. The zero value lists every record.
type ListOptions struct {
	Machine string
}

// MachineSummary aggregates the records of one machine.
type MachineSummary struct {
	Machine    string
	Total      int64
	Passed     int64
	Failed     int64
	LastDate   *time.Time
	LastStatus model.Status
}
