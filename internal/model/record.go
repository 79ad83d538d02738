package model

import (
	"strings"
	"time"
)

// Status is the outcome of a calibration.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// ParseStatus normalizes a user supplied status. It accepts any letter case.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPass, StatusFail:
		return s, true
	}
	return "", false
}

// Record is one calibration event for a machine. Rows are immutable once
// created; they are only ever inserted or deleted.
type Record struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Machine    string    `gorm:"size:64;not null;index"`
	Volume     float64   `gorm:"not null"`
	Date       time.Time `gorm:"not null;index"`
	Status     Status    `gorm:"size:8;not null"`
	ImageKey   *string   `gorm:"size:255"`
	Timestamp  time.Time `gorm:"not null"`
	Calibrator string    `gorm:"size:128;not null"`
	Notes      *string
}

// TableName pins the table name used by every engine.
func (Record) TableName() string {
	return "records"
}
