// Package parse normalizes the free-form values submitted by the record form.
package parse

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	spaceRe = regexp.MustCompile(`\s+`)
	extRe   = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)
)

// dateLayouts are tried in order. Values without a zone are taken as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Date parses a calibration date as sent by the form's date or
// datetime-local inputs, or as an ISO-8601 timestamp. The result is UTC.
func Date(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %q", raw)
}

// ID parses a positive record id from a path segment.
func ID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %q", raw)
	}
	return id, nil
}

// Text trims s and collapses internal runs of whitespace to one space.
func Text(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// OptionalText trims s and returns nil when nothing is left. Inner line
// breaks are kept.
func OptionalText(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}

// Extension returns the lower-cased extension of an uploaded file name, or ""
// when it does not look like a file extension.
func Extension(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, `\`, "/")))
	if !extRe.MatchString(ext) {
		return ""
	}
	return ext
}
