package vulnstore

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Severity is the canonical severity vocabulary for catalogued
// vulnerabilities. Raw source strings are normalized into one of these
// values before they reach the store.
type Severity uint

const (
	Unknown Severity = iota
	Low
	Medium
	High
)

var severityNames = [...]string{
	Unknown: "Unknown",
	Low:     "Low",
	Medium:  "Medium",
	High:    "High",
}

func (s Severity) String() string {
	if int(s) >= len(severityNames) {
		return severityNames[Unknown]
	}
	return severityNames[s]
}

// Rank reports the sort rank used for severity ordering: High sorts
// first (1), then Medium (2), Low (3), and everything else last (4).
func (s Severity) Rank() int {
	switch s {
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	}
	return 4
}

// ParseSeverity maps a raw severity string into the canonical
// vocabulary. Matching is case-insensitive; "critical" ratings are
// folded into High. Anything unrecognized is Unknown.
func ParseSeverity(v string) Severity {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high", "critical":
		return High
	case "medium":
		return Medium
	case "low":
		return Low
	}
	return Unknown
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	for i, n := range severityNames {
		if strings.EqualFold(n, string(b)) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

func (s Severity) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *Severity) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v < 0 || v >= int64(len(severityNames)) {
			return fmt.Errorf("unable to scan Severity from enum %d", v)
		}
		*s = Severity(v)
	default:
		return fmt.Errorf("unable to scan Severity from type %T", i)
	}
	return nil
}
