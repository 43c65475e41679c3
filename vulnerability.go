package vulnstore

import (
	"time"
)

// Vulnerability is a single catalogued security vulnerability.
//
// The CVE identifier is the business key: it is globally unique and
// immutable once the record exists. ID is the store-assigned surrogate
// key and is zero until the record has been persisted.
//
// Free-text fields use the empty string for "unknown" and Published
// uses the zero time; see NeedsEnrichment.
type Vulnerability struct {
	ID          int64
	CVE         string
	Description string
	Severity    Severity
	Impact      string
	Mitigation  string
	Published   time.Time
}

// NeedsEnrichment reports whether any field of the record is still
// unknown and could be filled in from an external source.
func (v *Vulnerability) NeedsEnrichment() bool {
	return v.Description == "" ||
		v.Severity == Unknown ||
		v.Published.IsZero() ||
		v.Impact == "" ||
		v.Mitigation == ""
}
