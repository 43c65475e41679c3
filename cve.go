package vulnstore

import "regexp"

// cvePattern matches the canonical CVE identifier form: a
// case-insensitive "CVE" prefix, a four digit year, and a sequence
// number of at least four digits.
var cvePattern = regexp.MustCompile(`^(?i:CVE)-\d{4}-\d{4,}$`)

// IsValidCVE reports whether id is a well-formed CVE identifier.
func IsValidCVE(id string) bool {
	return cvePattern.MatchString(id)
}
