// Package mitre bulk-loads the MITRE CVE flat-file feed into the
// vulnerability catalogue.
//
// The feed is comma-separated UTF-8 with an arbitrary amount of
// non-tabular preamble before the real header row. Individual corrupt
// rows are skipped; the load only aborts on a failed batch commit.
package mitre

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore"
	"github.com/kestrelrobotics/vulnstore/datastore"
)

// BatchSize is the number of rows committed per transaction.
const BatchSize = 1000

// expectedHeader is the feed's column name sequence, matched
// case-insensitively.
var expectedHeader = []string{"Name", "Status", "Description", "References", "Phase", "Votes", "Comments"}

// ErrNoHeader is returned when the end of the feed is reached without
// finding the header row.
var ErrNoHeader = errors.New("mitre: header row not found in feed")

// HeaderError is returned when the discovered header row does not
// validate against the expected column names.
type HeaderError struct {
	Column   int
	Expected string
	Got      string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("mitre: unexpected header in column %d: expected %q, found %q", e.Column, e.Expected, e.Got)
}

// Store is the subset of the datastore the importer needs.
type Store interface {
	UpsertVulnerabilities(ctx context.Context, vs []*vulnstore.Vulnerability) (int64, error)
	RecordOperation(ctx context.Context, kind datastore.OpKind, source string, records int64) (uuid.UUID, error)
}

// Importer loads feed snapshots into a Store.
type Importer struct {
	store     Store
	batchSize int
}

// NewImporter returns an Importer committing rows in batches of
// BatchSize.
func NewImporter(store Store) *Importer {
	return &Importer{store: store, batchSize: BatchSize}
}

// Import reads one feed snapshot and upserts its rows, returning the
// number of rows actually inserted.
//
// Re-importing the same feed is idempotent: rows replace any existing
// record with the same CVE identifier.
func (i *Importer) Import(ctx context.Context, r io.Reader) (int, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "mitre/Importer.Import")
	br := bufio.NewReader(r)
	line, skipped, err := findHeader(br)
	if err != nil {
		return 0, err
	}
	zlog.Info(ctx).Int("preamble_lines", skipped).Msg("feed header found")
	if err := validateHeader(line); err != nil {
		return 0, err
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = len(expectedHeader)
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	var (
		imported int
		rejected int
		noise    int
		batch    = make([]*vulnstore.Vulnerability, 0, i.batchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := i.store.UpsertVulnerabilities(ctx, batch)
		if err != nil {
			return fmt.Errorf("mitre: batch commit failed: %w", err)
		}
		imported += int(n)
		batch = batch[:0]
		return nil
	}
	for lineNo := skipped + 2; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		rec, err := cr.Read()
		switch {
		case errors.Is(err, io.EOF):
			if err := flush(); err != nil {
				return imported, err
			}
			if _, err := i.store.RecordOperation(ctx, datastore.OpImport, "mitre", int64(imported)); err != nil {
				return imported, err
			}
			zlog.Info(ctx).
				Int("imported", imported).
				Int("rejected", rejected).
				Int("noise", noise).
				Msg("import completed")
			return imported, nil
		case err != nil:
			rejected++
			zlog.Warn(ctx).Int("line", lineNo).Err(err).Msg("skipping malformed row")
			continue
		}
		v, err := convertRow(rec)
		switch {
		case err != nil:
			rejected++
			zlog.Warn(ctx).Int("line", lineNo).Err(err).Msg("skipping invalid row")
			continue
		case v == nil:
			// Metadata noise: no description, impact, or
			// mitigation.
			noise++
			continue
		}
		batch = append(batch, v)
		if len(batch) >= i.batchSize {
			if err := flush(); err != nil {
				return imported, err
			}
		}
	}
}

// findHeader scans lines until one matches the expected header,
// returning the raw header line and the count of preamble lines
// skipped.
func findHeader(br *bufio.Reader) (string, int, error) {
	var skipped int
	for {
		line, err := br.ReadString('\n')
		if line == "" && errors.Is(err, io.EOF) {
			return "", skipped, ErrNoHeader
		}
		if isHeader(line) {
			return line, skipped, nil
		}
		if errors.Is(err, io.EOF) {
			return "", skipped, ErrNoHeader
		}
		if err != nil {
			return "", skipped, fmt.Errorf("mitre: reading feed: %w", err)
		}
		skipped++
	}
}

// isHeader does the loose discovery match: split on commas, trim
// quotes and space, compare the first columns case-insensitively.
func isHeader(line string) bool {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < len(expectedHeader) {
		return false
	}
	for n, want := range expectedHeader {
		got := strings.TrimSpace(strings.Trim(strings.TrimSpace(fields[n]), `"`))
		if !strings.EqualFold(want, got) {
			return false
		}
	}
	return true
}

// validateHeader re-parses the discovered line as a structured record
// and confirms field order and names exactly.
func validateHeader(line string) error {
	cr := csv.NewReader(strings.NewReader(line))
	cr.TrimLeadingSpace = true
	rec, err := cr.Read()
	if err != nil {
		return fmt.Errorf("mitre: unable to parse header row: %w", err)
	}
	if len(rec) < len(expectedHeader) {
		return &HeaderError{Column: len(rec), Expected: expectedHeader[len(rec)], Got: ""}
	}
	for n, want := range expectedHeader {
		if !strings.EqualFold(want, strings.TrimSpace(rec[n])) {
			return &HeaderError{Column: n, Expected: want, Got: rec[n]}
		}
	}
	return nil
}

// convertRow turns one feed record into a Vulnerability. A nil result
// with a nil error means the row carried no usable content and should
// be dropped silently.
func convertRow(rec []string) (*vulnstore.Vulnerability, error) {
	cve := strings.TrimSpace(rec[0])
	if !vulnstore.IsValidCVE(cve) {
		return nil, fmt.Errorf("invalid CVE identifier %q", cve)
	}
	pub, err := parseDate(strings.TrimSpace(rec[4]))
	if err != nil {
		return nil, err
	}
	v := &vulnstore.Vulnerability{
		CVE:         cve,
		Severity:    normalizeStatus(rec[1]),
		Description: strings.TrimSpace(rec[2]),
		Published:   pub,
		Impact:      strings.TrimSpace(rec[5]),
		Mitigation:  strings.TrimSpace(rec[6]),
	}
	if v.Description == "" && v.Impact == "" && v.Mitigation == "" {
		return nil, nil
	}
	return v, nil
}

// normalizeStatus maps the feed's status vocabulary onto the
// canonical severities.
func normalizeStatus(raw string) vulnstore.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high", "entry":
		return vulnstore.High
	case "medium", "candidate":
		return vulnstore.Medium
	case "low":
		return vulnstore.Low
	}
	return vulnstore.Unknown
}

// parseDate accepts a bare YYYY-MM-DD value or a value embedding a
// parenthesized YYYYMMDD token, e.g. "Modified (20051217)". An empty
// value parses to the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if idx := strings.IndexByte(s, '('); idx >= 0 {
		tok := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s[idx+1:]), ")"))
		t, err := time.Parse("20060102", tok)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed date %q: %w", s, err)
		}
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed date %q: %w", s, err)
	}
	return t, nil
}
