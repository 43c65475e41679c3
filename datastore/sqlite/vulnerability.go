package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore"
	"github.com/kestrelrobotics/vulnstore/datastore"
)

const (
	insertVulnerability = `INSERT INTO vulnerabilities
	(cve_id, description, severity, impact, mitigation, published_date)
VALUES
	(?, ?, ?, ?, ?, ?);`

	upsertVulnerability = `INSERT OR REPLACE INTO vulnerabilities
	(cve_id, description, severity, impact, mitigation, published_date)
VALUES
	(?, ?, ?, ?, ?, ?);`

	getVulnerability = `SELECT
	vulnerability_id, cve_id, description, severity, impact, mitigation, published_date
FROM
	vulnerabilities
WHERE
	cve_id = ?;`

	countVulnerabilities = `SELECT COUNT(*) FROM vulnerabilities;`

	// Rows qualify for enrichment while any of their fields is still
	// unknown.
	enrichmentCandidates = `SELECT
	vulnerability_id, cve_id, description, severity, impact, mitigation, published_date
FROM
	vulnerabilities
WHERE
	description IS NULL OR description = ''
	OR severity = 'Unknown'
	OR published_date IS NULL
	OR impact IS NULL OR impact = ''
	OR mitigation IS NULL OR mitigation = ''
ORDER BY
	vulnerability_id
LIMIT ?;`
)

// SearchVulnerabilities implements datastore.Vulnerability.
//
// It issues a COUNT over the assembled predicate and then a bounded
// SELECT with the same predicate plus ordering, returning one page and
// the total page count. An empty result is a Page with no items and
// zero total pages, not an error.
func (s *Store) SearchVulnerabilities(ctx context.Context, opts datastore.SearchOpts) (_ *datastore.Page, err error) {
	defer observe("searchvulnerabilities", &err)()
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("sqlite: vulnerability search: page size must be positive, got %d", opts.PageSize)
	}
	if opts.Page < 0 {
		return nil, fmt.Errorf("sqlite: vulnerability search: page index must not be negative, got %d", opts.Page)
	}
	cntSQL, cntArgs, err := countQuery(opts)
	if err != nil {
		return nil, err
	}
	selSQL, selArgs, err := searchQuery(opts)
	if err != nil {
		return nil, err
	}

	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var total int64
	if err := c.QueryRowContext(ctx, cntSQL, cntArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: vulnerability search count: %w", err)
	}
	page := datastore.Page{Items: []*vulnstore.Vulnerability{}}
	if total == 0 {
		return &page, nil
	}
	page.TotalPages = int((total + int64(opts.PageSize) - 1) / int64(opts.PageSize))

	rows, err := c.QueryContext(ctx, selSQL, selArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vulnerability search select: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: vulnerability search scan: %w", err)
		}
		page.Items = append(page.Items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vulnerability search: %w", err)
	}
	return &page, nil
}

// GetVulnerability implements datastore.Vulnerability.
func (s *Store) GetVulnerability(ctx context.Context, cve string) (_ *vulnstore.Vulnerability, err error) {
	defer observe("getvulnerability", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	v, err := scanVulnerability(c.QueryRowContext(ctx, getVulnerability, cve))
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("sqlite: get vulnerability: %w", err)
	}
	return v, nil
}

// AddVulnerability implements datastore.Vulnerability.
func (s *Store) AddVulnerability(ctx context.Context, v *vulnstore.Vulnerability) (_ int64, err error) {
	defer observe("addvulnerability", &err)()
	if !vulnstore.IsValidCVE(v.CVE) {
		return 0, fmt.Errorf("sqlite: add vulnerability: invalid CVE identifier %q", v.CVE)
	}
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, insertVulnerability,
		v.CVE, nullString(v.Description), v.Severity.String(),
		nullString(v.Impact), nullString(v.Mitigation), nullDate(v.Published))
	if err != nil {
		return 0, fmt.Errorf("sqlite: add vulnerability: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: add vulnerability: %w", err)
	}
	return id, nil
}

// UpsertVulnerabilities implements datastore.Vulnerability.
//
// The batch is applied inside one transaction with insert-or-replace
// semantics keyed by the CVE identifier; a failure rolls back the
// whole batch.
func (s *Store) UpsertVulnerabilities(ctx context.Context, vs []*vulnstore.Vulnerability) (_ int64, err error) {
	defer observe("upsertvulnerabilities", &err)()
	if len(vs) == 0 {
		return 0, nil
	}
	var n int64
	err = s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertVulnerability)
		if err != nil {
			return fmt.Errorf("sqlite: upsert vulnerabilities: %w", err)
		}
		defer stmt.Close()
		for _, v := range vs {
			if _, err := stmt.ExecContext(ctx,
				v.CVE, nullString(v.Description), v.Severity.String(),
				nullString(v.Impact), nullString(v.Mitigation), nullDate(v.Published)); err != nil {
				return fmt.Errorf("sqlite: upsert vulnerabilities: %q: %w", v.CVE, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CountVulnerabilities implements datastore.Vulnerability.
func (s *Store) CountVulnerabilities(ctx context.Context) (_ int64, err error) {
	defer observe("countvulnerabilities", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	var n int64
	if err := c.QueryRowContext(ctx, countVulnerabilities).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count vulnerabilities: %w", err)
	}
	return n, nil
}

// EnrichmentCandidates implements datastore.Vulnerability.
func (s *Store) EnrichmentCandidates(ctx context.Context, limit int) (_ []*vulnstore.Vulnerability, err error) {
	defer observe("enrichmentcandidates", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, enrichmentCandidates, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: enrichment candidates: %w", err)
	}
	defer rows.Close()
	var out []*vulnstore.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: enrichment candidates scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: enrichment candidates: %w", err)
	}
	return out, nil
}

// UpdateVulnerabilityFields implements datastore.Vulnerability.
func (s *Store) UpdateVulnerabilityFields(ctx context.Context, cve string, patch datastore.FieldPatch) (_ bool, err error) {
	defer observe("updatevulnerabilityfields", &err)()
	if patch.Empty() {
		return false, nil
	}
	sqltext, args, err := updateQuery(cve, patch)
	if err != nil {
		return false, err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, sqltext, args...)
	if err != nil {
		return false, fmt.Errorf("sqlite: update vulnerability fields: %q: %w", cve, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: update vulnerability fields: %w", err)
	}
	if n > 0 {
		zlog.Debug(ctx).Str("cve", cve).Msg("vulnerability fields updated")
	}
	return n > 0, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(...interface{}) error
}

func scanVulnerability(r scanner) (*vulnstore.Vulnerability, error) {
	var (
		v                         vulnstore.Vulnerability
		desc, impact, mit, pubRaw sql.NullString
		sevRaw                    string
	)
	if err := r.Scan(&v.ID, &v.CVE, &desc, &sevRaw, &impact, &mit, &pubRaw); err != nil {
		return nil, err
	}
	v.Description = desc.String
	v.Impact = impact.String
	v.Mitigation = mit.String
	// Severity is stored canonically; anything else is treated as
	// Unknown rather than surfacing a scan error.
	if err := v.Severity.UnmarshalText([]byte(sevRaw)); err != nil {
		v.Severity = vulnstore.Unknown
	}
	if pubRaw.Valid && pubRaw.String != "" {
		t, err := time.Parse(dateFormat, pubRaw.String)
		if err != nil {
			return nil, fmt.Errorf("malformed published_date %q: %w", pubRaw.String, err)
		}
		v.Published = t
	}
	return &v, nil
}
