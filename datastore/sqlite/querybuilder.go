package sqlite

import (
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the sqlite3 dialect
	"github.com/doug-martin/goqu/v8/exp"

	"github.com/kestrelrobotics/vulnstore/datastore"
)

var dialect = goqu.Dialect("sqlite3")

var vulnColumns = []interface{}{
	"vulnerability_id",
	"cve_id",
	"description",
	"severity",
	"impact",
	"mitigation",
	"published_date",
}

// severityRank orders the canonical severities High, Medium, Low and
// sorts any other value last.
const severityRank = `CASE severity WHEN 'High' THEN 1 WHEN 'Medium' THEN 2 WHEN 'Low' THEN 3 ELSE 4 END`

// searchExprs assembles the WHERE expressions shared by the bounded
// SELECT and the COUNT.
func searchExprs(opts datastore.SearchOpts) []goqu.Expression {
	var exps []goqu.Expression
	if q := strings.TrimSpace(opts.Query); q != "" {
		pat := "%" + strings.ToLower(q) + "%"
		exps = append(exps, goqu.Or(
			goqu.L("LOWER(cve_id) LIKE ?", pat),
			goqu.L("LOWER(description) LIKE ?", pat),
		))
	}
	if opts.Severity != nil {
		exps = append(exps, goqu.L("LOWER(severity) = ?", strings.ToLower(opts.Severity.String())))
	}
	return exps
}

// searchOrder translates the sort selection into ordered expressions.
// Ties are always broken by the surrogate key, keeping paging
// reproducible for a fixed table state.
func searchOrder(opts datastore.SearchOpts) []exp.OrderedExpression {
	tiebreak := goqu.C("vulnerability_id").Asc()
	dir := func(key exp.Orderable) exp.OrderedExpression {
		if opts.Desc {
			return key.Desc()
		}
		return key.Asc()
	}
	switch opts.Sort {
	case datastore.SortCVE:
		return []exp.OrderedExpression{dir(goqu.C("cve_id")), tiebreak}
	case datastore.SortSeverity:
		// The tier order is fixed at High, Medium, Low, Unknown;
		// direction only reverses the order within a tier.
		return []exp.OrderedExpression{goqu.L(severityRank).Asc(), dir(goqu.C("vulnerability_id"))}
	case datastore.SortDate:
		// Undated records sort after every dated one regardless of
		// direction.
		return []exp.OrderedExpression{goqu.L("published_date IS NULL").Asc(), dir(goqu.C("published_date")), tiebreak}
	}
	return []exp.OrderedExpression{tiebreak}
}

// searchQuery builds the bounded SELECT for one result page.
func searchQuery(opts datastore.SearchOpts) (string, []interface{}, error) {
	sql, args, err := dialect.From("vulnerabilities").
		Prepared(true).
		Select(vulnColumns...).
		Where(searchExprs(opts)...).
		Order(searchOrder(opts)...).
		Limit(uint(opts.PageSize)).
		Offset(uint(opts.Page * opts.PageSize)).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("sqlite: unable to build search query: %w", err)
	}
	return sql, args, nil
}

// countQuery builds the COUNT over the same predicate as searchQuery.
func countQuery(opts datastore.SearchOpts) (string, []interface{}, error) {
	sql, args, err := dialect.From("vulnerabilities").
		Prepared(true).
		Select(goqu.COUNT("*")).
		Where(searchExprs(opts)...).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("sqlite: unable to build count query: %w", err)
	}
	return sql, args, nil
}

// updateQuery builds the partial-field UPDATE for the patch, touching
// only the columns the patch names.
func updateQuery(cve string, patch datastore.FieldPatch) (string, []interface{}, error) {
	rec := goqu.Record{}
	if patch.Description != nil {
		rec["description"] = *patch.Description
	}
	if patch.Severity != nil {
		rec["severity"] = patch.Severity.String()
	}
	if patch.Published != nil {
		rec["published_date"] = patch.Published.Format(dateFormat)
	}
	sql, args, err := dialect.Update("vulnerabilities").
		Prepared(true).
		Set(rec).
		Where(goqu.C("cve_id").Eq(cve)).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("sqlite: unable to build update query: %w", err)
	}
	return sql, args, nil
}

// robotQuery builds the filtered robot listing; it uses the same
// predicate-construction rules as the vulnerability search, restricted
// to the inventory's two filters.
func robotQuery(filter datastore.RobotFilter) (string, []interface{}, error) {
	var exps []goqu.Expression
	if q := strings.TrimSpace(filter.Query); q != "" {
		exps = append(exps, goqu.L("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%"))
	}
	if m := strings.TrimSpace(filter.Manufacturer); m != "" {
		exps = append(exps, goqu.L("LOWER(manufacturer) = ?", strings.ToLower(m)))
	}
	sql, args, err := dialect.From("robots").
		Prepared(true).
		Select("robot_id", "name", "manufacturer", "specifications", "created_at", "updated_at").
		Where(exps...).
		Order(goqu.C("robot_id").Asc()).
		ToSQL()
	if err != nil {
		return "", nil, fmt.Errorf("sqlite: unable to build robot query: %w", err)
	}
	return sql, args, nil
}
