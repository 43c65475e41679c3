package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelrobotics/vulnstore"
	"github.com/kestrelrobotics/vulnstore/datastore"
)

const (
	insertRobot = `INSERT INTO robots (name, manufacturer, specifications) VALUES (?, ?, ?);`

	getRobot = `SELECT robot_id, name, manufacturer, specifications, created_at, updated_at
FROM robots WHERE robot_id = ?;`

	updateRobot = `UPDATE robots
SET name = ?, manufacturer = ?, specifications = ?, updated_at = CURRENT_TIMESTAMP
WHERE robot_id = ?;`

	deleteRobot = `DELETE FROM robots WHERE robot_id = ?;`

	insertProduct = `INSERT INTO software_products (product_name, vendor, description) VALUES (?, ?, ?);`

	listProducts = `SELECT product_id, product_name, vendor, description
FROM software_products ORDER BY product_name, vendor;`

	insertVersion = `INSERT INTO software_versions (product_id, version_number, release_date) VALUES (?, ?, ?);`

	listVersions = `SELECT version_id, product_id, version_number, release_date
FROM software_versions WHERE product_id = ? ORDER BY version_id;`

	insertAffected = `INSERT INTO affected_software
	(vulnerability_id, version_id, affected_version_pattern, fixed_in_version, detection_confidence)
VALUES (?, ?, ?, ?, ?);`

	insertInstall = `INSERT OR IGNORE INTO robot_software (robot_id, version_id) VALUES (?, ?);`

	listInstalls = `SELECT robot_id, version_id, installed_date
FROM robot_software WHERE robot_id = ? ORDER BY installed_date, version_id;`

	// Distinct vulnerabilities reachable through the robot's
	// installed software versions, most severe first.
	robotVulns = `SELECT DISTINCT
	v.vulnerability_id, v.cve_id, v.description, v.severity, v.impact, v.mitigation, v.published_date
FROM
	vulnerabilities v
	JOIN affected_software af ON v.vulnerability_id = af.vulnerability_id
	JOIN robot_software rs ON af.version_id = rs.version_id
WHERE
	rs.robot_id = ?
ORDER BY
	CASE v.severity WHEN 'High' THEN 1 WHEN 'Medium' THEN 2 WHEN 'Low' THEN 3 ELSE 4 END,
	v.vulnerability_id;`
)

// AddRobot implements datastore.Inventory.
func (s *Store) AddRobot(ctx context.Context, r *vulnstore.Robot) (_ int64, err error) {
	defer observe("addrobot", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, insertRobot, r.Name, nullString(r.Manufacturer), nullString(r.Specifications))
	if err != nil {
		return 0, fmt.Errorf("sqlite: add robot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: add robot: %w", err)
	}
	return id, nil
}

// GetRobot implements datastore.Inventory.
func (s *Store) GetRobot(ctx context.Context, id int64) (_ *vulnstore.Robot, err error) {
	defer observe("getrobot", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	r, err := scanRobot(c.QueryRowContext(ctx, getRobot, id))
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("sqlite: get robot: %w", err)
	}
	return r, nil
}

// ListRobots implements datastore.Inventory.
func (s *Store) ListRobots(ctx context.Context, filter datastore.RobotFilter) (_ []*vulnstore.Robot, err error) {
	defer observe("listrobots", &err)()
	sqltext, args, err := robotQuery(filter)
	if err != nil {
		return nil, err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, sqltext, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list robots: %w", err)
	}
	defer rows.Close()
	out := []*vulnstore.Robot{}
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list robots scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list robots: %w", err)
	}
	return out, nil
}

// UpdateRobot implements datastore.Inventory.
func (s *Store) UpdateRobot(ctx context.Context, r *vulnstore.Robot) (err error) {
	defer observe("updaterobot", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, updateRobot, r.Name, nullString(r.Manufacturer), nullString(r.Specifications), r.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update robot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update robot: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRobot implements datastore.Inventory. Installation rows are
// removed by the foreign-key cascade.
func (s *Store) DeleteRobot(ctx context.Context, id int64) (err error) {
	defer observe("deleterobot", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, deleteRobot, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete robot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete robot: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSoftwareProduct implements datastore.Inventory.
func (s *Store) AddSoftwareProduct(ctx context.Context, p *vulnstore.SoftwareProduct) (_ int64, err error) {
	defer observe("addsoftwareproduct", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, insertProduct, p.Name, p.Vendor, nullString(p.Description))
	if err != nil {
		return 0, fmt.Errorf("sqlite: add software product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: add software product: %w", err)
	}
	return id, nil
}

// ListSoftwareProducts implements datastore.Inventory.
func (s *Store) ListSoftwareProducts(ctx context.Context) (_ []*vulnstore.SoftwareProduct, err error) {
	defer observe("listsoftwareproducts", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, listProducts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list software products: %w", err)
	}
	defer rows.Close()
	out := []*vulnstore.SoftwareProduct{}
	for rows.Next() {
		var (
			p    vulnstore.SoftwareProduct
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Vendor, &desc); err != nil {
			return nil, fmt.Errorf("sqlite: list software products scan: %w", err)
		}
		p.Description = desc.String
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list software products: %w", err)
	}
	return out, nil
}

// AddSoftwareVersion implements datastore.Inventory.
func (s *Store) AddSoftwareVersion(ctx context.Context, v *vulnstore.SoftwareVersion) (_ int64, err error) {
	defer observe("addsoftwareversion", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	res, err := c.ExecContext(ctx, insertVersion, v.ProductID, v.Version, nullDate(v.ReleaseDate))
	if err != nil {
		return 0, fmt.Errorf("sqlite: add software version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: add software version: %w", err)
	}
	return id, nil
}

// ListSoftwareVersions implements datastore.Inventory.
func (s *Store) ListSoftwareVersions(ctx context.Context, productID int64) (_ []*vulnstore.SoftwareVersion, err error) {
	defer observe("listsoftwareversions", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, listVersions, productID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list software versions: %w", err)
	}
	defer rows.Close()
	out := []*vulnstore.SoftwareVersion{}
	for rows.Next() {
		var (
			v   vulnstore.SoftwareVersion
			rel sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.ProductID, &v.Version, &rel); err != nil {
			return nil, fmt.Errorf("sqlite: list software versions scan: %w", err)
		}
		if rel.Valid && rel.String != "" {
			t, err := time.Parse(dateFormat, rel.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: list software versions: malformed release_date %q: %w", rel.String, err)
			}
			v.ReleaseDate = t
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list software versions: %w", err)
	}
	return out, nil
}

// AddAffectedSoftware implements datastore.Inventory.
func (s *Store) AddAffectedSoftware(ctx context.Context, a *vulnstore.AffectedSoftware) (err error) {
	defer observe("addaffectedsoftware", &err)()
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("sqlite: add affected software: confidence %v out of range", a.Confidence)
	}
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, insertAffected,
		a.VulnerabilityID, a.VersionID, a.VersionPattern, nullString(a.FixedIn), a.Confidence); err != nil {
		return fmt.Errorf("sqlite: add affected software: %w", err)
	}
	return nil
}

// InstallSoftware implements datastore.Inventory.
func (s *Store) InstallSoftware(ctx context.Context, robotID, versionID int64) (err error) {
	defer observe("installsoftware", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, insertInstall, robotID, versionID); err != nil {
		return fmt.Errorf("sqlite: install software: %w", err)
	}
	return nil
}

// ListInstallations implements datastore.Inventory.
func (s *Store) ListInstallations(ctx context.Context, robotID int64) (_ []*vulnstore.Installation, err error) {
	defer observe("listinstallations", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, listInstalls, robotID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list installations: %w", err)
	}
	defer rows.Close()
	out := []*vulnstore.Installation{}
	for rows.Next() {
		var (
			in  vulnstore.Installation
			raw string
		)
		if err := rows.Scan(&in.RobotID, &in.VersionID, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: list installations scan: %w", err)
		}
		t, err := time.Parse(timestampFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list installations: malformed installed_date %q: %w", raw, err)
		}
		in.InstalledAt = t
		out = append(out, &in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list installations: %w", err)
	}
	return out, nil
}

// RobotVulnerabilities implements datastore.Inventory.
func (s *Store) RobotVulnerabilities(ctx context.Context, robotID int64) (_ []*vulnstore.Vulnerability, err error) {
	defer observe("robotvulnerabilities", &err)()
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	rows, err := c.QueryContext(ctx, robotVulns, robotID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: robot vulnerabilities: %w", err)
	}
	defer rows.Close()
	out := []*vulnstore.Vulnerability{}
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: robot vulnerabilities scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: robot vulnerabilities: %w", err)
	}
	return out, nil
}

func scanRobot(r scanner) (*vulnstore.Robot, error) {
	var (
		rob                  vulnstore.Robot
		manufacturer, specs  sql.NullString
		createdAt, updatedAt string
	)
	if err := r.Scan(&rob.ID, &rob.Name, &manufacturer, &specs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rob.Manufacturer = manufacturer.String
	rob.Specifications = specs.String
	// CURRENT_TIMESTAMP renders as "YYYY-MM-DD HH:MM:SS".
	t, err := time.Parse(timestampFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("malformed created_at %q: %w", createdAt, err)
	}
	rob.CreatedAt = t
	if t, err = time.Parse(timestampFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("malformed updated_at %q: %w", updatedAt, err)
	}
	rob.UpdatedAt = t
	return &rob, nil
}

const timestampFormat = `2006-01-02 15:04:05`
