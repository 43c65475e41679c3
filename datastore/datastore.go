// Package datastore defines the interfaces implemented by the
// persistence layer, along with the option structures used to drive
// dynamically assembled queries.
package datastore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrobotics/vulnstore"
)

// Store aggregates all interface types.
type Store interface {
	Vulnerability
	Inventory
	Operation
}

// Vulnerability is the interface exporting the methods necessary for
// maintaining and querying the vulnerability catalogue.
type Vulnerability interface {
	// SearchVulnerabilities returns one page of records matching the
	// provided options, together with the total page count for the
	// same predicate.
	SearchVulnerabilities(ctx context.Context, opts SearchOpts) (*Page, error)
	// GetVulnerability fetches a single record by its CVE identifier.
	GetVulnerability(ctx context.Context, cve string) (*vulnstore.Vulnerability, error)
	// AddVulnerability inserts a single record and returns its
	// store-assigned identifier.
	AddVulnerability(ctx context.Context, v *vulnstore.Vulnerability) (int64, error)
	// UpsertVulnerabilities inserts the batch inside one transaction,
	// replacing any existing record with the same CVE identifier.
	// Either the whole batch commits or none of it does.
	UpsertVulnerabilities(ctx context.Context, vs []*vulnstore.Vulnerability) (int64, error)
	// CountVulnerabilities reports the total number of catalogued
	// records.
	CountVulnerabilities(ctx context.Context) (int64, error)
	// EnrichmentCandidates returns up to limit records that still
	// have unknown fields.
	EnrichmentCandidates(ctx context.Context, limit int) ([]*vulnstore.Vulnerability, error)
	// UpdateVulnerabilityFields applies a partial update, touching
	// only the columns named by the patch. It reports whether a row
	// was changed. An empty patch is a no-op.
	UpdateVulnerabilityFields(ctx context.Context, cve string, patch FieldPatch) (bool, error)
}

// Inventory is the interface exporting the asset-inventory CRUD
// surface consumed by the presentation layer.
type Inventory interface {
	AddRobot(ctx context.Context, r *vulnstore.Robot) (int64, error)
	GetRobot(ctx context.Context, id int64) (*vulnstore.Robot, error)
	ListRobots(ctx context.Context, filter RobotFilter) ([]*vulnstore.Robot, error)
	UpdateRobot(ctx context.Context, r *vulnstore.Robot) error
	// DeleteRobot removes the robot and, by cascade, its software
	// installation records.
	DeleteRobot(ctx context.Context, id int64) error

	AddSoftwareProduct(ctx context.Context, p *vulnstore.SoftwareProduct) (int64, error)
	ListSoftwareProducts(ctx context.Context) ([]*vulnstore.SoftwareProduct, error)
	AddSoftwareVersion(ctx context.Context, v *vulnstore.SoftwareVersion) (int64, error)
	ListSoftwareVersions(ctx context.Context, productID int64) ([]*vulnstore.SoftwareVersion, error)
	AddAffectedSoftware(ctx context.Context, a *vulnstore.AffectedSoftware) error
	// InstallSoftware records that a robot runs the given software
	// version.
	InstallSoftware(ctx context.Context, robotID, versionID int64) error
	// ListInstallations returns the robot's installation records,
	// oldest first.
	ListInstallations(ctx context.Context, robotID int64) ([]*vulnstore.Installation, error)
	// RobotVulnerabilities returns the distinct vulnerabilities
	// affecting software installed on the given robot, most severe
	// first.
	RobotVulnerabilities(ctx context.Context, robotID int64) ([]*vulnstore.Vulnerability, error)
}

// Operation is the interface for the bookkeeping ledger recording
// bulk runs against the store.
type Operation interface {
	// RecordOperation appends a ledger row for a completed import or
	// enrichment run and returns its reference.
	RecordOperation(ctx context.Context, kind OpKind, source string, records int64) (uuid.UUID, error)
}

// OpKind discriminates ledger rows by the kind of run that produced
// them.
type OpKind string

const (
	OpImport     OpKind = "import"
	OpEnrichment OpKind = "enrichment"
)

// SortField selects the ordering column for a search.
type SortField int

const (
	// SortNone leaves results in insertion order.
	SortNone SortField = iota
	// SortCVE orders by the CVE identifier.
	SortCVE
	// SortSeverity orders by severity tier: High, Medium, Low, then
	// everything else.
	SortSeverity
	// SortDate orders by publication date. Records without a date
	// sort after every dated record, regardless of direction.
	SortDate
)

// SearchOpts drives predicate, ordering, and pagination assembly for
// SearchVulnerabilities.
type SearchOpts struct {
	// Query is matched case-insensitively as a substring of the CVE
	// identifier and the description. Empty means no text predicate.
	Query string
	// Severity restricts results to one severity when non-nil.
	Severity *vulnstore.Severity
	Sort     SortField
	// Desc reverses the ordering of the Sort field.
	Desc bool
	// Page is the zero-based page index.
	Page int
	// PageSize is the number of records per page. It must be
	// positive.
	PageSize int
}

// Page is one window of search results.
type Page struct {
	Items []*vulnstore.Vulnerability
	// TotalPages is ceil(matching records / page size), zero when
	// nothing matched.
	TotalPages int
}

// RobotFilter restricts ListRobots. Both fields are optional and are
// AND-ed when both are set.
type RobotFilter struct {
	// Query is matched case-insensitively as a substring of the
	// robot name.
	Query string
	// Manufacturer is matched by equality, case-insensitively.
	Manufacturer string
}

// FieldPatch names the vulnerability columns a partial update should
// touch. Nil fields are left alone.
type FieldPatch struct {
	Description *string
	Severity    *vulnstore.Severity
	Published   *time.Time
}

// Empty reports whether the patch would touch no columns.
func (p FieldPatch) Empty() bool {
	return p.Description == nil && p.Severity == nil && p.Published == nil
}
