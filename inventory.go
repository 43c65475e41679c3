package vulnstore

import "time"

// Robot is an asset-inventory record for a physical unit that may run
// catalogued software.
type Robot struct {
	ID             int64
	Name           string
	Manufacturer   string
	Specifications string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SoftwareProduct identifies a piece of software by name and vendor.
// The (Name, Vendor) pair is unique.
type SoftwareProduct struct {
	ID          int64
	Name        string
	Vendor      string
	Description string
}

// SoftwareVersion is a concrete release of a SoftwareProduct. The
// (ProductID, Version) pair is unique.
type SoftwareVersion struct {
	ID          int64
	ProductID   int64
	Version     string
	ReleaseDate time.Time
}

// AffectedSoftware associates a Vulnerability with a SoftwareVersion.
// The (VulnerabilityID, VersionID) pair is the composite key.
type AffectedSoftware struct {
	VulnerabilityID int64
	VersionID       int64
	// VersionPattern describes which versions are affected. It is
	// stored opaque and not evaluated by the store.
	VersionPattern string
	FixedIn        string
	// Confidence is the detection confidence in [0.0, 1.0].
	Confidence float64
}

// Installation records that a robot runs a particular software
// version.
type Installation struct {
	RobotID     int64
	VersionID   int64
	InstalledAt time.Time
}
