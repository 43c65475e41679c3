// Package vulnstore holds the domain types shared across the
// vulnerability data engine: catalogued vulnerabilities with their
// canonical severity vocabulary, and the robot and software inventory
// they are matched against.
//
// Persistence lives in datastore/sqlite, feed ingestion in mitre,
// external enrichment in enricher/nvd, and libstore ties the pieces
// together.
package vulnstore
