package nvd

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore"
	"github.com/kestrelrobotics/vulnstore/datastore"
)

// DefaultBatchSize is the number of qualifying records pulled per
// enrichment invocation when the caller does not specify one.
const DefaultBatchSize = 20

// Store is the subset of the datastore the enricher needs.
type Store interface {
	EnrichmentCandidates(ctx context.Context, limit int) ([]*vulnstore.Vulnerability, error)
	GetVulnerability(ctx context.Context, cve string) (*vulnstore.Vulnerability, error)
	UpdateVulnerabilityFields(ctx context.Context, cve string, patch datastore.FieldPatch) (bool, error)
	RecordOperation(ctx context.Context, kind datastore.OpKind, source string, records int64) (uuid.UUID, error)
}

// Enricher fills in unknown fields of existing records from the
// external source, never overwriting a field that already holds a
// known value. It is safe to re-run: a fully known record is never
// touched again.
type Enricher struct {
	store  Store
	client *Client
}

// NewEnricher returns an Enricher reading from client and writing
// through store.
func NewEnricher(store Store, client *Client) *Enricher {
	return &Enricher{store: store, client: client}
}

// RunBatch pulls up to size qualifying records, enriches each, and
// returns the count of records that received at least one field
// update. Per-record failures are logged and skipped; only context
// cancellation or a store-level failure aborts the batch.
func (e *Enricher) RunBatch(ctx context.Context, size int) (int, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/nvd/Enricher.RunBatch")
	if size <= 0 {
		size = DefaultBatchSize
	}
	candidates, err := e.store.EnrichmentCandidates(ctx, size)
	if err != nil {
		return 0, err
	}
	var updated int
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		ok, err := e.enrich(ctx, cand.CVE)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return updated, err
		default:
			zlog.Warn(ctx).Str("cve", cand.CVE).Err(err).Msg("enrichment failed for record")
			continue
		}
		if ok {
			updated++
			zlog.Info(ctx).Str("cve", cand.CVE).Msg("record enriched")
		}
	}
	if len(candidates) != 0 {
		if _, err := e.store.RecordOperation(ctx, datastore.OpEnrichment, "nvd", int64(updated)); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// enrich processes a single record, reporting whether any field was
// updated.
func (e *Enricher) enrich(ctx context.Context, cve string) (bool, error) {
	// Re-read the row so a record completed since the candidate scan
	// is left alone.
	v, err := e.store.GetVulnerability(ctx, cve)
	if err != nil {
		return false, err
	}
	if !v.NeedsEnrichment() {
		return false, nil
	}
	rec, err := e.client.FetchCVE(ctx, cve)
	if err != nil {
		return false, err
	}
	patch := buildPatch(v, rec)
	if patch.Empty() {
		return false, nil
	}
	return e.store.UpdateVulnerabilityFields(ctx, cve, patch)
}

// buildPatch computes the field-level replacements: each field is
// taken from the fetched record only if the stored value is still
// unknown.
func buildPatch(v *vulnstore.Vulnerability, rec *Record) datastore.FieldPatch {
	var patch datastore.FieldPatch
	if v.Description == "" {
		if d := rec.EnglishDescription(); d != "" {
			patch.Description = &d
		}
	}
	if v.Severity == vulnstore.Unknown {
		if sev := vulnstore.ParseSeverity(rec.BaseSeverity()); sev != vulnstore.Unknown {
			patch.Severity = &sev
		}
	}
	if v.Published.IsZero() {
		if t, err := rec.PublishedDate(); err == nil {
			patch.Published = &t
		}
	}
	return patch
}
