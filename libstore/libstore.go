// Package libstore wires the vulnerability data engine together: it
// opens the store (migrating the schema first), optionally bulk-loads
// a feed into an empty catalogue, and exposes the enrichment pipeline
// for on-demand or periodic invocation.
package libstore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore/datastore"
	"github.com/kestrelrobotics/vulnstore/datastore/sqlite"
	"github.com/kestrelrobotics/vulnstore/enricher/nvd"
	"github.com/kestrelrobotics/vulnstore/mitre"
)

// DefaultDatabaseFile is the database location used when Options does
// not name one, relative to the working directory.
const DefaultDatabaseFile = `database/vulnerabilities.db`

// Options configures New.
type Options struct {
	// DatabasePath is the on-disk database file. Parent directories
	// are created as needed. Defaults to DefaultDatabaseFile.
	DatabasePath string
	// FeedPath optionally names a feed snapshot to import when the
	// catalogue is empty.
	FeedPath string
	// Client is used for external lookups. Defaults to
	// http.DefaultClient.
	Client *http.Client
	// EnrichRoot overrides the enrichment lookup endpoint.
	EnrichRoot string
	// EnrichRequestInterval overrides the minimum delay between
	// enrichment lookups. Defaults to nvd.DefaultRequestInterval.
	EnrichRequestInterval time.Duration
	// EnrichInterval is the period of the background enrichment
	// runner. Defaults to DefaultInterval.
	EnrichInterval time.Duration
	// EnrichBatchSize bounds each enrichment run. Defaults to
	// nvd.DefaultBatchSize.
	EnrichBatchSize int
}

// Libstore is the assembled engine.
type Libstore struct {
	store    *sqlite.Store
	enricher *nvd.Enricher
	manager  *Manager
}

// New opens the database at the configured path, brings its schema
// current, performs the initial feed import if the catalogue is empty
// and a feed was provided, and returns the assembled engine.
func New(ctx context.Context, opts Options) (*Libstore, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libstore/New")
	if opts.DatabasePath == "" {
		opts.DatabasePath = filepath.FromSlash(DefaultDatabaseFile)
	}
	store, err := sqlite.Open(ctx, opts.DatabasePath)
	if err != nil {
		return nil, err
	}

	if opts.FeedPath != "" {
		if err := initialImport(ctx, store, opts.FeedPath); err != nil {
			store.Close()
			return nil, err
		}
	}

	var copts []nvd.Option
	if opts.EnrichRoot != "" {
		copts = append(copts, nvd.WithRoot(opts.EnrichRoot))
	}
	if opts.EnrichRequestInterval != 0 {
		copts = append(copts, nvd.WithRequestInterval(opts.EnrichRequestInterval))
	}
	client, err := nvd.NewClient(opts.Client, copts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	e := nvd.NewEnricher(store, client)
	l := &Libstore{
		store:    store,
		enricher: e,
		manager:  NewManager(e, opts.EnrichInterval, opts.EnrichBatchSize),
	}
	return l, nil
}

// initialImport loads the feed when the catalogue has no records yet.
// The importer only runs at startup, before enrichment begins, so the
// two never race on a row.
func initialImport(ctx context.Context, store *sqlite.Store, path string) error {
	n, err := store.CountVulnerabilities(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		zlog.Debug(ctx).Int64("records", n).Msg("catalogue already populated, skipping import")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("libstore: unable to open feed: %w", err)
	}
	defer f.Close()
	imported, err := mitre.NewImporter(store).Import(ctx, f)
	if err != nil {
		return err
	}
	zlog.Info(ctx).Str("feed", path).Int("imported", imported).Msg("initial import completed")
	return nil
}

// Store exposes the full datastore surface for the presentation
// layer.
func (l *Libstore) Store() datastore.Store { return l.store }

// RunEnrichment triggers one enrichment batch and returns the count
// of records updated.
func (l *Libstore) RunEnrichment(ctx context.Context, size int) (int, error) {
	return l.enricher.RunBatch(ctx, size)
}

// Manager returns the periodic enrichment runner.
func (l *Libstore) Manager() *Manager { return l.manager }

// Close releases held resources.
func (l *Libstore) Close() error {
	return l.store.Close()
}
