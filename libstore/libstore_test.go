package libstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore"
	"github.com/kestrelrobotics/vulnstore/datastore"
)

const feed = `CVE database (allitems)
Copyright 1999-2023 The MITRE Corporation

Name,Status,Description,References,Phase,Votes,Comments
CVE-2019-0001,Entry,"Crafted packet sequence exhausts memory","VENDOR:1",2019-01-09,Denial of service,Upgrade
CVE-2019-0002,Candidate,"Improper input validation in CLI","VENDOR:2",2019-01-15,Privilege escalation,Upgrade
CVE-2019-0003,,"","","","",""
bogus,Entry,not a record,,,x,
CVE-2019-0004,Low,"Information leak in status page","VENDOR:3",Modified (20190301),Disclosure,Filter
`

func writeFeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allitems.csv")
	if err := os.WriteFile(path, []byte(feed), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// stubNVD serves a fixed record for any identifier and counts hits.
func stubNVD(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		cve := r.URL.Query().Get("cveId")
		fmt.Fprintf(w, `{"vulnerabilities": [{"cve": {
			"id": %q,
			"descriptions": [{"lang": "en", "value": "fetched description"}],
			"metrics": {"cvssMetricV31": [{"cvssData": {"baseSeverity": "HIGH"}}]},
			"published": "2019-06-01T00:00:00.000"
		}}]}`, cve)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(ctx context.Context, t *testing.T, srv *httptest.Server) *Libstore {
	t.Helper()
	l, err := New(ctx, Options{
		DatabasePath:          filepath.Join(t.TempDir(), "vulns.db"),
		FeedPath:              writeFeed(t),
		Client:                srv.Client(),
		EnrichRoot:            srv.URL,
		EnrichRequestInterval: -1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEndToEnd(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	var hits int
	l := newEngine(ctx, t, stubNVD(t, &hits))
	store := l.Store()

	// The metadata row and the malformed row never make it in.
	n, err := store.CountVulnerabilities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("catalogue holds %d records after import, want 3", n)
	}

	page, err := store.SearchVulnerabilities(ctx, datastore.SearchOpts{
		Sort: datastore.SortSeverity, PageSize: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 3 || page.TotalPages != 1 {
		t.Fatalf("search returned %d items over %d pages", len(page.Items), page.TotalPages)
	}
	if page.Items[0].CVE != "CVE-2019-0001" {
		t.Errorf("most severe first: got %s", page.Items[0].CVE)
	}

	// Blank out one record's unknowns and run an enrichment batch
	// against the stub.
	desc := ""
	sev := vulnstore.Unknown
	if _, err := store.UpdateVulnerabilityFields(ctx, "CVE-2019-0004", datastore.FieldPatch{
		Description: &desc, Severity: &sev,
	}); err != nil {
		t.Fatal(err)
	}

	updated, err := l.RunEnrichment(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 1 {
		t.Fatalf("enrichment updated %d records, want 1", updated)
	}
	got, err := store.GetVulnerability(ctx, "CVE-2019-0004")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "fetched description" || got.Severity != vulnstore.High {
		t.Errorf("record not enriched: %+v", got)
	}
	// The feed's publication date survives enrichment.
	if want := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC); !got.Published.Equal(want) {
		t.Errorf("published date overwritten: %v", got.Published)
	}

	// A second run converges with no further writes.
	hits = 0
	updated, err = l.RunEnrichment(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 0 {
		t.Errorf("second run updated %d records, want 0", updated)
	}
}

func TestReopenSkipsImport(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := stubNVD(t, nil)
	dir := t.TempDir()
	opts := Options{
		DatabasePath:          filepath.Join(dir, "vulns.db"),
		FeedPath:              writeFeed(t),
		Client:                srv.Client(),
		EnrichRoot:            srv.URL,
		EnrichRequestInterval: -1,
	}
	l, err := New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	first, err := l.Store().CountVulnerabilities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l, err = New(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	again, err := l.Store().CountVulnerabilities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Errorf("reopen changed record count from %d to %d", first, again)
	}
}

func TestNewMissingFeed(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	srv := stubNVD(t, nil)
	_, err := New(ctx, Options{
		DatabasePath: filepath.Join(t.TempDir(), "vulns.db"),
		FeedPath:     filepath.Join(t.TempDir(), "does-not-exist.csv"),
		Client:       srv.Client(),
		EnrichRoot:   srv.URL,
	})
	if err == nil {
		t.Fatal("expected error for missing feed file")
	}
}

func TestManagerStart(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	l := newEngine(ctx, t, stubNVD(t, nil))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Manager().Start(ctx) }()

	// The loop must exit promptly on cancellation.
	time.AfterFunc(50*time.Millisecond, cancel)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}
