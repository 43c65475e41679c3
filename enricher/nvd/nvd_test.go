package nvd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore"
)

// recordJSON renders a minimal service response for one CVE.
func recordJSON(cve, desc, sev, published string) string {
	return fmt.Sprintf(`{
		"vulnerabilities": [{"cve": {
			"id": %q,
			"descriptions": [
				{"lang": "es", "value": "otra"},
				{"lang": "en", "value": %q}
			],
			"metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 9.8, "baseSeverity": %q}}]},
			"published": %q
		}}]
	}`, cve, desc, sev, published)
}

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.Client(), WithRoot(srv.URL), WithRequestInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchCVE(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cveId"); got != "CVE-2021-44228" {
			t.Errorf("cveId == %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("User-Agent == %q", got)
		}
		fmt.Fprint(w, recordJSON("CVE-2021-44228", "JNDI lookup in log messages", "CRITICAL", "2021-12-10T10:15:09.143"))
	}))

	rec, err := c.FetchCVE(ctx, "CVE-2021-44228")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "CVE-2021-44228" {
		t.Errorf("ID == %q", rec.ID)
	}
	if got := rec.EnglishDescription(); got != "JNDI lookup in log messages" {
		t.Errorf("EnglishDescription == %q", got)
	}
	if got := rec.BaseSeverity(); got != "CRITICAL" {
		t.Errorf("BaseSeverity == %q", got)
	}
	d, err := rec.PublishedDate()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC); !d.Equal(want) {
		t.Errorf("PublishedDate == %v, want %v", d, want)
	}
}

func TestFetchCVENotFound(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"vulnerabilities": []}`)
	}))
	if _, err := c.FetchCVE(ctx, "CVE-1990-0001"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
}

func TestFetchCVEServerError(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	if _, err := c.FetchCVE(ctx, "CVE-2020-0001"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestBaseSeverityPreference(t *testing.T) {
	// V3.1 wins over V3.0 and V2; V2 carries its rating outside
	// cvssData.
	r := &Record{Metrics: metrics{
		CVSSMetricV30: []cvssMetric{{CVSSData: cvssData{BaseSeverity: "MEDIUM"}}},
		CVSSMetricV2:  []cvssMetric{{BaseSeverity: "LOW"}},
	}}
	if got := r.BaseSeverity(); got != "MEDIUM" {
		t.Errorf("BaseSeverity == %q, want MEDIUM", got)
	}
	r.Metrics.CVSSMetricV31 = []cvssMetric{{CVSSData: cvssData{BaseSeverity: "HIGH"}}}
	if got := r.BaseSeverity(); got != "HIGH" {
		t.Errorf("BaseSeverity == %q, want HIGH", got)
	}
	r.Metrics = metrics{CVSSMetricV2: []cvssMetric{{BaseSeverity: "LOW"}}}
	if got := r.BaseSeverity(); got != "LOW" {
		t.Errorf("BaseSeverity == %q, want LOW", got)
	}
	if got := (&Record{}).BaseSeverity(); got != "" {
		t.Errorf("BaseSeverity on bare record == %q, want empty", got)
	}
}

func TestPublishedDateMalformed(t *testing.T) {
	r := &Record{Published: "2021"}
	if _, err := r.PublishedDate(); err == nil {
		t.Error("expected error for short timestamp")
	}
}

func TestBuildPatch(t *testing.T) {
	rec := &Record{
		Descriptions: []langString{{Lang: "en", Value: "fetched description"}},
		Metrics:      metrics{CVSSMetricV31: []cvssMetric{{CVSSData: cvssData{BaseSeverity: "CRITICAL"}}}},
		Published:    "2019-05-14T00:00:00.000",
	}

	// Every unknown field is filled; CRITICAL folds into High.
	v := &vulnstore.Vulnerability{CVE: "CVE-2019-0708", Severity: vulnstore.Unknown}
	patch := buildPatch(v, rec)
	if patch.Description == nil || *patch.Description != "fetched description" {
		t.Error("description not patched")
	}
	if patch.Severity == nil || *patch.Severity != vulnstore.High {
		t.Error("severity not patched to High")
	}
	if patch.Published == nil || !patch.Published.Equal(time.Date(2019, 5, 14, 0, 0, 0, 0, time.UTC)) {
		t.Error("published date not patched")
	}

	// Known fields are never replaced.
	v = &vulnstore.Vulnerability{
		CVE:         "CVE-2019-0708",
		Description: "local description",
		Severity:    vulnstore.Low,
		Published:   time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if patch := buildPatch(v, rec); !patch.Empty() {
		t.Errorf("patch over known fields not empty: %+v", patch)
	}
}
