// Package nvd enriches incomplete catalogue records with data from
// the NVD CVE API.
package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/time/rate"
)

// DefaultRoot is the default lookup endpoint.
const DefaultRoot = `https://services.nvd.nist.gov/rest/json/cves/2.0`

// userAgent identifies this client on every request, per the
// service's usage policy.
const userAgent = `vulnstore/1.0`

// DefaultRequestInterval is the minimum delay enforced between
// requests, per the service's public rate-limit guidance.
const DefaultRequestInterval = 2 * time.Second

var defaultRoot *url.URL

func init() {
	var err error
	defaultRoot, err = url.Parse(DefaultRoot)
	if err != nil {
		panic(err)
	}
}

// ErrRecordNotFound is returned when the service has no record for
// the requested identifier.
var ErrRecordNotFound = errors.New("nvd: no record for identifier")

// Client is a rate-limited lookup-by-CVE client.
type Client struct {
	c       *http.Client
	root    *url.URL
	limiter *rate.Limiter
}

// Option configures a Client.
type Option func(*Client) error

// WithRoot overrides the lookup endpoint.
func WithRoot(root string) Option {
	return func(c *Client) error {
		u, err := url.Parse(root)
		if err != nil {
			return fmt.Errorf("nvd: malformed root URL: %w", err)
		}
		c.root = u
		return nil
	}
}

// WithRequestInterval overrides the minimum inter-request delay. A
// non-positive interval disables rate limiting; this is meant for
// tests.
func WithRequestInterval(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return nil
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
		return nil
	}
}

// NewClient returns a Client using hc for transport. If hc is nil,
// http.DefaultClient is used.
func NewClient(hc *http.Client, opts ...Option) (*Client, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{
		c:       hc,
		root:    defaultRoot,
		limiter: rate.NewLimiter(rate.Every(DefaultRequestInterval), 1),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Record is one fetched CVE record.
type Record struct {
	ID           string        `json:"id"`
	Descriptions []langString  `json:"descriptions"`
	Metrics      metrics       `json:"metrics"`
	Published    string        `json:"published"`
	LastModified string        `json:"lastModified"`
}

type langString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metrics struct {
	CVSSMetricV31 []cvssMetric `json:"cvssMetricV31"`
	CVSSMetricV30 []cvssMetric `json:"cvssMetricV30"`
	CVSSMetricV2  []cvssMetric `json:"cvssMetricV2"`
}

type cvssMetric struct {
	Source   string   `json:"source"`
	CVSSData cvssData `json:"cvssData"`
	// V2 metrics carry the severity outside cvssData.
	BaseSeverity string `json:"baseSeverity"`
}

type cvssData struct {
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type response struct {
	Vulnerabilities []struct {
		CVE Record `json:"cve"`
	} `json:"vulnerabilities"`
}

// EnglishDescription returns the English-language description, or the
// empty string if the record has none.
func (r *Record) EnglishDescription() string {
	for _, d := range r.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	return ""
}

// BaseSeverity returns the first available severity rating, preferring
// the newest scoring source.
func (r *Record) BaseSeverity() string {
	for _, m := range r.Metrics.CVSSMetricV31 {
		if m.CVSSData.BaseSeverity != "" {
			return m.CVSSData.BaseSeverity
		}
	}
	for _, m := range r.Metrics.CVSSMetricV30 {
		if m.CVSSData.BaseSeverity != "" {
			return m.CVSSData.BaseSeverity
		}
	}
	for _, m := range r.Metrics.CVSSMetricV2 {
		if m.BaseSeverity != "" {
			return m.BaseSeverity
		}
	}
	return ""
}

// PublishedDate parses the record's publication timestamp, which is
// ISO-8601; only the date prefix is significant here.
func (r *Record) PublishedDate() (time.Time, error) {
	if len(r.Published) < 10 {
		return time.Time{}, fmt.Errorf("nvd: malformed publication timestamp %q", r.Published)
	}
	return time.Parse("2006-01-02", r.Published[:10])
}

// FetchCVE looks up one record by its CVE identifier. The configured
// minimum delay is enforced before every request, regardless of the
// previous request's outcome.
func (c *Client) FetchCVE(ctx context.Context, cve string) (*Record, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/nvd/Client.FetchCVE")
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := *c.root
	v := u.Query()
	v.Set("cveId", cve)
	u.RawQuery = v.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("nvd: unable to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	zlog.Debug(ctx).Str("cve", cve).Msg("fetching record")
	res, err := c.c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nvd: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nvd: unexpected response: %s", res.Status)
	}
	var body response
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("nvd: unable to decode response: %w", err)
	}
	if len(body.Vulnerabilities) == 0 {
		return nil, ErrRecordNotFound
	}
	return &body.Vulnerabilities[0].CVE, nil
}
