// Package directory produces the ordered list of instances to scan.
//
// With an explicit allow-list the directory uses it verbatim (minus
// deny-list and home). Otherwise it pages through the external
// aggregator's indexed JSON documents until the first out-of-range
// page, which the aggregator serves as an HTML document; the decode
// failure is the end-of-data signal, not an error.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lemmyfed/subwoofer/internal/types"
)

// DefaultSourceURL is the aggregator's paginated instance index. The
// %d verb is the zero-based page number.
const DefaultSourceURL = "https://lemmyverse.net/data/instance/%d.json"

// maxPages bounds the fetch loop against an aggregator that never
// stops serving valid pages.
const maxPages = 999

// Config holds directory configuration.
type Config struct {
	SourceURL        string             // aggregator URL pattern (default: DefaultSourceURL)
	HTTPClient       *http.Client       // injected transport (default: 15s timeout client)
	Logger           *zap.SugaredLogger // optional; nop when nil
	Home             string             // home domain, always excluded
	ResolveThreshold int64              // instances below this active-user count are dropped
	Allow            []string           // explicit allow-list; used verbatim when non-empty
	Deny             []string           // always excluded
}

// Directory discovers candidate instances. Pure: it never touches the
// ledger or performs authenticated calls.
type Directory struct {
	sourceURL string
	http      *http.Client
	log       *zap.SugaredLogger
	home      string
	threshold int64
	allow     []string
	deny      map[string]bool
}

// New creates a directory.
func New(cfg *Config) *Directory {
	sourceURL := cfg.SourceURL
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	deny := make(map[string]bool, len(cfg.Deny))
	for _, d := range cfg.Deny {
		deny[d] = true
	}

	return &Directory{
		sourceURL: sourceURL,
		http:      httpClient,
		log:       log,
		home:      cfg.Home,
		threshold: cfg.ResolveThreshold,
		allow:     cfg.Allow,
		deny:      deny,
	}
}

// Instances returns the ordered list of instance domains to scan.
func (d *Directory) Instances(ctx context.Context) ([]string, error) {
	if len(d.allow) > 0 {
		out := make([]string, 0, len(d.allow))
		for _, inst := range d.allow {
			if d.excluded(inst) {
				continue
			}
			out = append(out, inst)
		}
		return out, nil
	}

	candidates := d.fetch(ctx)

	// Highest-scored instances first; the scanner visits them in this
	// order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	out := make([]string, 0, len(candidates))
	for _, inst := range candidates {
		// Below the resolve threshold nothing on the instance can
		// qualify, so it is dropped outright.
		if inst.ActiveHalfYear < d.threshold {
			continue
		}
		if d.excluded(inst.BaseURL) {
			continue
		}
		out = append(out, inst.BaseURL)
	}

	d.log.Infow("loaded instances from directory", "count", len(out))
	return out, nil
}

func (d *Directory) excluded(domain string) bool {
	return domain == d.home || d.deny[domain]
}

// instanceRecord is the aggregator's wire format.
type instanceRecord struct {
	BaseURL string  `json:"baseurl"`
	Score   float64 `json:"score"`
	Usage   struct {
		Users struct {
			ActiveHalfYear int64 `json:"activeHalfyear"`
		} `json:"users"`
	} `json:"usage"`
}

// fetch pages through the aggregator. Any failure ends the loop and
// returns whatever accumulated so far; partial results are acceptable.
func (d *Directory) fetch(ctx context.Context) []types.Instance {
	var candidates []types.Instance
	for page := 0; page < maxPages; page++ {
		records, err := d.fetchPage(ctx, page)
		if err != nil {
			// The first out-of-range page decodes as HTML, which is
			// the expected end-of-data marker. Real failures land here
			// too and simply cut the list short.
			d.log.Debugw("instance fetch stopped", "page", page, "error", err)
			break
		}
		for _, r := range records {
			candidates = append(candidates, types.Instance{
				BaseURL:        r.BaseURL,
				Score:          r.Score,
				ActiveHalfYear: r.Usage.Users.ActiveHalfYear,
			})
		}
	}
	return candidates
}

func (d *Directory) fetchPage(ctx context.Context, page int) ([]instanceRecord, error) {
	url := fmt.Sprintf(d.sourceURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	var records []instanceRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return records, nil
}
