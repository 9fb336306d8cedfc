package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowListUsedVerbatim(t *testing.T) {
	d := New(&Config{
		Home:  "home.example",
		Allow: []string{"lemmy.ml", "home.example", "beehaw.org", "bad.example"},
		Deny:  []string{"bad.example"},
	})

	instances, err := d.Instances(context.Background())
	require.NoError(t, err)
	// Deny-list and home are subtracted even from an explicit list; no
	// threshold filtering applies.
	assert.Equal(t, []string{"lemmy.ml", "beehaw.org"}, instances)
}

func TestFetchSortsAndFilters(t *testing.T) {
	pages := map[int]string{
		0: `[
			{"baseurl":"small.example","score":10,"usage":{"users":{"activeHalfyear":5}}},
			{"baseurl":"big.example","score":90,"usage":{"users":{"activeHalfyear":5000}}}
		]`,
		1: `[
			{"baseurl":"mid.example","score":50,"usage":{"users":{"activeHalfyear":200}}},
			{"baseurl":"deny.example","score":99,"usage":{"users":{"activeHalfyear":9000}}},
			{"baseurl":"home.example","score":95,"usage":{"users":{"activeHalfyear":9000}}}
		]`,
	}

	var lastPage int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var page int
		fmt.Sscanf(r.URL.Path, "/data/instance/%d.json", &page)
		lastPage = page
		body, ok := pages[page]
		if !ok {
			// Past the last page the aggregator serves an HTML
			// document, which the directory treats as end-of-data.
			fmt.Fprint(w, "<html><body>lemmyverse</body></html>")
			return
		}
		fmt.Fprint(w, body)
	}))
	defer ts.Close()

	d := New(&Config{
		SourceURL:        ts.URL + "/data/instance/%d.json",
		Home:             "home.example",
		ResolveThreshold: 50,
		Deny:             []string{"deny.example"},
	})

	instances, err := d.Instances(context.Background())
	require.NoError(t, err)

	// Sorted by descending score, below-threshold small.example
	// dropped, deny-listed and home excluded.
	assert.Equal(t, []string{"big.example", "mid.example"}, instances)
	assert.Equal(t, 2, lastPage, "fetch should stop at the first non-JSON page")
}

func TestFetchReturnsPartialOnFailure(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			fmt.Fprint(w, `[{"baseurl":"a.example","score":1,"usage":{"users":{"activeHalfyear":100}}}]`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	}))
	defer ts.Close()

	d := New(&Config{
		SourceURL:        ts.URL + "/data/instance/%d.json",
		ResolveThreshold: 50,
	})

	instances, err := d.Instances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example"}, instances, "partial results are acceptable")
}

func TestSourceURLDefault(t *testing.T) {
	d := New(&Config{})
	u := fmt.Sprintf(d.sourceURL, 3)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "lemmyverse.net", parsed.Host)
	assert.Equal(t, "/data/instance/3.json", parsed.Path)
}
