package lemmy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a client with fast retries at an httptest
// server acting as the home instance.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	c, err := New(&Config{
		Home:   u.Host,
		Scheme: "http",
		Retry:  fastRetry(),
	})
	require.NoError(t, err)
	return c, ts
}

func TestLoginStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user/login", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Username string `json:"username_or_email"`
			Password string `json:"password"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "bot", body.Username)
		assert.Equal(t, "hunter2", body.Password)
		fmt.Fprint(w, `{"jwt":"sekret"}`)
	})

	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background(), "bot", "hunter2"))
	assert.Equal(t, "sekret", c.token())
}

func TestLoginFailsOnMissingJWT(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"incorrect_login"}`)
	})

	c, _ := newTestClient(t, mux)
	require.Error(t, c.Login(context.Background(), "bot", "wrong"))
}

func TestResolveSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jwt":"sekret"}`)
	})
	mux.HandleFunc("/api/v3/resolve_object", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://lemmy.ml/c/linux", r.URL.Query().Get("q"))
		assert.Equal(t, "sekret", r.URL.Query().Get("auth"))
		fmt.Fprint(w, `{"community":{"community":{"id":42}}}`)
	})

	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background(), "bot", "pw"))

	id, err := c.Resolve(context.Background(), "https://lemmy.ml/c/linux")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestResolveNotFoundHitsServerOnce(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/resolve_object", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"couldnt_find_object"}`)
	})

	c, _ := newTestClient(t, mux)
	_, err := c.Resolve(context.Background(), "https://gone.example/c/x")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), hits.Load(), "not-found must not be retried")
}

func TestMalformedResponseRetriedToBound(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/community/list", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<html>gateway error</html>`)
	})

	c, _ := newTestClient(t, mux)
	_, err := c.LocalCommunities(context.Background(), c.home, 1)
	require.Error(t, err)
	assert.Equal(t, int64(4), hits.Load(), "transient failures retried to the bound")
}

func TestServerErrorRetried(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/community/list", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"communities":[]}`)
	})

	c, _ := newTestClient(t, mux)
	communities, err := c.LocalCommunities(context.Background(), c.home, 1)
	require.NoError(t, err)
	assert.Empty(t, communities)
	assert.Equal(t, int64(3), hits.Load())
}

func TestLocalCommunitiesMapsWireFormat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/community/list", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "Local", q.Get("type_"))
		assert.Equal(t, SortTopSixMonths, q.Get("sort"))
		assert.Equal(t, "2", q.Get("page"))
		fmt.Fprint(w, `{"communities":[
			{"community":{"id":7,"name":"linux","actor_id":"https://a.example/c/linux","nsfw":false},
			 "counts":{"users_active_half_year":321}}
		]}`)
	})

	c, _ := newTestClient(t, mux)
	communities, err := c.LocalCommunities(context.Background(), c.home, 2)
	require.NoError(t, err)
	require.Len(t, communities, 1)
	assert.Equal(t, "linux", communities[0].Name)
	assert.Equal(t, "https://a.example/c/linux", communities[0].ActorID)
	assert.Equal(t, int64(321), communities[0].ActiveHalfYear)
	assert.False(t, communities[0].NSFW)
}

func TestFollowSendsPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jwt":"sekret"}`)
	})
	mux.HandleFunc("/api/v3/community/follow", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CommunityID int64  `json:"community_id"`
			Follow      bool   `json:"follow"`
			Auth        string `json:"auth"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(42), body.CommunityID)
		assert.True(t, body.Follow)
		assert.Equal(t, "sekret", body.Auth)
		fmt.Fprint(w, `{"community_view":{}}`)
	})

	c, _ := newTestClient(t, mux)
	require.NoError(t, c.Login(context.Background(), "bot", "pw"))
	require.NoError(t, c.Follow(context.Background(), 42, true))
}

func TestSiteLanguages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"all_languages":[{"id":0,"code":"und"},{"id":37,"code":"en"},{"id":38,"code":"de"}]}`)
	})

	c, _ := newTestClient(t, mux)
	langs, err := c.SiteLanguages(context.Background(), c.home)
	require.NoError(t, err)
	assert.Equal(t, int64(37), langs["en"])
	assert.Equal(t, int64(38), langs["de"])
}

func TestCommunityLanguages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/community", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linux", r.URL.Query().Get("name"))
		fmt.Fprint(w, `{"discussion_languages":[0,37]}`)
	})

	c, _ := newTestClient(t, mux)
	langs, err := c.CommunityLanguages(context.Background(), c.home, "linux")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 37}, langs)
}
