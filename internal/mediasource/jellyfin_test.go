package mediasource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodproxy/internal/config"
)

func newTestJellyfin(t *testing.T, handler http.Handler) (*Jellyfin, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	j := NewJellyfin(config.MediaSourceConfig{
		Type:    "jellyfin",
		BaseURL: server.URL + "/",
		APIKey:  "test-key",
		UserID:  "user-1",
		Timeout: 5 * time.Second,
	}, nil)
	return j, server
}

func TestJellyfin_ListItems(t *testing.T) {
	j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Users/user-1/Items", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get(HeaderToken))

		q := r.URL.Query()
		assert.Equal(t, "Movie,Video", q.Get("IncludeItemTypes"))
		assert.Equal(t, "true", q.Get("Recursive"))
		assert.Equal(t, "DateCreated,SortName", q.Get("SortBy"))
		assert.Equal(t, "Descending", q.Get("SortOrder"))
		assert.Equal(t, "lib-1", q.Get("ParentId"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"Items":[
			{"Id":"a","Name":"Newest","RunTimeTicks":1234567890,"Genres":["Drama","Crime"],"Path":"/media/newest.mp4"},
			{"Id":"b","Name":"Older","Overview":"text"}
		]}`)
	}))

	items, err := j.ListItems(context.Background(), "lib-1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, int64(123), items[0].DurationSeconds())
	assert.Equal(t, "Drama", items[0].PrimaryGenre())
	assert.Equal(t, "/media/newest.mp4", items[0].Path)
	assert.Equal(t, "", items[1].PrimaryGenre())
	assert.Equal(t, "text", items[1].Overview)
}

func TestJellyfin_ListItems_OmitsEmptyParent(t *testing.T) {
	j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("ParentId"))
		_, _ = io.WriteString(w, `{}`)
	}))

	items, err := j.ListItems(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestJellyfin_ListItems_Errors(t *testing.T) {
	t.Run("non-2xx is an upstream error", func(t *testing.T) {
		j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := j.ListItems(context.Background(), "")
		require.ErrorIs(t, err, ErrUpstreamError)

		var statusErr *UpstreamStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	})

	t.Run("bad json is an upstream error", func(t *testing.T) {
		j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"Items":`)
		}))

		_, err := j.ListItems(context.Background(), "")
		assert.ErrorIs(t, err, ErrUpstreamError)
	})

	t.Run("unreachable server is unavailable", func(t *testing.T) {
		j, server := newTestJellyfin(t, http.NotFoundHandler())
		server.Close()

		_, err := j.ListItems(context.Background(), "")
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})
}

func TestJellyfin_GetItem(t *testing.T) {
	j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Users/user-1/Items/abc":
			_, _ = io.WriteString(w, `{"Id":"abc","Name":"Film","RunTimeTicks":600000000}`)
		case "/Users/user-1/Items/broken":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))

	item, err := j.GetItem(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Film", item.Name)
	assert.Equal(t, int64(60), item.DurationSeconds())

	_, err = j.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = j.GetItem(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrUpstreamError)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestJellyfin_StreamBytes(t *testing.T) {
	payload := strings.Repeat("segment-bytes", 1000)

	j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get(HeaderToken))
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))

		switch r.URL.Path {
		case "/Videos/item-1/0/segment_000.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("X-Upstream-Secret", "not forwarded")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			_, _ = io.WriteString(w, payload)
		case "/Videos/item-1/live.ts":
			_, _ = io.WriteString(w, payload[:100])
			w.(http.Flusher).Flush()
			_, _ = io.WriteString(w, payload[100:])
		case "/Videos/item-1/flaky.ts":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))

	t.Run("success", func(t *testing.T) {
		stream, err := j.StreamBytes(context.Background(), "item-1", "0/segment_000.ts")
		require.NoError(t, err)
		defer stream.Body.Close()

		assert.Equal(t, "video/mp2t", stream.ContentType)
		assert.Equal(t, int64(len(payload)), stream.ContentLength)

		body, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("chunked upstream has unknown length", func(t *testing.T) {
		stream, err := j.StreamBytes(context.Background(), "item-1", "live.ts")
		require.NoError(t, err)
		defer stream.Body.Close()

		assert.Equal(t, int64(-1), stream.ContentLength)

		body, err := io.ReadAll(stream.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("404 passes through", func(t *testing.T) {
		_, err := j.StreamBytes(context.Background(), "item-1", "missing.ts")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other status is not retried", func(t *testing.T) {
		_, err := j.StreamBytes(context.Background(), "item-1", "flaky.ts")
		var statusErr *UpstreamStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	})
}

func TestJellyfin_StreamBytes_ConnectionFailure(t *testing.T) {
	j, server := newTestJellyfin(t, http.NotFoundHandler())
	server.Close()

	_, err := j.StreamBytes(context.Background(), "item-1", "master.m3u8")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestJellyfin_TriggerLibraryRescan(t *testing.T) {
	t.Run("posts refresh", func(t *testing.T) {
		var calls int32
		j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/Library/Refresh", r.URL.Path)
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNoContent)
		}))

		j.TriggerLibraryRescan(context.Background())
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("failures are swallowed", func(t *testing.T) {
		j, _ := newTestJellyfin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))

		assert.NotPanics(t, func() { j.TriggerLibraryRescan(context.Background()) })
	})
}

func TestJellyfin_ThumbnailURL(t *testing.T) {
	j := NewJellyfin(config.MediaSourceConfig{BaseURL: "http://jf.local:8096/"}, nil)
	assert.Equal(t,
		"http://jf.local:8096/Items/abc/Images/Primary?quality=80&fillHeight=540&fillWidth=960",
		j.ThumbnailURL("abc"))
}
