package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vodproxy/internal/signing"
)

type recordingWriter struct {
	bytes.Buffer
	writes []int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, len(p))
	return w.Buffer.Write(p)
}

// cancelAfterReader cancels the context once it has served limit bytes.
type cancelAfterReader struct {
	r      io.Reader
	limit  int
	read   int
	cancel context.CancelFunc
}

func (c *cancelAfterReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	if c.read >= c.limit {
		c.cancel()
	}
	return n, err
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopy_ChunksAndCounts(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 2500) // 25000 bytes
	w := &recordingWriter{}

	n, err := Copy(context.Background(), w, bytes.NewReader(payload), 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, w.Bytes())

	require.NotEmpty(t, w.writes)
	for _, size := range w.writes {
		assert.LessOrEqual(t, size, 4096)
	}
}

func TestCopy_DefaultChunkSize(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 3*DefaultChunkSize+1)
	w := &recordingWriter{}

	n, err := Copy(context.Background(), w, bytes.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Len(t, w.writes, 4)
}

func TestCopy_FlushesResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()

	n, err := Copy(context.Background(), rec, strings.NewReader("segment bytes"), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "segment bytes", rec.Body.String())
}

func TestCopy_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &cancelAfterReader{
		r:      bytes.NewReader(make([]byte, 1<<20)),
		limit:  2048,
		cancel: cancel,
	}
	w := &recordingWriter{}

	n, err := Copy(ctx, w, src, 1024)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2048), n)
}

func TestCopy_ReadError(t *testing.T) {
	_, err := Copy(context.Background(), io.Discard, failingReader{}, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading upstream")
}

func newTestRewriter(t *testing.T, maxSize int64) (*ManifestRewriter, *signing.Signer) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	signer, err := signing.NewSigner([]byte("test-secret"), signing.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return NewManifestRewriter(signer, maxSize), signer
}

// verifyLine checks that a rewritten reference carries a valid signature.
func verifyLine(t *testing.T, signer *signing.Signer, ref string) string {
	t.Helper()
	u, err := url.Parse(ref)
	require.NoError(t, err)
	require.NoError(t, signer.VerifyQuery(u.Path, u.Query()), "reference %q", ref)
	return u.Path
}

func TestManifestRewriter_MasterPlaylist(t *testing.T) {
	rw, signer := newTestRewriter(t, 0)
	expires := int64(1_700_000_600)

	master := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=854x480\n" +
		"0/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720\n" +
		"1/index.m3u8\n"

	out, err := rw.Rewrite(strings.NewReader(master), "/stream/job1/master.m3u8", expires)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=854x480", lines[2])
	assert.Equal(t, "/stream/job1/0/index.m3u8", verifyLine(t, signer, lines[3]))
	assert.Equal(t, "/stream/job1/1/index.m3u8", verifyLine(t, signer, lines[5]))
	assert.Contains(t, lines[3], "expires=1700000600")
}

func TestManifestRewriter_MediaPlaylist(t *testing.T) {
	rw, signer := newTestRewriter(t, 0)

	media := "#EXTM3U\r\n" +
		"#EXT-X-PLAYLIST-TYPE:VOD\r\n" +
		"#EXT-X-MAP:URI=\"init.mp4\"\r\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"https://keys.example.com/k\"\r\n" +
		"#EXTINF:6.000,\r\n" +
		"segment_000.ts\r\n" +
		"#EXTINF:6.000,\r\n" +
		"https://cdn.example.com/segment_001.ts\r\n" +
		"#EXTINF:6.000,\r\n" +
		"../other/segment_002.ts\r\n" +
		"#EXT-X-ENDLIST\r\n"

	out, err := rw.Rewrite(strings.NewReader(media), "/stream/job1/0/index.m3u8", 1_700_000_600)
	require.NoError(t, err)

	lines := strings.Split(string(out), "\r\n")
	require.Len(t, lines, 12, "line endings are preserved")

	require.True(t, strings.HasPrefix(lines[2], `#EXT-X-MAP:URI="`))
	mapRef := strings.TrimSuffix(strings.TrimPrefix(lines[2], `#EXT-X-MAP:URI="`), `"`)
	assert.Equal(t, "/stream/job1/0/init.mp4", verifyLine(t, signer, mapRef))

	assert.Equal(t, `#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k"`, lines[3], "absolute URIs are untouched")
	assert.Equal(t, "/stream/job1/0/segment_000.ts", verifyLine(t, signer, lines[5]))
	assert.Equal(t, "https://cdn.example.com/segment_001.ts", lines[7])
	assert.Equal(t, "../other/segment_002.ts", lines[9], "references escaping the manifest directory are untouched")
}

func TestManifestRewriter_TooLarge(t *testing.T) {
	rw, _ := newTestRewriter(t, 32)

	_, err := rw.Rewrite(strings.NewReader(strings.Repeat("#EXTINF:6.0,\n", 10)), "/stream/a/index.m3u8", 1)
	assert.ErrorIs(t, err, ErrManifestTooLarge)
}

func TestIsManifest(t *testing.T) {
	assert.True(t, IsManifest("master.m3u8"))
	assert.True(t, IsManifest("0/INDEX.M3U8"))
	assert.False(t, IsManifest("segment_000.ts"))
	assert.False(t, IsManifest("thumbnail.jpg"))
}
