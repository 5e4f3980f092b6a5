// Package relay copies upstream media bytes to HTTP clients and rewrites HLS
// manifests so nested playlists and segments stay behind signed URLs.
package relay

import "errors"

// Content types for HLS delivery.
const (
	// ContentTypeHLSPlaylist is the MIME type for HLS playlists (.m3u8).
	ContentTypeHLSPlaylist = "application/vnd.apple.mpegurl"

	// ContentTypeHLSSegment is the MIME type for MPEG-TS segments (.ts).
	ContentTypeHLSSegment = "video/MP2T"
)

// Defaults used when the configuration leaves a value unset.
const (
	// DefaultChunkSize is the largest write issued to a client per read.
	DefaultChunkSize = 8 * 1024

	// DefaultMaxManifestSize bounds how much of a manifest is buffered for
	// rewriting.
	DefaultMaxManifestSize = 1 << 20
)

// ErrManifestTooLarge is returned when a manifest exceeds the rewrite limit.
var ErrManifestTooLarge = errors.New("manifest exceeds size limit")
