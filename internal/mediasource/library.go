package mediasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vodproxy/internal/observability"
	"github.com/jmylchreest/vodproxy/internal/storage"
)

// Well-known file names inside a library item directory.
const (
	SidecarName        = "item.json"
	MasterManifestName = "master.m3u8"
	ThumbnailName      = "thumbnail.jpg"
)

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".json": "application/json",
}

// ContentTypeFor returns the media type for a file name, falling back to
// application/octet-stream.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Sidecar is the metadata file written next to a transcoded item.
type Sidecar struct {
	Title           string   `json:"title"`
	Overview        string   `json:"overview,omitempty"`
	Genres          []string `json:"genres,omitempty"`
	DurationSeconds int64    `json:"durationSeconds,omitempty"`
	SourceFile      string   `json:"sourceFile,omitempty"`
}

// WriteSidecar stores meta as item.json inside dir.
func WriteSidecar(dir string, meta Sidecar) error {
	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	return sb.AtomicWrite(SidecarName, data)
}

type libraryEntry struct {
	item    MediaItem
	modTime time.Time
}

// Library is a Source over the local transcode output tree. Every directory
// holding a master manifest is one item, identified by the directory name.
// The library is flat, so the parent id of ListItems is ignored.
type Library struct {
	sandbox *storage.Sandbox
	logger  *slog.Logger

	mu      sync.RWMutex
	entries []libraryEntry
	scanned bool
}

// NewLibrary creates a Library rooted at root, creating it if needed.
func NewLibrary(root string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sb, err := storage.NewSandbox(root)
	if err != nil {
		return nil, fmt.Errorf("opening library: %w", err)
	}
	return &Library{
		sandbox: sb,
		logger:  observability.WithComponent(logger, "library"),
	}, nil
}

// Root returns the absolute library directory.
func (l *Library) Root() string {
	return l.sandbox.BaseDir()
}

// ListItems implements Source.
func (l *Library) ListItems(ctx context.Context, _ string) ([]MediaItem, error) {
	l.mu.RLock()
	scanned := l.scanned
	l.mu.RUnlock()
	if !scanned {
		if err := l.scan(ctx); err != nil {
			return nil, err
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	items := make([]MediaItem, 0, len(l.entries))
	for _, e := range l.entries {
		items = append(items, e.item)
	}
	return items, nil
}

// GetItem implements Source. It reads the directory directly so items
// are visible before the next rescan.
func (l *Library) GetItem(_ context.Context, id string) (*MediaItem, error) {
	if !validSegment(id) {
		return nil, fmt.Errorf("getting item %q: %w", id, ErrNotFound)
	}
	entry, err := l.load(id)
	if err != nil {
		return nil, fmt.Errorf("getting item %s: %w", id, err)
	}
	return &entry.item, nil
}

// StreamBytes implements Source.
func (l *Library) StreamBytes(_ context.Context, itemID, filename string) (*Stream, error) {
	if !validSegment(itemID) {
		return nil, fmt.Errorf("streaming %q: %w", itemID, ErrNotFound)
	}
	for _, seg := range strings.Split(filename, "/") {
		if !validSegment(seg) {
			return nil, fmt.Errorf("streaming %s/%s: %w", itemID, filename, ErrNotFound)
		}
	}

	f, info, err := l.sandbox.Open(filepath.Join(itemID, filepath.FromSlash(filename)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrPathEscapes) {
			return nil, fmt.Errorf("streaming %s/%s: %w", itemID, filename, ErrNotFound)
		}
		return nil, fmt.Errorf("streaming %s/%s: %w: %w", itemID, filename, ErrUpstreamUnavailable, err)
	}

	return &Stream{
		Body:          f,
		ContentType:   ContentTypeFor(filename),
		ContentLength: info.Size(),
	}, nil
}

// TriggerLibraryRescan implements Source.
func (l *Library) TriggerLibraryRescan(ctx context.Context) {
	if err := l.scan(ctx); err != nil {
		l.logger.WarnContext(ctx, "library rescan failed", slog.String("error", err.Error()))
	}
}

// ThumbnailURL implements Source. The path is served by the stream proxy
// and must be signed before it is handed to a client.
func (l *Library) ThumbnailURL(id string) string {
	return "/stream/" + id + "/" + ThumbnailName
}

func (l *Library) scan(ctx context.Context) error {
	dirs, err := l.sandbox.List(".")
	if err != nil {
		return fmt.Errorf("scanning library: %w", err)
	}

	entries := make([]libraryEntry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entry, err := l.load(d.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				l.logger.WarnContext(ctx, "skipping library item",
					slog.String("item_id", d.Name()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		entries = append(entries, *entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].modTime.After(entries[j].modTime)
		}
		return entries[i].item.Name < entries[j].item.Name
	})

	l.mu.Lock()
	l.entries = entries
	l.scanned = true
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "library scanned", slog.Int("items", len(entries)))
	return nil
}

func (l *Library) load(id string) (*libraryEntry, error) {
	f, info, err := l.sandbox.Open(filepath.Join(id, MasterManifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	f.Close()

	entry := &libraryEntry{
		item:    MediaItem{ID: id, Name: id},
		modTime: info.ModTime(),
	}

	data, err := l.sandbox.ReadFile(filepath.Join(id, SidecarName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entry, nil
		}
		return nil, err
	}

	var meta Sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", SidecarName, err)
	}
	if meta.Title != "" {
		entry.item.Name = meta.Title
	}
	entry.item.Overview = meta.Overview
	entry.item.Genres = meta.Genres
	entry.item.RunTimeTicks = meta.DurationSeconds * ticksPerSecond
	entry.item.Path = meta.SourceFile
	return entry, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
