package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideo_Validate(t *testing.T) {
	tests := []struct {
		name    string
		video   Video
		wantErr error
		field   string
	}{
		{
			name:  "valid",
			video: Video{Title: "Big Buck Bunny", OriginalFile: "bunny.mp4", DurationSeconds: 596},
		},
		{
			name:    "missing title",
			video:   Video{Title: "   ", OriginalFile: "bunny.mp4"},
			wantErr: ErrTitleRequired,
		},
		{
			name:  "title too long",
			video: Video{Title: strings.Repeat("a", 256), OriginalFile: "bunny.mp4"},
			field: "title",
		},
		{
			name:    "missing original",
			video:   Video{Title: "Bunny"},
			wantErr: ErrOriginalFileRequired,
		},
		{
			name:  "negative duration",
			video: Video{Title: "Bunny", OriginalFile: "bunny.mp4", DurationSeconds: -1},
			field: "duration_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.video.Validate()
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.field != "":
				var verr ErrValidation
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.field, verr.Field)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestVideo_JSONOmitsFilesystemPaths(t *testing.T) {
	v := Video{
		Title:              "Bunny",
		OriginalFile:       "bunny.mp4",
		MediaItemID:        "a1",
		ThumbnailPath:      "/var/lib/vodproxy/work/hls/job/thumbnail.jpg",
		MasterManifestPath: "/var/lib/vodproxy/work/hls/job/master.m3u8",
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)

	body := string(data)
	assert.Contains(t, body, `"media_item_id":"a1"`)
	for _, leaked := range []string{"bunny.mp4", "/var/lib", "original_file", "thumbnail_path", "master_manifest_path"} {
		assert.NotContains(t, body, leaked)
	}
}

func TestVideo_SanitizeTrims(t *testing.T) {
	v := &Video{Title: "  Sintel \n", Description: " open movie ", OriginalFile: " sintel.mkv"}
	require.NoError(t, v.Validate())
	assert.Equal(t, "Sintel", v.Title)
	assert.Equal(t, "open movie", v.Description)
	assert.Equal(t, "sintel.mkv", v.OriginalFile)
}

func TestVideo_Active(t *testing.T) {
	assert.True(t, (&Video{}).Active(), "unset IsActive means active")
	assert.False(t, (&Video{IsActive: BoolPtr(false)}).Active())
}

func TestGenre_Validate(t *testing.T) {
	g := &Genre{Name: "  Drama "}
	require.NoError(t, g.Validate())
	assert.Equal(t, "Drama", g.Name)
	assert.Equal(t, "drama", g.NameKey)

	assert.ErrorIs(t, (&Genre{Name: " "}).Validate(), ErrNameRequired)

	var verr ErrValidation
	require.True(t, errors.As((&Genre{Name: strings.Repeat("é", 101)}).Validate(), &verr))
	assert.Equal(t, "name", verr.Field)
	assert.NoError(t, (&Genre{Name: strings.Repeat("é", 100)}).Validate(), "length counts runes, not bytes")
}

func TestFoldGenreName(t *testing.T) {
	assert.Equal(t, "sci-fi", FoldGenreName("  Sci-Fi "))
	assert.Equal(t, FoldGenreName("STRASSE"), FoldGenreName("straße"))
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "videos", Video{}.TableName())
	assert.Equal(t, "genres", Genre{}.TableName())
}
