package models

import (
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"
)

// MaxVideoTitleLength is the column size of videos.title.
const MaxVideoTitleLength = 255

// Video is an ingested catalog record. Artifact paths are absolute paths
// into the transcode output tree; OriginalFile is a storage key. Neither is
// serialised: API responses carry signed stream URLs instead.
type Video struct {
	BaseModel

	Title       string `gorm:"not null;size:255" json:"title"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	// GenreID is nullable; a video without a genre is valid.
	GenreID *ULID  `gorm:"type:varchar(26);index" json:"genre_id,omitempty"`
	Genre   *Genre `gorm:"foreignKey:GenreID" json:"genre,omitempty"`

	OriginalFile string `gorm:"not null;size:1024" json:"-"`

	// MediaItemID is the upstream media server's id, resolved after the
	// library rescan. Empty until matched.
	MediaItemID string `gorm:"size:64;index" json:"media_item_id,omitempty"`

	DurationSeconds    int64  `gorm:"not null;default:0" json:"duration_seconds"`
	IsActive           *bool  `gorm:"default:true" json:"is_active"`
	ThumbnailPath      string `gorm:"size:1024" json:"-"`
	MasterManifestPath string `gorm:"size:1024" json:"-"`
}

// TableName returns the table name for Video.
func (Video) TableName() string {
	return "videos"
}

// Sanitize trims whitespace from user-provided fields.
func (v *Video) Sanitize() {
	v.Title = strings.TrimSpace(v.Title)
	v.Description = strings.TrimSpace(v.Description)
	v.OriginalFile = strings.TrimSpace(v.OriginalFile)
}

// Validate performs basic validation on the video.
func (v *Video) Validate() error {
	v.Sanitize()

	if v.Title == "" {
		return ErrTitleRequired
	}
	if utf8.RuneCountInString(v.Title) > MaxVideoTitleLength {
		return ErrValidation{Field: "title", Message: "must be at most 255 characters"}
	}
	if v.OriginalFile == "" {
		return ErrOriginalFileRequired
	}
	if v.DurationSeconds < 0 {
		return ErrValidation{Field: "duration_seconds", Message: "must not be negative"}
	}
	return nil
}

// Active reports whether the video is visible in the catalog.
func (v *Video) Active() bool {
	return BoolVal(v.IsActive)
}

// BeforeCreate is a GORM hook that validates the video and generates ULID.
func (v *Video) BeforeCreate(tx *gorm.DB) error {
	if err := v.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return v.Validate()
}

// BeforeUpdate is a GORM hook that validates the video before update.
func (v *Video) BeforeUpdate(tx *gorm.DB) error {
	return v.Validate()
}
