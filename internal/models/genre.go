package models

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"gorm.io/gorm"
)

// MaxGenreNameLength is the column size of genres.name.
const MaxGenreNameLength = 100

// Genre is a catalog category. Names are unique; NameKey holds the
// case-folded name so lookups ignore case.
type Genre struct {
	BaseModel

	Name    string `gorm:"uniqueIndex;not null;size:100" json:"name"`
	NameKey string `gorm:"uniqueIndex;not null;size:400" json:"-"`
}

// FoldGenreName returns the lookup key for a genre name.
func FoldGenreName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// TableName returns the table name for Genre.
func (Genre) TableName() string {
	return "genres"
}

// Validate trims the name and checks its length.
func (g *Genre) Validate() error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return ErrNameRequired
	}
	if utf8.RuneCountInString(g.Name) > MaxGenreNameLength {
		return ErrValidation{Field: "name", Message: "must be at most 100 characters"}
	}
	g.NameKey = FoldGenreName(g.Name)
	return nil
}

// BeforeCreate is a GORM hook that validates the genre and generates ULID.
func (g *Genre) BeforeCreate(tx *gorm.DB) error {
	if err := g.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return g.Validate()
}
