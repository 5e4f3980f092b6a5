// Package models defines GORM database models for vodproxy entities.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is a lexically sortable identifier stored as its 26-character text
// form. Ids created in the same millisecond by this process still sort in
// creation order.
type ULID ulid.ULID

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID generates a new ULID.
func NewULID() ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy))
}

// ParseULID parses the text form of a ULID.
func ParseULID(s string) (ULID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return ULID(id), nil
}

func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero reports whether u is unset.
func (u ULID) IsZero() bool {
	return u == ULID{}
}

// Time returns the creation time encoded in u.
func (u ULID) Time() time.Time {
	return ulid.Time(ulid.ULID(u).Time())
}

// MarshalText encodes a set ULID. A zero ULID encodes as empty text.
func (u ULID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText decodes text produced by MarshalText.
func (u *ULID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = ULID{}
		return nil
	}
	id, err := ParseULID(string(text))
	if err != nil {
		return err
	}
	*u = id
	return nil
}

// MarshalJSON writes null for an unset ULID.
func (u ULID) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + u.String() + `"`), nil
}

// UnmarshalJSON accepts a string or null.
func (u *ULID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*u = ULID{}
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("ULID must be a JSON string, got %s", s)
	}
	return u.UnmarshalText([]byte(s[1 : len(s)-1]))
}

// Value implements driver.Valuer. Unset ids are stored as NULL.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *ULID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.UnmarshalText([]byte(v))
	case []byte:
		return u.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into ULID", value)
	}
}

// GormDataType returns the column type for ULID fields.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// BaseModel provides the primary key, timestamps and soft delete shared by
// every table.
type BaseModel struct {
	ID        ULID           `gorm:"primarykey;type:varchar(26)" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// BeforeCreate assigns an id to new rows.
func (b *BaseModel) BeforeCreate(*gorm.DB) error {
	if b.ID.IsZero() {
		b.ID = NewULID()
	}
	return nil
}

// BoolPtr returns a pointer to b, for optional columns with a default.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolVal dereferences b. Nil reads as true, matching the column default.
func BoolVal(b *bool) bool {
	return b == nil || *b
}
