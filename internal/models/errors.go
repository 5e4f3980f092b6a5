package models

import (
	"errors"
	"fmt"
)

// Required-field errors returned by Validate.
var (
	ErrNameRequired         = errors.New("name is required")
	ErrTitleRequired        = errors.New("title is required")
	ErrOriginalFileRequired = errors.New("original_file is required")
)

// ErrValidation reports a field that is present but unacceptable.
type ErrValidation struct {
	Field   string
	Message string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
