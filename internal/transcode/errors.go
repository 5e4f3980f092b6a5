package transcode

import (
	"errors"
	"fmt"
)

// Failure classes. Every *Error matches exactly one of them with errors.Is.
var (
	ErrThumbnailExtractionFailed = errors.New("thumbnail extraction failed")
	ErrTranscodeFailed           = errors.New("transcode failed")
)

// Stage names the pipeline step that failed.
type Stage string

// Pipeline stages.
const (
	StageProbe     Stage = "probe"
	StageWorkDir   Stage = "workdir"
	StageThumbnail Stage = "thumbnail"
	StageEncode    Stage = "encode"
	StageValidate  Stage = "validate"
)

// Error describes a failed pipeline run.
type Error struct {
	Stage Stage
	JobID string
	// Stderr is the tail of the external process's diagnostic output.
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s stage failed", e.Stage)
	if e.JobID != "" {
		msg += " (job " + e.JobID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(stage Stage, jobID string, class error, stderr string, cause error) *Error {
	err := class
	if cause != nil {
		err = fmt.Errorf("%w: %w", class, cause)
	}
	return &Error{Stage: stage, JobID: jobID, Stderr: stderr, Err: err}
}
