package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNoDuration is returned when ffprobe reports no usable container duration.
var ErrNoDuration = errors.New("media has no duration")

// DurationCommand builds the ffprobe invocation that prints only the
// container duration in seconds.
func DurationCommand(ffprobePath, input string) *Command {
	return &Command{
		Binary: ffprobePath,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			input,
		},
	}
}

// ProbeDuration runs ffprobe through runner and returns the media duration.
// On a non-zero exit the Result is returned with the error so callers can
// report stderr.
func ProbeDuration(ctx context.Context, runner Runner, ffprobePath, input string) (time.Duration, *Result, error) {
	res, err := runner.Run(ctx, DurationCommand(ffprobePath, input))
	if err != nil {
		return 0, res, fmt.Errorf("probing %s: %w", input, err)
	}

	d, err := ParseDuration(string(res.Stdout))
	if err != nil {
		return 0, res, fmt.Errorf("probing %s: %w", input, err)
	}
	return d, res, nil
}

// ParseDuration parses ffprobe's seconds output, e.g. "10.023000".
func ParseDuration(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" || s == "N/A" {
		return 0, ErrNoDuration
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, s)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
