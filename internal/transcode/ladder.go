// Package transcode turns a source media file into a thumbnail and a
// multi-rendition HLS tree using a single ffmpeg pass.
package transcode

import (
	"errors"
	"fmt"
)

// RenditionSpec describes one output variant. Bitrates are in kbit/s.
type RenditionSpec struct {
	Name             string `json:"name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"videoBitrateKbps"`
	MaxBitrateKbps   int    `json:"maxBitrateKbps"`
	BufferSizeKbps   int    `json:"bufferSizeKbps"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
}

// DefaultLadder returns the standard 480p/720p/1080p ladder.
func DefaultLadder() []RenditionSpec {
	return []RenditionSpec{
		{Name: "480p", Width: 854, Height: 480, VideoBitrateKbps: 800, MaxBitrateKbps: 856, BufferSizeKbps: 1200, AudioBitrateKbps: 96},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, MaxBitrateKbps: 2996, BufferSizeKbps: 4200, AudioBitrateKbps: 128},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, MaxBitrateKbps: 5350, BufferSizeKbps: 7500, AudioBitrateKbps: 192},
	}
}

// Validate checks that the rendition can be encoded.
func (r RenditionSpec) Validate() error {
	var errs []error
	if r.Width <= 0 || r.Height <= 0 {
		errs = append(errs, fmt.Errorf("dimensions must be positive, got %dx%d", r.Width, r.Height))
	}
	if r.VideoBitrateKbps <= 0 {
		errs = append(errs, errors.New("video bitrate must be positive"))
	}
	if r.MaxBitrateKbps != 0 && r.MaxBitrateKbps < r.VideoBitrateKbps {
		errs = append(errs, errors.New("max bitrate must not be below the video bitrate"))
	}
	if r.BufferSizeKbps < 0 || r.AudioBitrateKbps < 0 {
		errs = append(errs, errors.New("buffer size and audio bitrate must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("rendition %s: %w", r.label(), errors.Join(errs...))
	}
	return nil
}

// ScaleFilter returns the ffmpeg scale filter that fits the source inside
// the rendition's box while keeping even dimensions.
func (r RenditionSpec) ScaleFilter() string {
	return fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease:force_divisible_by=2", r.Width, r.Height)
}

func (r RenditionSpec) label() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ValidateLadder checks a non-empty ordered list of renditions.
func ValidateLadder(renditions []RenditionSpec) error {
	if len(renditions) == 0 {
		return errors.New("at least one rendition is required")
	}
	for _, r := range renditions {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}
