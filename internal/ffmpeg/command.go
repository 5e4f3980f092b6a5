// Package ffmpeg builds and runs ffmpeg/ffprobe processes.
//
// Commands are plain values built with CommandBuilder and executed through
// the Runner interface, so callers can substitute a fake runner in tests.
package ffmpeg

import (
	"strconv"
	"strings"
)

// Command is a fully built process invocation.
type Command struct {
	Binary string
	Args   []string
	// Output is the primary output path, if any.
	Output string
}

// String returns the command line with arguments separated by spaces.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder builds ffmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	mapArgs    []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new ffmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Seek positions the input before decoding starts. The timestamp uses
// ffmpeg's duration syntax, e.g. "00:00:03".
func (b *CommandBuilder) Seek(position string) *CommandBuilder {
	if position != "" {
		b.inputArgs = append(b.inputArgs, "-ss", position)
	}
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoFilter adds a filter to the single -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// Frames limits the number of video frames written.
func (b *CommandBuilder) Frames(n int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-frames:v", strconv.Itoa(n))
	return b
}

// Map selects an input stream for the output.
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.mapArgs = append(b.mapArgs, "-map", spec)
	return b
}

// StreamVideoFilter sets the filter for output video stream i.
func (b *CommandBuilder) StreamVideoFilter(i int, filter string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-filter:v:"+strconv.Itoa(i), filter)
	return b
}

// StreamVideoCodec sets codec and rate control for output video stream i.
// Bitrates are in kbit/s; zero values are left to the encoder.
func (b *CommandBuilder) StreamVideoCodec(i int, codec string, bitrateKbps, maxrateKbps, bufsizeKbps int) *CommandBuilder {
	idx := strconv.Itoa(i)
	b.outputArgs = append(b.outputArgs, "-c:v:"+idx, codec)
	if bitrateKbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:v:"+idx, kbps(bitrateKbps))
	}
	if maxrateKbps > 0 {
		b.outputArgs = append(b.outputArgs, "-maxrate:v:"+idx, kbps(maxrateKbps))
	}
	if bufsizeKbps > 0 {
		b.outputArgs = append(b.outputArgs, "-bufsize:v:"+idx, kbps(bufsizeKbps))
	}
	return b
}

// StreamAudioCodec sets codec and bitrate for output audio stream i.
func (b *CommandBuilder) StreamAudioCodec(i int, codec string, bitrateKbps int) *CommandBuilder {
	idx := strconv.Itoa(i)
	b.outputArgs = append(b.outputArgs, "-c:a:"+idx, codec)
	if bitrateKbps > 0 {
		b.outputArgs = append(b.outputArgs, "-b:a:"+idx, kbps(bitrateKbps))
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// HLSVODArgs configures the HLS muxer for a complete video-on-demand
// playlist. segmentPattern and the output path may contain %v, which ffmpeg
// replaces with the variant index. varStreamMap groups output streams into
// variants, e.g. "v:0,a:0 v:1,a:1".
func (b *CommandBuilder) HLSVODArgs(segmentSeconds int, segmentPattern, masterName, varStreamMap string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_playlist_type", "vod",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_segment_filename", segmentPattern,
	)
	if masterName != "" {
		b.outputArgs = append(b.outputArgs, "-master_pl_name", masterName)
	}
	if varStreamMap != "" {
		b.outputArgs = append(b.outputArgs, "-var_stream_map", varStreamMap)
	}
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := make([]string, 0, 16+len(b.inputArgs)+len(b.mapArgs)+len(b.outputArgs))

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	args = append(args, b.mapArgs...)
	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Output: b.output,
	}
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
