// Package media wraps the external ffmpeg/ffprobe tools used by the engine:
// segment extraction, resolution probing, and transcoding.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Resolution is the pixel dimensions of a video stream.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// IsUHD reports whether either dimension reaches 4K (3840x2160).
func (r Resolution) IsUHD() bool {
	return r.Width >= 3840 || r.Height >= 2160
}

// Backend selects the transcode implementation.
type Backend string

const (
	BackendHardware Backend = "hardware"
	BackendSoftware Backend = "software"
)

// ErrNoVideoStream is returned when a probe finds no video stream to measure.
var ErrNoVideoStream = errors.New("no video stream found")

// ToolError reports an external tool invocation that exited non-zero or
// timed out. Stderr carries the tool's own diagnostic, trimmed.
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Extractor cuts a time window out of a source file.
type Extractor interface {
	// ExtractSegment copies the [start, end] window of src into dst without
	// re-encoding. start and end are "HH:MM:SS" timestamps.
	ExtractSegment(ctx context.Context, src, dst, start, end string) error
}

// ResolutionProber measures the dimensions of a video file.
type ResolutionProber interface {
	ProbeResolution(ctx context.Context, path string) (Resolution, error)
}

// Transcoder re-encodes a file down to the delivery resolution.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, backend Backend) error
}

// Toolset bundles the three capabilities the angle pipeline consumes.
type Toolset interface {
	Extractor
	ResolutionProber
	Transcoder
}
