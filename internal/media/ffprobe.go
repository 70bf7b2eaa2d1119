package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// Resolution probes are short metadata reads; bound them so a wedged tool
// cannot stall an angle pipeline.
const probeTimeout = 30 * time.Second

// ProbeResolution runs ffprobe against path and returns the dimensions of
// the first video stream.
func (f *FFmpeg) ProbeResolution(ctx context.Context, path string) (Resolution, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return Resolution{}, &ToolError{Tool: "ffprobe", Err: err}
	}

	return ParseResolution(out)
}

// ParseResolution extracts the first video stream's dimensions from raw
// ffprobe JSON. Exported for testing without a real ffprobe binary.
func ParseResolution(data []byte) (Resolution, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return Resolution{}, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	for _, s := range raw.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			continue
		}
		return Resolution{Width: s.Width, Height: s.Height}, nil
	}

	return Resolution{}, ErrNoVideoStream
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}
