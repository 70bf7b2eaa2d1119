package media

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
)

// FFmpeg implements Toolset by shelling out to ffmpeg/ffprobe.
type FFmpeg struct {
	log *slog.Logger
}

// NewFFmpeg creates the default tool implementation.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{log: slog.With("component", "media")}
}

// ExtractSegment cuts [start, end] out of src with the copy codec, so no
// re-encoding happens and the cut is fast regardless of resolution.
func (f *FFmpeg) ExtractSegment(ctx context.Context, src, dst, start, end string) error {
	args := []string{
		"-ss", start,
		"-i", src,
		"-to", end,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		dst,
		"-y",
	}

	f.log.Info("extracting segment", "src", src, "start", start, "end", end)
	return f.run(ctx, "ffmpeg", args)
}

// Transcode re-encodes src to 1080p at dst using the selected backend.
// The hardware path uses NVENC; the software path uses libx264.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string, backend Backend) error {
	var args []string
	switch backend {
	case BackendHardware:
		args = []string{
			"-hwaccel", "cuda",
			"-i", src,
			"-vf", "scale_cuda=1920:1080",
			"-c:v", "h264_nvenc",
			"-preset", "p7",
			"-tune", "hq",
			"-rc", "vbr",
			"-cq", "19",
			"-b:v", "8M",
			"-maxrate", "12M",
			"-bufsize", "16M",
			"-c:a", "aac",
			"-b:a", "192k",
			"-movflags", "+faststart",
			dst,
			"-y",
		}
	default:
		args = []string{
			"-i", src,
			"-vf", "scale=1920:1080",
			"-c:v", "libx264",
			"-preset", "slow",
			"-crf", "20",
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", "192k",
			"-movflags", "+faststart",
			dst,
			"-y",
		}
	}

	f.log.Info("transcoding", "src", src, "backend", string(backend))
	return f.run(ctx, "ffmpeg", args)
}

// run executes a tool and converts non-zero exits into ToolError with the
// trimmed tail of stderr, which is where ffmpeg puts its diagnostics.
func (f *FFmpeg) run(ctx context.Context, tool string, args []string) error {
	cmd := exec.CommandContext(ctx, tool, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &ToolError{
			Tool:   tool,
			Stderr: tailLines(stderr.String(), 5),
			Err:    err,
		}
	}
	return nil
}

// tailLines returns the last n non-empty lines of s.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "\n")
}
