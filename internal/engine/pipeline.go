package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/courtvision/clip-engine/internal/logging"
	"github.com/courtvision/clip-engine/internal/media"
	"github.com/courtvision/clip-engine/internal/metrics"
	"github.com/courtvision/clip-engine/internal/progress"
)

// processAngle runs the full pipeline for one camera angle:
// slot -> idempotency check -> extract -> probe -> compress or skip ->
// upload -> cleanup. Heavy work happens only while a gate slot is held.
func (b *batchRun) processAngle(ctx context.Context, job *Job, angleID, sourcePath string) error {
	log := logging.AngleLogger(b.id, job.ID(), angleID)
	destKey := b.c.destinationKey(job, angleID)

	b.angleEvent(job, angleID, progress.StageAngleStarted, "")

	// Wait for a concurrency slot. Everything below is bounded work.
	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return &stageError{stage: AnglePending, err: ctx.Err()}
	}
	b.c.slotAcquired()
	defer func() {
		<-b.gate
		b.c.slotReleased()
	}()

	// Re-runs of an already delivered window cost one lookup, nothing more.
	exists, err := b.c.store.Exists(ctx, destKey)
	if err != nil {
		log.Warn("existence check failed, proceeding with processing", "key", destKey, "error", err)
	} else if exists {
		log.Info("destination already exists, skipping", "key", destKey)
		if m := metrics.Get(); m != nil {
			m.IncAnglesSkipped(angleID)
		}
		job.setAngleStatus(angleID, AngleComplete)
		b.angleEvent(job, angleID, progress.StageAngleCompleted, "")
		return nil
	}

	segmentPath := b.c.segmentPath(job, angleID)
	compressedPath := b.c.compressedPath(job, angleID)
	defer removeQuietly(segmentPath, compressedPath)

	if err := os.MkdirAll(filepath.Dir(segmentPath), 0755); err != nil {
		return b.angleFailed(job, angleID, &stageError{stage: AngleExtracting, err: err})
	}

	// Extract the window without re-encoding.
	b.angleStage(job, angleID, AngleExtracting)
	start := time.Now()
	if err := b.c.tools.ExtractSegment(ctx, sourcePath, segmentPath, job.WindowStart, job.WindowEnd); err != nil {
		return b.angleFailed(job, angleID, &stageError{stage: AngleExtracting, err: err})
	}
	if m := metrics.Get(); m != nil {
		m.ObserveExtractDuration(angleID, time.Since(start).Seconds())
	}

	// Measure the segment to decide whether it needs compression.
	b.angleStage(job, angleID, AngleCheckingRes)
	res, err := b.c.tools.ProbeResolution(ctx, segmentPath)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrResolutionUnknown, err)
		return b.angleFailed(job, angleID, &stageError{stage: AngleCheckingRes, err: err})
	}
	log.Info("segment resolution", "resolution", res.String(), "uhd", res.IsUHD())

	uploadPath := segmentPath
	if res.IsUHD() {
		b.angleStage(job, angleID, AngleCompressing)
		if err := os.MkdirAll(filepath.Dir(compressedPath), 0755); err != nil {
			return b.angleFailed(job, angleID, &stageError{stage: AngleCompressing, err: err})
		}
		if err := b.compress(ctx, segmentPath, compressedPath, log); err != nil {
			return b.angleFailed(job, angleID, &stageError{stage: AngleCompressing, err: err})
		}
		// The 4K segment is no longer needed; free the disk before upload.
		removeQuietly(segmentPath)
		uploadPath = compressedPath
	} else {
		b.angleStage(job, angleID, AngleSkippingComp)
	}

	b.angleStage(job, angleID, AngleUploading)
	if err := b.c.store.Upload(ctx, uploadPath, destKey); err != nil {
		return b.angleFailed(job, angleID, &stageError{stage: AngleUploading, err: err})
	}

	job.setAngleStatus(angleID, AngleComplete)
	b.angleEvent(job, angleID, progress.StageAngleCompleted, "")
	if m := metrics.Get(); m != nil {
		m.IncAnglesCompleted(angleID)
	}
	log.Info("angle delivered", "key", destKey)
	return nil
}

// compress transcodes src down to delivery resolution. When the accelerator
// is in play it gets one attempt; a failure falls back to the software
// encoder rather than failing the angle.
func (b *batchRun) compress(ctx context.Context, src, dst string, log *slog.Logger) error {
	if b.accelerator {
		start := time.Now()
		err := b.c.tools.Transcode(ctx, src, dst, media.BackendHardware)
		if err == nil {
			if m := metrics.Get(); m != nil {
				m.ObserveCompressDuration(string(media.BackendHardware), time.Since(start).Seconds())
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn("hardware transcode failed, falling back to software encoder", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncAcceleratorFallbacks()
		}
		// A failed hardware run may leave a partial output behind.
		removeQuietly(dst)
	}

	start := time.Now()
	if err := b.c.tools.Transcode(ctx, src, dst, media.BackendSoftware); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.ObserveCompressDuration(string(media.BackendSoftware), time.Since(start).Seconds())
	}
	return nil
}

// angleFailed records a terminal angle failure and returns err for the job
// to count.
func (b *batchRun) angleFailed(job *Job, angleID string, err *stageError) error {
	job.setAngleStatus(angleID, AngleError)
	b.angleEvent(job, angleID, progress.StageAngleError, err.Error())

	if m := metrics.Get(); m != nil {
		m.IncAnglesFailed(angleID, string(err.stage))
		var toolErr *media.ToolError
		if errors.As(err.err, &toolErr) {
			m.IncToolErrors(toolErr.Tool)
		}
	}
	return err
}

// angleStage records a pipeline-stage transition and emits the matching
// progress event. Stage names mirror the angle statuses on the wire.
func (b *batchRun) angleStage(job *Job, angleID string, st AngleStatus) {
	job.setAngleStatus(angleID, st)
	b.angleEvent(job, angleID, string(st), "")
}

func removeQuietly(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			// Leftover transients are reported, never fatal.
			logging.Component("engine").Warn("could not remove transient file", "path", p, "error", err)
		}
	}
}
