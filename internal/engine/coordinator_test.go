package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/courtvision/clip-engine/internal/media"
	"github.com/courtvision/clip-engine/internal/progress"
	"github.com/courtvision/clip-engine/internal/resource"
)

type fakeProber struct {
	snap resource.Snapshot
}

func (f fakeProber) Snapshot(ctx context.Context) resource.Snapshot { return f.snap }

// fakeToolset counts invocations and tracks how many heavy operations run
// at the same time.
type fakeToolset struct {
	mu            sync.Mutex
	cur           int
	maxConcurrent int
	extracts      int
	probes        int
	transcodes    int
	backends      []media.Backend

	workDelay   time.Duration
	hold        chan struct{} // when set, heavy ops block until closed
	writeFiles  bool          // produce real output files for cleanup checks
	failExtract map[string]bool
	hwErr       error
	swErr       error
	resolve     func(path string) media.Resolution
}

func (f *fakeToolset) enter() {
	f.mu.Lock()
	f.cur++
	if f.cur > f.maxConcurrent {
		f.maxConcurrent = f.cur
	}
	f.mu.Unlock()
}

func (f *fakeToolset) exit() {
	f.mu.Lock()
	f.cur--
	f.mu.Unlock()
}

func (f *fakeToolset) work() {
	if f.hold != nil {
		<-f.hold
	}
	if f.workDelay > 0 {
		time.Sleep(f.workDelay)
	}
}

func (f *fakeToolset) ExtractSegment(ctx context.Context, src, dst, start, end string) error {
	f.enter()
	defer f.exit()
	f.work()

	f.mu.Lock()
	f.extracts++
	fail := f.failExtract[src]
	f.mu.Unlock()

	if fail {
		return &media.ToolError{Tool: "ffmpeg", Stderr: "moov atom not found", Err: errors.New("exit status 1")}
	}
	if f.writeFiles {
		return os.WriteFile(dst, []byte("segment"), 0644)
	}
	return nil
}

func (f *fakeToolset) ProbeResolution(ctx context.Context, path string) (media.Resolution, error) {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()

	if f.resolve != nil {
		return f.resolve(path), nil
	}
	return media.Resolution{Width: 1920, Height: 1080}, nil
}

func (f *fakeToolset) Transcode(ctx context.Context, src, dst string, backend media.Backend) error {
	f.enter()
	defer f.exit()
	f.work()

	f.mu.Lock()
	f.transcodes++
	f.backends = append(f.backends, backend)
	f.mu.Unlock()

	if backend == media.BackendHardware && f.hwErr != nil {
		return f.hwErr
	}
	if backend == media.BackendSoftware && f.swErr != nil {
		return f.swErr
	}
	if f.writeFiles {
		return os.WriteFile(dst, []byte("compressed"), 0644)
	}
	return nil
}

// fakeTransfer records uploads in memory.
type fakeTransfer struct {
	mu       sync.Mutex
	uploads  []string
	existing map[string]bool
	testErr  error
}

func (f *fakeTransfer) Upload(ctx context.Context, path, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeTransfer) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[key], nil
}

func (f *fakeTransfer) TestConnection(ctx context.Context) error { return f.testErr }

func (f *fakeTransfer) uploadedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// recordSink captures every event synchronously.
type recordSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (s *recordSink) Notify(evt progress.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *recordSink) Close() error { return nil }

func (s *recordSink) all() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Event(nil), s.events...)
}

func newTestCoordinator(t *testing.T, cfg Config, tools media.Toolset, store Transfer, snap resource.Snapshot, sink progress.Sink) *Coordinator {
	t.Helper()
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "clips/"
	}
	if snap.Ceiling == 0 {
		snap = resource.Snapshot{CPUCount: 8, AvailableMemGB: 16, Ceiling: 4}
	}
	return New(context.Background(), cfg, tools, store, fakeProber{snap}, sink)
}

func mustJob(t *testing.T, date string, seq int, angles map[string]string) *Job {
	t.Helper()
	job, err := NewJob(date, seq, "00:15:00", "00:17:30", angles)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestInFlightNeverExceedsCeiling(t *testing.T) {
	tools := &fakeToolset{workDelay: 20 * time.Millisecond}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2}, tools, store, resource.Snapshot{}, nil)

	jobs := []*Job{
		mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/1a.mp4", "nearright": "/f/1b.mp4"}),
		mustJob(t, "10-02", 2, map[string]string{"farleft": "/f/2a.mp4", "nearright": "/f/2b.mp4"}),
		mustJob(t, "10-02", 3, map[string]string{"farleft": "/f/3a.mp4", "nearright": "/f/3b.mp4"}),
	}

	summary, err := c.ProcessBatch(context.Background(), jobs, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if tools.maxConcurrent > 2 {
		t.Errorf("observed %d concurrent heavy operations, ceiling is 2", tools.maxConcurrent)
	}
	if tools.extracts != 6 {
		t.Errorf("extracts = %d, want 6", tools.extracts)
	}
	if summary.Completed != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 3 completed", summary)
	}
	if got := len(store.uploadedKeys()); got != 6 {
		t.Errorf("uploads = %d, want 6", got)
	}
}

func TestCeilingOverrideForcesSerialRun(t *testing.T) {
	tools := &fakeToolset{workDelay: 10 * time.Millisecond}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 4}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{
		"farleft": "/f/a.mp4", "nearleft": "/f/b.mp4", "nearright": "/f/c.mp4", "farright": "/f/d.mp4",
	})

	summary, err := c.ProcessBatch(context.Background(), []*Job{job}, 1)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if summary.Ceiling != 1 {
		t.Errorf("summary ceiling = %d, want 1", summary.Ceiling)
	}
	if tools.maxConcurrent != 1 {
		t.Errorf("observed %d concurrent heavy operations, override is 1", tools.maxConcurrent)
	}
}

func TestOneFailedAngleDoesNotSinkItsSiblings(t *testing.T) {
	tools := &fakeToolset{failExtract: map[string]bool{"/footage/broken.mp4": true}}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 4}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{
		"farleft":   "/footage/fl.mp4",
		"nearleft":  "/footage/broken.mp4",
		"nearright": "/footage/nr.mp4",
		"farright":  "/footage/fr.mp4",
	})

	summary, err := c.ProcessBatch(context.Background(), []*Job{job}, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if summary.Failed != 1 || summary.Completed != 0 {
		t.Errorf("summary = %+v, want 1 failed job", summary)
	}

	snap := job.Snapshot()
	if snap.Status != JobError {
		t.Errorf("job status = %s, want error", snap.Status)
	}
	if snap.ErrorMessage != "1 angles failed" {
		t.Errorf("error message = %q", snap.ErrorMessage)
	}
	if snap.AngleStatus["nearleft"] != AngleError {
		t.Errorf("broken angle status = %s, want error", snap.AngleStatus["nearleft"])
	}
	for _, angle := range []string{"farleft", "nearright", "farright"} {
		if snap.AngleStatus[angle] != AngleComplete {
			t.Errorf("angle %s status = %s, want complete", angle, snap.AngleStatus[angle])
		}
	}
	if got := len(store.uploadedKeys()); got != 3 {
		t.Errorf("uploads = %d, want 3 (healthy siblings delivered)", got)
	}
}

func TestRerunOfDeliveredWindowSkipsAllWork(t *testing.T) {
	tools := &fakeToolset{}
	store := &fakeTransfer{existing: map[string]bool{
		"clips/10-02/Event-1/10-02_event1_farleft.mp4":  true,
		"clips/10-02/Event-1/10-02_event1_nearright.mp4": true,
	}}
	c := newTestCoordinator(t, Config{MaxConcurrent: 4}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{
		"farleft":   "/footage/fl.mp4",
		"nearright": "/footage/nr.mp4",
	})

	summary, err := c.ProcessBatch(context.Background(), []*Job{job}, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if summary.Completed != 1 {
		t.Errorf("summary = %+v, want 1 completed", summary)
	}
	if tools.extracts != 0 || tools.probes != 0 || tools.transcodes != 0 {
		t.Errorf("tools invoked (%d extracts, %d probes, %d transcodes), want none",
			tools.extracts, tools.probes, tools.transcodes)
	}
	if got := len(store.uploadedKeys()); got != 0 {
		t.Errorf("uploads = %d, want 0", got)
	}
	snap := job.Snapshot()
	for angle, st := range snap.AngleStatus {
		if st != AngleComplete {
			t.Errorf("angle %s status = %s, want complete", angle, st)
		}
	}
}

func TestHardwareFailureFallsBackToSoftware(t *testing.T) {
	tools := &fakeToolset{
		hwErr: &media.ToolError{Tool: "ffmpeg", Stderr: "no NVENC capable devices found", Err: errors.New("exit status 1")},
		resolve: func(path string) media.Resolution {
			return media.Resolution{Width: 3840, Height: 2160}
		},
	}
	store := &fakeTransfer{}
	snap := resource.Snapshot{CPUCount: 8, AvailableMemGB: 16, AcceleratorPresent: true, Ceiling: 2}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2, AcceleratorEnabled: true}, tools, store, snap, nil)

	job := mustJob(t, "10-02", 1, map[string]string{"farleft": "/footage/fl.mp4"})

	summary, err := c.ProcessBatch(context.Background(), []*Job{job}, 0)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if summary.Completed != 1 {
		t.Errorf("summary = %+v, want 1 completed", summary)
	}
	want := []media.Backend{media.BackendHardware, media.BackendSoftware}
	if len(tools.backends) != 2 || tools.backends[0] != want[0] || tools.backends[1] != want[1] {
		t.Errorf("transcode backends = %v, want %v", tools.backends, want)
	}
}

func TestOnlyUHDSegmentsAreCompressed(t *testing.T) {
	tools := &fakeToolset{
		resolve: func(path string) media.Resolution {
			if strings.Contains(path, "wide") {
				return media.Resolution{Width: 3840, Height: 2160}
			}
			return media.Resolution{Width: 1920, Height: 1080}
		},
	}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{
		"wide":      "/footage/wide.mp4",
		"nearright": "/footage/nr.mp4",
	})

	if _, err := c.ProcessBatch(context.Background(), []*Job{job}, 0); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if tools.transcodes != 1 {
		t.Errorf("transcodes = %d, want 1 (only the 4K angle)", tools.transcodes)
	}
	if got := len(store.uploadedKeys()); got != 2 {
		t.Errorf("uploads = %d, want 2", got)
	}
	snap := job.Snapshot()
	if snap.Status != JobCompleted {
		t.Errorf("job status = %s, want completed", snap.Status)
	}
}

func TestSecondBatchRejectedWhileActive(t *testing.T) {
	hold := make(chan struct{})
	tools := &fakeToolset{hold: hold}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2}, tools, store, resource.Snapshot{}, nil)

	first := mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/a.mp4"})
	done := make(chan BatchSummary, 1)
	go func() {
		summary, _ := c.ProcessBatch(context.Background(), []*Job{first}, 0)
		done <- summary
	}()

	// Wait until the batch is visibly running.
	deadline := time.Now().Add(2 * time.Second)
	for !c.Status().ProcessingActive {
		if time.Now().After(deadline) {
			t.Fatal("batch never became active")
		}
		time.Sleep(time.Millisecond)
	}

	second := mustJob(t, "10-02", 2, map[string]string{"farleft": "/f/b.mp4"})
	if _, err := c.ProcessBatch(context.Background(), []*Job{second}, 0); !errors.Is(err, ErrBatchActive) {
		t.Errorf("err = %v, want ErrBatchActive", err)
	}

	close(hold)
	summary := <-done
	if summary.Completed != 1 {
		t.Errorf("first batch summary = %+v, want 1 completed", summary)
	}
	if c.Status().ProcessingActive {
		t.Error("coordinator still active after the batch finished")
	}

	// The gate is free again; a fresh batch must be accepted.
	if _, err := c.ProcessBatch(context.Background(), []*Job{second}, 0); err != nil {
		t.Errorf("batch after completion: %v", err)
	}
}

func TestPreflightFailureFailsBatchBeforeWork(t *testing.T) {
	tools := &fakeToolset{}
	store := &fakeTransfer{testErr: errors.New("InvalidAccessKeyId")}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2, PreflightCheck: true}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/a.mp4"})
	_, err := c.ProcessBatch(context.Background(), []*Job{job}, 0)
	if err == nil {
		t.Fatal("expected preflight error")
	}

	if tools.extracts != 0 {
		t.Errorf("extracts = %d, want 0 before a failed preflight", tools.extracts)
	}
	if job.Snapshot().Status != JobError {
		t.Errorf("job status = %s, want error", job.Snapshot().Status)
	}
	if c.Status().ProcessingActive {
		t.Error("coordinator left active after preflight failure")
	}
}

func TestBatchStatusCountsDuringRun(t *testing.T) {
	hold := make(chan struct{})
	tools := &fakeToolset{hold: hold}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 1}, tools, store, resource.Snapshot{}, nil)

	jobs := []*Job{
		mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/a.mp4"}),
		mustJob(t, "10-02", 2, map[string]string{"farleft": "/f/b.mp4"}),
	}

	done := make(chan struct{})
	go func() {
		c.ProcessBatch(context.Background(), jobs, 0)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Status().InProgress != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("status never showed both jobs in progress: %+v", c.Status())
		}
		time.Sleep(time.Millisecond)
	}

	st := c.Status()
	if !st.ProcessingActive || st.TotalJobs != 2 {
		t.Errorf("mid-run status = %+v", st)
	}

	close(hold)
	<-done

	st = c.Status()
	if st.ProcessingActive || st.Completed != 2 || st.InProgress != 0 {
		t.Errorf("final status = %+v, want 2 completed, inactive", st)
	}
}

func TestProgressEventsCoverTheLifecycle(t *testing.T) {
	sink := &recordSink{}
	tools := &fakeToolset{}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2}, tools, store, resource.Snapshot{}, sink)

	job := mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/a.mp4"})
	if _, err := c.ProcessBatch(context.Background(), []*Job{job}, 0); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	events := sink.all()
	if len(events) < 2 {
		t.Fatalf("got %d events", len(events))
	}
	if events[0].Stage != progress.StageBatchStarted {
		t.Errorf("first event = %s, want batch_started", events[0].Stage)
	}
	last := events[len(events)-1]
	if last.Stage != progress.StageBatchCompleted {
		t.Errorf("last event = %s, want batch_completed", last.Stage)
	}
	if last.Aggregate.Completed != 1 || last.Aggregate.Total != 1 {
		t.Errorf("final aggregate = %+v", last.Aggregate)
	}

	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Stage] = true
		if evt.BatchID == "" {
			t.Errorf("event %s has no batch id", evt.Stage)
		}
	}
	for _, stage := range []string{
		progress.StageJobStarted,
		progress.StageAngleStarted,
		progress.StageExtracting,
		progress.StageCheckingRes,
		progress.StageSkippingComp,
		progress.StageUploading,
		progress.StageAngleCompleted,
		progress.StageJobCompleted,
	} {
		if !seen[stage] {
			t.Errorf("missing %s event", stage)
		}
	}
}

func TestNoTransientArtifactsSurviveTheBatch(t *testing.T) {
	tempDir := t.TempDir()
	tools := &fakeToolset{
		writeFiles:  true,
		failExtract: map[string]bool{"/footage/broken.mp4": true},
		resolve: func(path string) media.Resolution {
			if strings.Contains(path, "wide") {
				return media.Resolution{Width: 3840, Height: 2160}
			}
			return media.Resolution{Width: 1920, Height: 1080}
		},
	}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2, TempDir: tempDir}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{
		"wide":      "/footage/wide.mp4",
		"nearright": "/footage/nr.mp4",
		"broken":    "/footage/broken.mp4",
	})

	if _, err := c.ProcessBatch(context.Background(), []*Job{job}, 0); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	var leftovers []string
	err := filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(leftovers) != 0 {
		t.Errorf("transient files left behind: %v", leftovers)
	}
}

func TestDestinationKeyLayout(t *testing.T) {
	tools := &fakeToolset{}
	store := &fakeTransfer{}
	c := newTestCoordinator(t, Config{MaxConcurrent: 2}, tools, store, resource.Snapshot{}, nil)

	job := mustJob(t, "10-02", 1, map[string]string{"farleft": "/f/a.mp4"})
	if _, err := c.ProcessBatch(context.Background(), []*Job{job}, 0); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	keys := store.uploadedKeys()
	if len(keys) != 1 || keys[0] != "clips/10-02/Event-1/10-02_event1_farleft.mp4" {
		t.Errorf("uploaded keys = %v", keys)
	}
}
