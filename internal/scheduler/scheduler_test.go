package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/stream-recorder/internal/capture"
	"github.com/ChuLiYu/stream-recorder/internal/metrics"
	"github.com/ChuLiYu/stream-recorder/internal/snapshot"
	"github.com/ChuLiYu/stream-recorder/internal/transcode"
	"github.com/ChuLiYu/stream-recorder/internal/worker"
	"github.com/ChuLiYu/stream-recorder/pkg/types"
)

// ============================================================================
// Test Doubles
// ============================================================================

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCapture struct {
	mu    sync.Mutex
	calls []capture.Request
	err   error
}

func (f *fakeCapture) Launch(_ context.Context, req capture.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join("/captures", req.Name+".mp4"), nil
}

func (f *fakeCapture) Calls() []capture.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capture.Request(nil), f.calls...)
}

type fakeTranscoder struct {
	mu      sync.Mutex
	calls   []transcode.Request
	err     error
	started chan struct{} // 非 nil 時每次呼叫送出一個訊號
	release chan struct{} // 非 nil 時等待關閉或 ctx 取消
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req transcode.Request) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeTranscoder) Calls() []transcode.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcode.Request(nil), f.calls...)
}

// memStore 記憶體快照，保存最後一次寫入的深拷貝
type memStore struct {
	mu       sync.Mutex
	data     types.SnapshotData
	writes   int
	writeErr error
	loadErr  error
}

func (m *memStore) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return types.SnapshotData{}, m.loadErr
	}
	return copySnapshot(m.data), nil
}

func (m *memStore) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.data = copySnapshot(data)
	return nil
}

func (m *memStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memStore) Job(id types.JobID) (types.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.data.Jobs {
		if j.ID == id {
			return *j, true
		}
	}
	return types.Job{}, false
}

func copySnapshot(data types.SnapshotData) types.SnapshotData {
	out := types.SnapshotData{SchemaVer: data.SchemaVer, Jobs: make([]*types.Job, 0, len(data.Jobs))}
	for _, j := range data.Jobs {
		c := *j
		out.Jobs = append(out.Jobs, &c)
	}
	return out
}

type fakeNotifier struct {
	mu    sync.Mutex
	tasks []worker.Task
	err   error
}

func (n *fakeNotifier) Submit(task worker.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.tasks = append(n.tasks, task)
	return nil
}

func (n *fakeNotifier) Tasks() []worker.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]worker.Task(nil), n.tasks...)
}

type harness struct {
	s        *Scheduler
	clock    *fakeClock
	store    *memStore
	capture  *fakeCapture
	trans    *fakeTranscoder
	notifier *fakeNotifier
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(testNow),
		store:    &memStore{},
		capture:  &fakeCapture{},
		trans:    &fakeTranscoder{},
		notifier: &fakeNotifier{},
		reg:      prometheus.NewRegistry(),
	}
	base := []Option{
		WithClock(h.clock),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithMetrics(metrics.NewCollector(h.reg)),
		WithNotifier(h.notifier),
		WithRecordingsDir("/recordings"),
	}
	h.s = New(h.store, h.capture, h.trans, append(base, opts...)...)
	require.NoError(t, h.s.Start())
	t.Cleanup(h.s.Stop)
	return h
}

func (h *harness) status(t *testing.T, id types.JobID) types.JobStatus {
	t.Helper()
	job, ok := h.s.Get(id)
	require.True(t, ok, "job %s should exist", id)
	return job.Status
}

// metricValue 讀取 counter 或 gauge 的值；labels 為 name=value 成對列出
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// ============================================================================
// Lifecycle Scenarios
// ============================================================================

func TestJobCompletesFullLifecycle(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://stream.example/live", "morning-show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, testNow, job.CreatedAt)
	assert.Equal(t, testNow, job.UpdatedAt)
	assert.NotEmpty(t, job.ID)

	stored, ok := h.store.Job(job.ID)
	require.True(t, ok, "submitted job should be persisted before Submit returns")
	assert.Equal(t, types.StatusPending, stored.Status)

	// just before start time nothing happens
	h.clock.Advance(time.Hour - time.Second)
	assert.Empty(t, h.capture.Calls())
	assert.Equal(t, types.StatusPending, h.status(t, job.ID))

	h.clock.Advance(time.Second)
	calls := h.capture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, capture.Request{
		JobID:           string(job.ID),
		Source:          "http://stream.example/live",
		Name:            "morning-show",
		DurationSeconds: 60,
	}, calls[0])
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))

	// transcode waits for duration plus the safety margin
	h.clock.Advance(60*time.Second + DefaultSafetyMargin - time.Second)
	assert.Empty(t, h.trans.Calls())
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))

	h.clock.Advance(time.Second)
	tcalls := h.trans.Calls()
	require.Len(t, tcalls, 1)
	assert.Equal(t, "/captures/morning-show.mp4", tcalls[0].InputPath)
	assert.Equal(t, filepath.Join("/recordings", "morning-show"), tcalls[0].OutputDir)

	got, _ := h.s.Get(job.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "/captures/morning-show.mp4", got.OutputPath)
	assert.Empty(t, got.ErrorDetail)

	stored, _ = h.store.Job(job.ID)
	assert.Equal(t, types.StatusCompleted, stored.Status)

	tasks := h.notifier.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, worker.Task{JobID: job.ID, Name: "morning-show", Path: filepath.Join("/recordings", "morning-show")}, tasks[0])

	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs_submitted_total"))
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_captures_launched_total"))
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs_completed_total"))
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs", "status", "completed"))
	assert.Equal(t, 0.0, metricValue(t, h.reg, "recorder_jobs", "status", "pending"))
}

func TestCaptureLaunchFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.capture.err = &capture.LaunchError{Name: "screen", Err: errors.New("executable file not found")}

	job, err := h.s.Submit("http://stream.example/live", "evening", 30, testNow.Add(time.Minute))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)

	got, _ := h.s.Get(job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorDetail, "executable file not found")
	assert.Zero(t, h.clock.Active(), "no capture window should be armed")

	// nothing else happens later
	h.clock.Advance(time.Hour)
	assert.Empty(t, h.trans.Calls())
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs_failed_total", "stage", metrics.StageCapture))

	stored, _ := h.store.Job(job.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
}

func TestTranscodeFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.trans.err = &transcode.TranscodeError{Kind: transcode.KindExit, ExitCode: 2, Stderr: "no such file"}

	job, err := h.s.Submit("http://stream.example/live", "news", 10, testNow.Add(time.Minute))
	require.NoError(t, err)

	h.clock.Advance(time.Minute + 10*time.Second + DefaultSafetyMargin)

	got, _ := h.s.Get(job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "transcode exited with code 2: no such file", got.ErrorDetail)
	assert.Equal(t, "/captures/news.mp4", got.OutputPath)
	assert.Empty(t, h.notifier.Tasks())
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs_failed_total", "stage", metrics.StageTranscode))
}

func TestPastStartTimeFiresImmediately(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://stream.example/live", "late", 5, testNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)

	h.clock.Advance(0)
	assert.Len(t, h.capture.Calls(), 1)
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))
}

func TestCustomSafetyMargin(t *testing.T) {
	h := newHarness(t, WithSafetyMargin(0))

	job, err := h.s.Submit("http://stream.example/live", "short", 5, testNow)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID))
}

func TestNotifierErrorDoesNotFailJob(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = worker.ErrQueueFull

	job, err := h.s.Submit("http://stream.example/live", "busy", 1, testNow)
	require.NoError(t, err)

	h.clock.Advance(time.Second + DefaultSafetyMargin)

	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID))
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_catalog_notifications_total", "result", metrics.NotifyDropped))
}

func TestIndependentJobsProgressSeparately(t *testing.T) {
	h := newHarness(t)

	a, err := h.s.Submit("http://a.example/live", "a", 60, testNow.Add(time.Minute))
	require.NoError(t, err)
	b, err := h.s.Submit("http://b.example/live", "b", 60, testNow.Add(2*time.Minute))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	assert.Equal(t, types.StatusCapturing, h.status(t, a.ID))
	assert.Equal(t, types.StatusPending, h.status(t, b.ID))

	h.clock.Advance(time.Minute)
	assert.Equal(t, types.StatusCapturing, h.status(t, a.ID))
	assert.Equal(t, types.StatusCapturing, h.status(t, b.ID))

	h.clock.Advance(DefaultSafetyMargin)
	assert.Equal(t, types.StatusCompleted, h.status(t, a.ID))
	assert.Equal(t, types.StatusCapturing, h.status(t, b.ID))

	h.clock.Advance(time.Minute)
	assert.Equal(t, types.StatusCompleted, h.status(t, b.ID))

	list := h.s.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

// ============================================================================
// Submit Validation
// ============================================================================

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name     string
		source   string
		jobName  string
		duration int
	}{
		{"empty source", "", "show", 60},
		{"blank source", "   ", "show", 60},
		{"empty name", "http://s/live", "", 60},
		{"slash in name", "http://s/live", "a/b", 60},
		{"backslash in name", "http://s/live", `a\b`, 60},
		{"dot name", "http://s/live", ".", 60},
		{"dotdot name", "http://s/live", "..", 60},
		{"zero duration", "http://s/live", "show", 0},
		{"negative duration", "http://s/live", "show", -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.s.Submit(tt.source, tt.jobName, tt.duration, testNow.Add(time.Hour))
			assert.True(t, errors.Is(err, ErrInvalidJob), "got %v", err)
		})
	}

	assert.Empty(t, h.s.List())
	assert.Zero(t, h.clock.Active())
}

func TestSubmitUsesIDGenerator(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "fixed-id" }))

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.JobID("fixed-id"), job.ID)

	// duplicate IDs are rejected by the job table
	_, err = h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	assert.Error(t, err)
	assert.Len(t, h.s.List(), 1)
}

func TestSubmitNormalizesStartTimeToUTC(t *testing.T) {
	h := newHarness(t)
	loc := time.FixedZone("UTC+8", 8*60*60)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour).In(loc))
	require.NoError(t, err)
	assert.Equal(t, time.UTC, job.StartTime.Location())
	assert.True(t, job.StartTime.Equal(testNow.Add(time.Hour)))
}

// ============================================================================
// Cancel
// ============================================================================

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, h.s.Cancel(job.ID))

	_, ok := h.s.Get(job.ID)
	assert.False(t, ok)
	_, ok = h.store.Job(job.ID)
	assert.False(t, ok, "cancellation should be persisted")

	h.clock.Advance(2 * time.Hour)
	assert.Empty(t, h.capture.Calls(), "cancelled job must never launch")

	assert.False(t, h.s.Cancel(job.ID), "second cancel is a no-op")
	assert.Equal(t, 1.0, metricValue(t, h.reg, "recorder_jobs_cancelled_total"))
}

func TestCancelledTimerCallbackIsNoop(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	h.s.mu.Lock()
	entry := h.s.timers[job.ID]
	h.s.mu.Unlock()
	require.NotNil(t, entry)

	require.True(t, h.s.Cancel(job.ID))
	writes := h.store.Writes()

	// the stopped timer fires anyway
	assert.Equal(t, 1, h.clock.FireStopped())
	h.s.onTimerFire(job.ID, entry)

	// the entry is still registered but the job is gone
	h.s.mu.Lock()
	h.s.timers[job.ID] = entry
	h.s.mu.Unlock()
	h.s.onTimerFire(job.ID, entry)

	assert.Empty(t, h.capture.Calls())
	assert.Empty(t, h.s.List())
	assert.Equal(t, writes, h.store.Writes())
	h.s.mu.Lock()
	_, armed := h.s.timers[job.ID]
	h.s.mu.Unlock()
	assert.False(t, armed)
}

func TestStaleTimerCallbacksAreNoops(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Minute))
	require.NoError(t, err)
	h.s.mu.Lock()
	start := h.s.timers[job.ID]
	h.s.mu.Unlock()

	h.clock.Advance(time.Minute)
	require.Equal(t, types.StatusCapturing, h.status(t, job.ID))
	h.s.mu.Lock()
	window := h.s.windows[job.ID]
	h.s.mu.Unlock()
	require.NotNil(t, window)

	// a repeated start callback must not launch a second capture
	writes := h.store.Writes()
	h.s.onTimerFire(job.ID, start)
	assert.Len(t, h.capture.Calls(), 1)
	assert.Equal(t, writes, h.store.Writes())

	// a window callback that has been replaced does nothing
	h.s.mu.Lock()
	replacement := &timerEntry{t: window.t}
	h.s.windows[job.ID] = replacement
	h.s.mu.Unlock()
	h.s.onCaptureWindowElapsed(job.ID, "/captures/show.mp4", window)
	assert.Empty(t, h.trans.Calls())
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))
	assert.Equal(t, writes, h.store.Writes())

	h.s.mu.Lock()
	h.s.windows[job.ID] = window
	h.s.mu.Unlock()
	h.clock.Advance(time.Minute + DefaultSafetyMargin)
	require.Equal(t, types.StatusCompleted, h.status(t, job.ID))

	// a window callback after completion does nothing
	writes = h.store.Writes()
	h.s.onCaptureWindowElapsed(job.ID, "/captures/show.mp4", window)
	assert.Len(t, h.trans.Calls(), 1)
	assert.Len(t, h.notifier.Tasks(), 1)
	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID))
	assert.Equal(t, writes, h.store.Writes())
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t)
	writes := h.store.Writes()

	assert.False(t, h.s.Cancel("missing"))
	assert.Equal(t, writes, h.store.Writes())
}

func TestCancelStartedJobIsRejected(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Minute))
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	require.Equal(t, types.StatusCapturing, h.status(t, job.ID))

	assert.False(t, h.s.Cancel(job.ID))
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))

	h.clock.Advance(time.Minute + DefaultSafetyMargin)
	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID))
	assert.False(t, h.s.Cancel(job.ID))
}

func TestCancelLeavesOtherJobsScheduled(t *testing.T) {
	h := newHarness(t)

	a, err := h.s.Submit("http://s/live", "a", 60, testNow.Add(time.Minute))
	require.NoError(t, err)
	b, err := h.s.Submit("http://s/live", "b", 60, testNow.Add(time.Minute))
	require.NoError(t, err)

	require.True(t, h.s.Cancel(a.ID))
	h.clock.Advance(time.Minute)

	calls := h.capture.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, string(b.ID), calls[0].JobID)
}

// ============================================================================
// Reconcile and Recovery
// ============================================================================

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)

	job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, h.clock.Active())

	h.s.Reconcile()
	h.s.Reconcile()
	assert.Equal(t, 1, h.clock.Active(), "existing timers must not be duplicated")

	h.clock.Advance(time.Hour)
	assert.Len(t, h.capture.Calls(), 1)
	assert.Equal(t, types.StatusCapturing, h.status(t, job.ID))
}

func TestRecoverMarksMissedAndRearmsFuture(t *testing.T) {
	store := &memStore{data: types.SnapshotData{SchemaVer: 1, Jobs: []*types.Job{
		{ID: "missed", Source: "http://s/live", Name: "missed", DurationSeconds: 60,
			StartTime: testNow.Add(-time.Minute), Status: types.StatusPending},
		{ID: "due-now", Source: "http://s/live", Name: "due-now", DurationSeconds: 60,
			StartTime: testNow, Status: types.StatusPending},
		{ID: "future", Source: "http://s/live", Name: "future", DurationSeconds: 60,
			StartTime: testNow.Add(time.Hour), Status: types.StatusPending},
		{ID: "mid-capture", Source: "http://s/live", Name: "mid-capture", DurationSeconds: 60,
			StartTime: testNow.Add(-time.Hour), Status: types.StatusCapturing},
		{ID: "mid-transcode", Source: "http://s/live", Name: "mid-transcode", DurationSeconds: 60,
			StartTime: testNow.Add(-time.Hour), Status: types.StatusTranscoding, OutputPath: "/captures/x.mp4"},
	}}}
	clock := newFakeClock(testNow)
	reg := prometheus.NewRegistry()
	capt := &fakeCapture{}
	trans := &fakeTranscoder{}

	s := New(store, capt, trans,
		WithClock(clock),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithMetrics(metrics.NewCollector(reg)),
	)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	for _, id := range []types.JobID{"missed", "due-now"} {
		job, ok := s.Get(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusFailed, job.Status, id)
		assert.Equal(t, MissedScheduleDetail, job.ErrorDetail, id)
	}

	job, _ := s.Get("future")
	assert.Equal(t, types.StatusPending, job.Status)
	job, _ = s.Get("mid-capture")
	assert.Equal(t, types.StatusCapturing, job.Status, "in-flight jobs are not resumed")
	job, _ = s.Get("mid-transcode")
	assert.Equal(t, types.StatusTranscoding, job.Status)

	// reconcile results are persisted
	stored, _ := store.Job("missed")
	assert.Equal(t, types.StatusFailed, stored.Status)
	assert.Equal(t, 2.0, metricValue(t, reg, "recorder_jobs_failed_total", "stage", metrics.StageMissed))

	assert.Equal(t, 1, clock.Active(), "only the future job is armed")
	clock.Advance(time.Hour)
	calls := capt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "future", calls[0].JobID)
	assert.Empty(t, trans.Calls())
}

func TestRecoveryRoundTripThroughSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	log := zaptest.NewLogger(t).Sugar()

	// first run
	clock1 := newFakeClock(testNow)
	s1 := New(snapshot.NewManager(path), &fakeCapture{}, &fakeTranscoder{}, WithClock(clock1), WithLogger(log))
	require.NoError(t, s1.Start())

	late, err := s1.Submit("http://s/live", "late", 60, testNow.Add(10*time.Minute))
	require.NoError(t, err)
	later, err := s1.Submit("http://s/live", "later", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	s1.Stop()

	// restart 30 minutes later
	clock2 := newFakeClock(testNow.Add(30 * time.Minute))
	capt := &fakeCapture{}
	s2 := New(snapshot.NewManager(path), capt, &fakeTranscoder{}, WithClock(clock2), WithLogger(log))
	require.NoError(t, s2.Start())
	t.Cleanup(s2.Stop)

	list := s2.List()
	require.Len(t, list, 2)
	assert.Equal(t, late.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)

	got, _ := s2.Get(late.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, MissedScheduleDetail, got.ErrorDetail)

	got, _ = s2.Get(later.ID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.True(t, got.StartTime.Equal(later.StartTime))
	assert.True(t, got.CreatedAt.Equal(later.CreatedAt))

	clock2.Advance(30 * time.Minute)
	require.Len(t, capt.Calls(), 1)
	assert.Equal(t, string(later.ID), capt.Calls()[0].JobID)
}

func TestRecoverFailsOnCorruptSnapshot(t *testing.T) {
	store := &memStore{loadErr: snapshot.ErrCorruptedSnapshot}
	s := New(store, &fakeCapture{}, &fakeTranscoder{})

	err := s.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, snapshot.ErrCorruptedSnapshot))
}

func TestFailedStartLeavesCorruptSnapshotUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	corrupt := []byte(`{"schema_ver": 1, "checksum": 12, "jobs": [{"id": "a"`)
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))

	s := New(snapshot.NewManager(path), &fakeCapture{}, &fakeTranscoder{},
		WithClock(newFakeClock(testNow)),
		WithLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.Error(t, s.Start())

	s.Reconcile()
	_, err := s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrNotRecovered))
	s.Stop()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupt, data, "a snapshot that failed to load must not be overwritten")
}

func TestSubmitBeforeRecoverIsRejected(t *testing.T) {
	store := &memStore{}
	s := New(store, &fakeCapture{}, &fakeTranscoder{}, WithClock(newFakeClock(testNow)))
	t.Cleanup(s.Stop)

	_, err := s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrNotRecovered))
	assert.Empty(t, s.List())

	require.NoError(t, s.Start())
	_, err = s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Positive(t, store.Writes())
}

func TestRecoverRejectsNonEmptyTable(t *testing.T) {
	h := newHarness(t)
	_, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
	require.NoError(t, err)

	assert.Error(t, h.s.Recover())
	assert.Len(t, h.s.List(), 1)
}

// ============================================================================
// Persistence Failures
// ============================================================================

func TestPersistFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := newHarness(t, WithLogger(zap.New(core).Sugar()))
	h.store.mu.Lock()
	h.store.writeErr = errors.New("disk full")
	h.store.mu.Unlock()

	job, err := h.s.Submit("http://s/live", "show", 1, testNow)
	require.NoError(t, err, "persistence failures do not fail the operation")

	h.clock.Advance(time.Second + DefaultSafetyMargin)
	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID), "in-memory state keeps advancing")

	entries := logs.FilterMessage("Failed to persist job table").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "disk full", entries[0].ContextMap()["error"])
	assert.Equal(t, float64(len(entries)), metricValue(t, h.reg, "recorder_persist_errors_total"))
}

// ============================================================================
// Concurrency and Shutdown
// ============================================================================

func TestQueriesDoNotBlockDuringTranscode(t *testing.T) {
	h := newHarness(t)
	h.trans.started = make(chan struct{}, 1)
	h.trans.release = make(chan struct{})

	job, err := h.s.Submit("http://s/live", "long", 1, testNow)
	require.NoError(t, err)
	h.clock.Advance(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clock.Advance(time.Second + DefaultSafetyMargin)
	}()
	<-h.trans.started

	assert.Equal(t, types.StatusTranscoding, h.status(t, job.ID))
	assert.Len(t, h.s.List(), 1)
	other, err := h.s.Submit("http://s/live", "other", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, h.s.Cancel(other.ID))
	assert.Equal(t, 1, h.s.Stats()[types.StatusTranscoding])

	close(h.trans.release)
	<-done
	assert.Equal(t, types.StatusCompleted, h.status(t, job.ID))
}

func TestStopAbortsTranscodeAndKeepsState(t *testing.T) {
	h := newHarness(t)
	h.trans.started = make(chan struct{}, 1)
	h.trans.release = make(chan struct{})

	job, err := h.s.Submit("http://s/live", "aborted", 1, testNow)
	require.NoError(t, err)
	pending, err := h.s.Submit("http://s/live", "pending", 60, testNow.Add(time.Hour))
	require.NoError(t, err)
	h.clock.Advance(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.clock.Advance(time.Second + DefaultSafetyMargin)
	}()
	<-h.trans.started

	h.s.Stop()
	<-done

	assert.Equal(t, types.StatusTranscoding, h.status(t, job.ID))
	stored, _ := h.store.Job(job.ID)
	assert.Equal(t, types.StatusTranscoding, stored.Status)

	// stopped timers never fire
	h.clock.Advance(2 * time.Hour)
	assert.Len(t, h.capture.Calls(), 1)
	assert.Equal(t, types.StatusPending, h.status(t, pending.ID))
	assert.Zero(t, h.clock.Active())

	_, err = h.s.Submit("http://s/live", "after", 60, testNow.Add(3*time.Hour))
	assert.True(t, errors.Is(err, ErrStopped))

	assert.NotPanics(t, h.s.Stop)
}

func TestConcurrentSubmitAndCancel(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	ids := make(chan types.JobID, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.s.Submit("http://s/live", "show", 60, testNow.Add(time.Hour))
			if assert.NoError(t, err) {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	cancelled := 0
	for id := range ids {
		if cancelled%2 == 0 {
			assert.True(t, h.s.Cancel(id))
		}
		cancelled++
	}

	assert.Len(t, h.s.List(), 25)
	assert.Equal(t, 25, h.clock.Active())

	stored, err := h.store.Load()
	require.NoError(t, err)
	assert.Len(t, stored.Jobs, 25)
}
