package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediadl/mediadl/internal/engine/events"
	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/fetch"
	"github.com/mediadl/mediadl/internal/fetch/fetchtest"
	"github.com/mediadl/mediadl/internal/store"
)

const waitTimeout = 5 * time.Second

type harness struct {
	t       *testing.T
	ctx     context.Context
	st      *store.Store
	fetcher *fetchtest.Fetcher
	bus     *events.Bus
	sub     *events.Subscription
	eng     *Engine
	outDir  string
	seen    []any
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mediadl.db"))
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		st:      st,
		fetcher: fetchtest.New(),
		bus:     events.NewBus(),
		outDir:  t.TempDir(),
	}
	h.sub = h.bus.Subscribe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if h.eng != nil {
			_ = h.eng.Shutdown(ctx)
		}
		h.sub.Close()
		h.bus.Close()
		_ = st.Close()
	})
	h.startEngine(maxConcurrent)
	return h
}

func (h *harness) startEngine(maxConcurrent int) {
	h.eng = New(h.st, h.fetcher, h.bus, types.RuntimeConfig{
		MaxConcurrentDownloads: maxConcurrent,
		OutputDir:              h.outDir,
	})
}

func (h *harness) start(urlID string) types.Outcome {
	h.t.Helper()
	out, err := h.eng.Start(h.ctx, "https://example.com/watch?v="+urlID, urlID, "Title "+urlID, types.Options{})
	require.NoError(h.t, err)
	return out
}

func (h *harness) run(urlID string, n int) *fetchtest.Run {
	h.t.Helper()
	run, err := h.fetcher.WaitRun(urlID, n, waitTimeout)
	require.NoError(h.t, err)
	return run
}

func (h *harness) waitFor(urlID string, typ events.Type) any {
	h.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-h.sub.C():
			require.True(h.t, ok, "subscription closed")
			h.seen = append(h.seen, msg)
			if events.URLIDOf(msg) == urlID && events.TypeOf(msg) == typ {
				return msg
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s of %s", typ, urlID)
			return nil
		}
	}
}

// settle collects whatever is published within d.
func (h *harness) settle(d time.Duration) {
	timeout := time.After(d)
	for {
		select {
		case msg, ok := <-h.sub.C():
			if !ok {
				return
			}
			h.seen = append(h.seen, msg)
		case <-timeout:
			return
		}
	}
}

func (h *harness) count(urlID string, typ events.Type) int {
	n := 0
	for _, msg := range h.seen {
		if events.URLIDOf(msg) == urlID && events.TypeOf(msg) == typ {
			n++
		}
	}
	return n
}

func (h *harness) terminalCount(urlID string) int {
	return h.count(urlID, events.TypeCompleted) + h.count(urlID, events.TypeFailed) + h.count(urlID, events.TypeCancelled)
}

func (h *harness) record(urlID string) *types.Record {
	h.t.Helper()
	rec, err := h.st.GetByURLID(h.ctx, urlID)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) status(urlID string) types.Status {
	return h.record(urlID).Status
}

func (h *harness) mediaFile(name string, size int) string {
	h.t.Helper()
	p := filepath.Join(h.outDir, name)
	require.NoError(h.t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func TestStart_RejectsMissingFields(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.eng.Start(h.ctx, "", "a", "", types.Options{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.eng.Start(h.ctx, "https://example.com", "", "", types.Options{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdmission_ConcurrentDuplicateStarts(t *testing.T) {
	h := newHarness(t, 3)

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.eng.Start(h.ctx, "https://example.com/v", "dup", "", types.Options{})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	started := 0
	for _, out := range outcomes {
		switch out {
		case types.OutcomeStarted:
			started++
		default:
			assert.Equal(t, types.OutcomeAlreadyDownloading, out)
		}
	}
	assert.Equal(t, 1, started)

	h.run("dup", 1)
	h.settle(100 * time.Millisecond)
	assert.Equal(t, 1, h.fetcher.Starts("dup"))
	assert.Equal(t, types.StatusDownloading, h.status("dup"))
	assert.Equal(t, 1, h.count("dup", events.TypeStarted))
}

func TestAdmission_ConcurrencyBound(t *testing.T) {
	h := newHarness(t, 2)

	assert.Equal(t, types.OutcomeStarted, h.start("a"))
	assert.Equal(t, types.OutcomeStarted, h.start("b"))
	assert.Equal(t, types.OutcomeQueued, h.start("c"))
	h.waitFor("c", events.TypeQueued)

	assert.Equal(t, types.StatusDownloading, h.status("a"))
	assert.Equal(t, types.StatusDownloading, h.status("b"))
	assert.Equal(t, types.StatusQueued, h.status("c"))
	assert.Equal(t, 0, h.fetcher.Starts("c"))

	stats, err := h.st.Statistics(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[types.StatusDownloading])
	assert.Equal(t, 1, stats.ByStatus[types.StatusQueued])

	run := h.run("b", 1)
	run.Destination(h.mediaFile("b.mp4", 10))
	run.Close()

	h.waitFor("b", events.TypeCompleted)
	h.waitFor("c", events.TypeStarted)
	h.run("c", 1)
	assert.Equal(t, types.StatusDownloading, h.status("c"))
}

func TestAdmission_CompletedShortCircuit(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)
	path := h.mediaFile("a.mp4", 42)
	run.Destination(path)
	run.Close()
	h.waitFor("a", events.TypeCompleted)

	assert.Equal(t, types.OutcomeAlreadyCompleted, h.start("a"))
	msg := h.waitFor("a", events.TypeCompleted).(events.DownloadCompleteMsg)
	assert.True(t, msg.Cached)
	assert.Equal(t, path, msg.FilePath)
	require.NotNil(t, msg.FileSize)
	assert.EqualValues(t, 42, *msg.FileSize)

	h.settle(50 * time.Millisecond)
	assert.Equal(t, 1, h.fetcher.Starts("a"))
	assert.Equal(t, 1, h.count("a", events.TypeStarted))
}

func TestAdmission_AlreadyQueued(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	assert.Equal(t, types.OutcomeQueued, h.start("b"))
	assert.Equal(t, types.OutcomeAlreadyQueued, h.start("b"))

	queued, err := h.st.ListQueued(h.ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

func TestRun_ProgressAndCompletion(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	run.Progress(12.5)
	msg := h.waitFor("a", events.TypeProgress).(events.ProgressMsg)
	assert.Equal(t, "Title a", msg.Title)

	run.Progress(80)
	require.Eventually(t, func() bool { return h.record("a").Progress == 80 }, waitTimeout, 10*time.Millisecond)

	path := h.mediaFile("a.mkv", 7)
	run.Destination(filepath.Join(h.outDir, "a.f137.mp4"))
	run.MergeDestination(path)
	run.Close()

	done := h.waitFor("a", events.TypeCompleted).(events.DownloadCompleteMsg)
	assert.Equal(t, path, done.FilePath)
	assert.False(t, done.Cached)

	rec := h.record("a")
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, float64(100), rec.Progress)
	assert.Equal(t, path, rec.FilePath)
	require.NotNil(t, rec.FileSize)
	assert.EqualValues(t, 7, *rec.FileSize)
	assert.NotNil(t, rec.EndTime)
}

func TestRun_FailureIsTerminal(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	run.Progress(30)
	run.Fail(errors.New("HTTP Error 403: Forbidden"))
	run.Close()

	msg := h.waitFor("a", events.TypeFailed).(events.DownloadErrorMsg)
	assert.EqualError(t, msg.Err, "HTTP Error 403: Forbidden")

	h.settle(100 * time.Millisecond)
	assert.Equal(t, 1, h.terminalCount("a"))
	rec := h.record("a")
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "HTTP Error 403: Forbidden", rec.ErrorMessage)
	assert.True(t, run.Cancelled())
}

func TestRun_CancellationErrorIgnored(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	run.Fail(fetch.ErrCancelled)
	run.Destination(h.mediaFile("a.mp4", 3))
	run.Close()

	h.waitFor("a", events.TypeCompleted)
	h.settle(50 * time.Millisecond)
	assert.Equal(t, 0, h.count("a", events.TypeFailed))
}

func TestRun_AlreadyDownloaded(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	h.start("b")
	run := h.run("a", 1)

	path := h.mediaFile("a.webm", 99)
	run.AlreadyDownloaded(path)

	msg := h.waitFor("a", events.TypeCompleted).(events.DownloadCompleteMsg)
	assert.Equal(t, path, msg.FilePath)
	require.NotNil(t, msg.FileSize)
	assert.EqualValues(t, 99, *msg.FileSize)

	// The slot is free before the tool exits.
	h.waitFor("b", events.TypeStarted)
	run.Close()
	h.settle(50 * time.Millisecond)
	assert.Equal(t, 1, h.terminalCount("a"))
}

func TestRun_UnknownSizeStaysNull(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	run.AlreadyDownloaded(filepath.Join(h.outDir, "vanished.mp4"))
	msg := h.waitFor("a", events.TypeCompleted).(events.DownloadCompleteMsg)
	assert.Nil(t, msg.FileSize)
	assert.Nil(t, h.record("a").FileSize)
}

func TestRun_PostHocResolution(t *testing.T) {
	h := newHarness(t, 1)
	path := h.mediaFile("resolved.mp4", 5)
	h.fetcher.SetResolved("a", path)

	h.start("a")
	run := h.run("a", 1)
	run.Progress(100)
	run.Close()

	msg := h.waitFor("a", events.TypeCompleted).(events.DownloadCompleteMsg)
	assert.Equal(t, path, msg.FilePath)
	assert.Equal(t, path, h.record("a").FilePath)
}

func TestRun_TitleProbe(t *testing.T) {
	h := newHarness(t, 1)
	h.fetcher.SetTitle("a", "Probed Title")

	_, err := h.eng.Start(h.ctx, "https://example.com/a", "a", "", types.Options{})
	require.NoError(t, err)
	run := h.run("a", 1)
	assert.Equal(t, "Probed Title", run.Req.Title)

	run.Progress(50)
	msg := h.waitFor("a", events.TypeProgress).(events.ProgressMsg)
	assert.Equal(t, "Probed Title", msg.Title)
	run.Destination(h.mediaFile("a.mp4", 1))
	run.Close()
	h.waitFor("a", events.TypeCompleted)
	assert.Equal(t, "Probed Title", h.record("a").Title)

	h.start("b")
	h.run("b", 1)
	assert.Equal(t, 1, h.fetcher.TitleProbes())
}

func TestRun_StartFailureFreesSlot(t *testing.T) {
	h := newHarness(t, 1)
	h.fetcher.FailStart("a", errors.New("exec: \"yt-dlp\": executable file not found in $PATH"))

	h.start("a")
	h.start("b")
	h.waitFor("a", events.TypeFailed)
	h.waitFor("b", events.TypeStarted)
	assert.Equal(t, types.StatusFailed, h.status("a"))
}

func TestRun_RequestCarriesOptions(t *testing.T) {
	h := newHarness(t, 1)
	opts := types.Options{Format: "bestaudio", Direct: true}
	_, err := h.eng.Start(h.ctx, "https://example.com/a.mp3", "a", "A", opts)
	require.NoError(t, err)

	run := h.run("a", 1)
	assert.Equal(t, opts, run.Req.Options)
	assert.Equal(t, "bestaudio", run.Req.FormatSelector)
	assert.Equal(t, h.outDir, run.Req.OutputDir)
	assert.Equal(t, opts, h.record("a").Options)
}

func TestScenario_QueueHandOff(t *testing.T) {
	h := newHarness(t, 1)

	assert.Equal(t, types.OutcomeStarted, h.start("A"))
	assert.Equal(t, types.StatusDownloading, h.status("A"))
	assert.Equal(t, types.OutcomeQueued, h.start("B"))
	assert.Equal(t, types.StatusQueued, h.status("B"))

	run := h.run("A", 1)
	run.Destination(h.mediaFile("A.mp4", 1))
	run.Close()

	h.waitFor("A", events.TypeCompleted)
	h.waitFor("B", events.TypeStarted)
	assert.Equal(t, types.StatusCompleted, h.status("A"))
	assert.Equal(t, types.StatusDownloading, h.status("B"))
	h.run("B", 1)
}

func TestScenario_StopImmediately(t *testing.T) {
	h := newHarness(t, 2)
	h.start("C")

	stopped, err := h.eng.Stop(h.ctx, "C")
	require.NoError(t, err)
	assert.True(t, stopped)

	h.waitFor("C", events.TypeCancelled)
	assert.Equal(t, types.StatusCancelled, h.status("C"))

	snap, err := h.eng.Snapshot(h.ctx)
	require.NoError(t, err)
	for _, a := range snap.Active {
		assert.NotEqual(t, "C", a.URLID)
	}

	// A run that was already started sees its context cancelled and closes.
	if run := h.fetcher.Last("C"); run != nil {
		require.Eventually(t, run.Closed, waitTimeout, 10*time.Millisecond)
	}
	h.settle(100 * time.Millisecond)
	assert.Equal(t, 0, h.count("C", events.TypeCompleted))
	assert.Equal(t, 0, h.count("C", events.TypeFailed))
	assert.Equal(t, types.StatusCancelled, h.status("C"))
}

func TestStop_RunningThenLateEvents(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	stopped, err := h.eng.Stop(h.ctx, "a")
	require.NoError(t, err)
	assert.True(t, stopped)
	require.Eventually(t, run.Cancelled, waitTimeout, 10*time.Millisecond)

	run.Progress(99)
	run.Close()
	h.settle(100 * time.Millisecond)
	assert.Equal(t, 1, h.terminalCount("a"))
	rec := h.record("a")
	assert.Equal(t, types.StatusCancelled, rec.Status)
	assert.Equal(t, float64(0), rec.Progress)
}

func TestStop_Queued(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	h.start("b")

	stopped, err := h.eng.Stop(h.ctx, "b")
	require.NoError(t, err)
	assert.True(t, stopped)
	h.waitFor("b", events.TypeCancelled)
	assert.Equal(t, types.StatusCancelled, h.status("b"))

	run := h.run("a", 1)
	run.Destination(h.mediaFile("a.mp4", 1))
	run.Close()
	h.waitFor("a", events.TypeCompleted)
	h.settle(100 * time.Millisecond)
	assert.Equal(t, 0, h.fetcher.Starts("b"))
}

func TestStop_NotActive(t *testing.T) {
	h := newHarness(t, 1)

	stopped, err := h.eng.Stop(h.ctx, "missing")
	require.NoError(t, err)
	assert.False(t, stopped)

	h.start("a")
	run := h.run("a", 1)
	run.Destination(h.mediaFile("a.mp4", 1))
	run.Close()
	h.waitFor("a", events.TypeCompleted)

	stopped, err = h.eng.Stop(h.ctx, "a")
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, types.StatusCompleted, h.status("a"))
}

func TestRetry(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)
	run.Fail(errors.New("network unreachable"))
	h.waitFor("a", events.TypeFailed)

	id := h.record("a").ID
	rec, outcome, err := h.eng.Retry(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeStarted, outcome)
	assert.Equal(t, types.StatusDownloading, rec.Status)
	assert.Empty(t, rec.ErrorMessage)
	h.run("a", 2)

	_, outcome, err = h.eng.Retry(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAlreadyDownloading, outcome)
	assert.Equal(t, 2, h.fetcher.Starts("a"))
}

func TestRetry_AtCapacityQueues(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)
	run.Fail(errors.New("boom"))
	h.waitFor("a", events.TypeFailed)
	failedID := h.record("a").ID

	h.start("b")
	rec, outcome, err := h.eng.Retry(h.ctx, failedID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeQueued, outcome)
	assert.Equal(t, types.StatusQueued, rec.Status)

	runB := h.run("b", 1)
	runB.Destination(h.mediaFile("b.mp4", 1))
	runB.Close()
	h.waitFor("a", events.TypeStarted)
	h.run("a", 2)
}

func TestRetry_QueuedRecordKeepsItsPlace(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	h.run("a", 1)
	assert.Equal(t, types.OutcomeQueued, h.start("b"))
	h.waitFor("b", events.TypeQueued)
	queued := h.record("b")

	rec, outcome, err := h.eng.Retry(h.ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAlreadyQueued, outcome)
	assert.Equal(t, types.StatusQueued, rec.Status)
	assert.Equal(t, queued.QueuedAt, h.record("b").QueuedAt)

	h.settle(200 * time.Millisecond)
	assert.Equal(t, 1, h.count("b", events.TypeQueued))
	assert.Equal(t, 0, h.fetcher.Starts("b"))
}

func TestRetry_UnknownID(t *testing.T) {
	h := newHarness(t, 1)
	_, _, err := h.eng.Retry(h.ctx, 12345)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecover_BeforeNewRequests(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.eng.Shutdown(h.ctx))

	// State a crashed process would leave behind.
	_, err := h.st.UpdateQueued(h.ctx, "q1", "https://example.com/q1", "", types.Options{})
	require.NoError(t, err)
	_, err = h.st.UpdateQueued(h.ctx, "q2", "https://example.com/q2", "", types.Options{})
	require.NoError(t, err)
	_, err = h.st.UpdateStart(h.ctx, "d1", "https://example.com/d1", "D1", types.Options{})
	require.NoError(t, err)
	_, err = h.st.CreateRecord(h.ctx, "https://example.com/p1", "p1", "", types.StatusPending, types.Options{})
	require.NoError(t, err)

	h.startEngine(2)
	n, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, types.StatusDownloading, h.status("d1"))
	assert.Equal(t, types.StatusDownloading, h.status("p1"))
	assert.Equal(t, types.StatusQueued, h.status("q1"))
	assert.Equal(t, types.StatusQueued, h.status("q2"))

	// New work lines up behind the recovered queue.
	assert.Equal(t, types.OutcomeQueued, h.start("fresh"))

	run := h.run("d1", 1)
	run.Destination(h.mediaFile("d1.mp4", 1))
	run.Close()
	h.waitFor("q1", events.TypeStarted)
	assert.Equal(t, types.StatusQueued, h.status("q2"))
	assert.Equal(t, types.StatusQueued, h.status("fresh"))
}

func TestRecover_FillsFreeCapacityFromQueue(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.eng.Shutdown(h.ctx))

	for _, id := range []string{"q1", "q2"} {
		_, err := h.st.UpdateQueued(h.ctx, id, "https://example.com/"+id, "", types.Options{})
		require.NoError(t, err)
	}

	h.startEngine(3)
	n, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.run("q1", 1)
	h.run("q2", 1)
	assert.Equal(t, types.StatusDownloading, h.status("q1"))
	assert.Equal(t, types.StatusDownloading, h.status("q2"))
}

func TestSetMaxConcurrent_DrainsQueue(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	h.start("b")
	h.start("c")

	require.NoError(t, h.eng.SetMaxConcurrent(h.ctx, 3))
	h.waitFor("b", events.TypeStarted)
	h.waitFor("c", events.TypeStarted)

	snap, err := h.eng.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.MaxConcurrent)
	assert.Len(t, snap.Active, 3)
	assert.Empty(t, snap.Queued)

	assert.Error(t, h.eng.SetMaxConcurrent(h.ctx, 0))
}

func TestSetOutput_AppliesToLaterStarts(t *testing.T) {
	h := newHarness(t, 2)
	dir := t.TempDir()
	require.NoError(t, h.eng.SetOutput(h.ctx, dir, "%(id)s.%(ext)s", "best"))

	h.start("a")
	run := h.run("a", 1)
	assert.Equal(t, dir, run.Req.OutputDir)
	assert.Equal(t, "%(id)s.%(ext)s", run.Req.FilenameTemplate)
	assert.Equal(t, "best", run.Req.FormatSelector)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	h.start("b")
	run := h.run("a", 1)
	run.Progress(40)
	h.waitFor("a", events.TypeProgress)

	snap, err := h.eng.Snapshot(h.ctx)
	require.NoError(t, err)
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "a", snap.Active[0].URLID)
	assert.Equal(t, float64(40), snap.Active[0].Progress)
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, "b", snap.Queued[0].URLID)
}

func TestShutdown_LeavesRecordsRecoverable(t *testing.T) {
	h := newHarness(t, 1)
	h.start("a")
	run := h.run("a", 1)

	require.NoError(t, h.eng.Shutdown(h.ctx))
	assert.True(t, run.Cancelled())
	assert.Equal(t, types.StatusDownloading, h.status("a"))

	_, err := h.eng.Start(h.ctx, "https://example.com/b", "b", "", types.Options{})
	assert.ErrorIs(t, err, ErrClosed)

	h.startEngine(1)
	n, err := h.eng.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.run("a", 2)
}
