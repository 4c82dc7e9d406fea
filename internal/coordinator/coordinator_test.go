package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtiwari1/gophermeta/internal/metadata"
	"github.com/mtiwari1/gophermeta/internal/repository"
	"github.com/mtiwari1/gophermeta/internal/store"
	"github.com/mtiwari1/gophermeta/internal/worker"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type fakeExtractor struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[metadata.LoadLevel]chan struct{}
	fail  map[string]error
	delay time.Duration
	// ignoreCancel makes gated calls wait for their gate even when cancelled.
	ignoreCancel bool

	cur, peak atomic.Int64
	cancelled atomic.Int64
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		calls: make(map[string]int),
		gates: make(map[metadata.LoadLevel]chan struct{}),
		fail:  make(map[string]error),
	}
}

func (f *fakeExtractor) gate(level metadata.LoadLevel) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[level] = g
	return g
}

func (f *fakeExtractor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExtractor) Extract(ctx context.Context, desc metadata.MediaDescriptor, level metadata.LoadLevel) (*metadata.Record, error) {
	f.mu.Lock()
	f.calls[desc.ID]++
	gate := f.gates[level]
	failure := f.fail[desc.ID]
	f.mu.Unlock()

	n := f.cur.Add(1)
	defer f.cur.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}

	if gate != nil {
		if f.ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				f.cancelled.Add(1)
				return nil, ctx.Err()
			}
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.cancelled.Add(1)
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return recordAt(desc, level), nil
}

func recordAt(desc metadata.MediaDescriptor, level metadata.LoadLevel) *metadata.Record {
	rec := &metadata.Record{Essential: metadata.Essential{Size: desc.ID}}
	if level >= metadata.LevelTechnical {
		rec.Technical = metadata.Some(metadata.Technical{ISO: metadata.Some(100)})
	}
	if level >= metadata.LevelAdvanced {
		rec.Advanced = metadata.Some(metadata.Advanced{Software: metadata.Some("darktable")})
	}
	return rec
}

func desc(id string) metadata.MediaDescriptor {
	return metadata.MediaDescriptor{ID: id, Locator: "/photos/" + id + ".jpg", ByteSize: 1024}
}

func newCoordinator(t *testing.T, ex Extractor, poolLimit int) (*Coordinator, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(context.Background(), repository.NewMemoryRepo(), store.Options{FastCapacity: 100}, logger)
	require.NoError(t, err)
	pool := worker.NewPool(poolLimit, logger)
	c := New(st, ex, pool, logger)
	t.Cleanup(func() {
		c.Close()
		pool.Shutdown()
		st.Close()
	})
	return c, st
}

func waitStatus(t *testing.T, c *Coordinator, id string, status metadata.Status) metadata.LoadingState {
	t.Helper()
	require.Eventually(t, func() bool { return c.State(id).Status == status }, waitFor, tick,
		"%s never reached %s", id, status)
	return c.State(id)
}

// An essential request loads, and a deeper request on the same
// item goes back through Loading to a record with every tier.
func TestRequestDeepensProgressively(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)
	d := desc("1")

	gate := ex.gate(metadata.LevelEssential)
	assert.Nil(t, c.Request(d, metadata.LevelEssential))
	assert.Equal(t, metadata.StatusLoading, c.State("1").Status)
	close(gate)

	st := waitStatus(t, c, "1", metadata.StatusLoaded)
	assert.Equal(t, metadata.LevelEssential, st.Record.Level())
	assert.False(t, st.Record.Technical.Present())

	gate = ex.gate(metadata.LevelAdvanced)
	assert.Nil(t, c.Request(d, metadata.LevelAdvanced))
	assert.Equal(t, metadata.StatusLoading, c.State("1").Status)
	close(gate)

	st = waitStatus(t, c, "1", metadata.StatusLoaded)
	require.NotNil(t, st.Record)
	assert.Equal(t, metadata.LevelAdvanced, st.Record.Level())
	assert.True(t, st.Record.Technical.Present())
	assert.True(t, st.Record.Advanced.Present())
}

func TestRequestReturnsSatisfyingCachedRecord(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	st.Put("1", recordAt(desc("1"), metadata.LevelTechnical))

	rec := c.Request(desc("1"), metadata.LevelEssential)
	require.NotNil(t, rec)
	assert.Equal(t, metadata.LevelTechnical, rec.Level())
	assert.Equal(t, metadata.StatusLoaded, c.State("1").Status)
	assert.Zero(t, ex.callCount("1"))
	assert.Zero(t, c.ActiveJobs())
}

func TestConcurrentRequestsRunOneJob(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)
	gate := ex.gate(metadata.LevelTechnical)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Request(desc("1"), metadata.LevelTechnical)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.ActiveJobs())

	close(gate)
	waitStatus(t, c, "1", metadata.StatusLoaded)
	assert.Equal(t, 1, ex.callCount("1"))
	assert.Zero(t, c.ActiveJobs())
}

func TestShallowerRequestReusesDeeperJob(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)
	gate := ex.gate(metadata.LevelAdvanced)

	c.Request(desc("1"), metadata.LevelAdvanced)
	c.Request(desc("1"), metadata.LevelEssential)
	c.Request(desc("1"), metadata.LevelTechnical)
	assert.Equal(t, 1, c.ActiveJobs())

	close(gate)
	st := waitStatus(t, c, "1", metadata.StatusLoaded)
	assert.Equal(t, metadata.LevelAdvanced, st.Record.Level())
	assert.Equal(t, 1, ex.callCount("1"))
}

func TestExtractionFailureIsPublishedAndNotRetried(t *testing.T) {
	ex := newFakeExtractor()
	ex.fail["bad"] = metadata.NewError(metadata.KindResourceUnavailable, "open", "bad", errors.New("no such file"))
	c, _ := newCoordinator(t, ex, 4)

	c.Request(desc("bad"), metadata.LevelEssential)
	st := waitStatus(t, c, "bad", metadata.StatusError)
	assert.Contains(t, st.Reason, "resource_unavailable")
	assert.Nil(t, st.Record)

	require.Eventually(t, func() bool { return c.ActiveJobs() == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ex.callCount("bad"), "failures are not retried automatically")

	c.Request(desc("bad"), metadata.LevelEssential)
	require.Eventually(t, func() bool { return ex.callCount("bad") == 2 }, waitFor, tick)
}

func TestPanickingExtractionBecomesError(t *testing.T) {
	c, _ := newCoordinator(t, panicExtractor{}, 2)

	c.Request(desc("1"), metadata.LevelEssential)
	st := waitStatus(t, c, "1", metadata.StatusError)
	assert.Contains(t, st.Reason, "unknown")
	assert.Contains(t, st.Reason, "panicked")
}

type panicExtractor struct{}

func (panicExtractor) Extract(context.Context, metadata.MediaDescriptor, metadata.LoadLevel) (*metadata.Record, error) {
	panic("corrupt maker note")
}

// Twelve uncached items with a batch size of five never run
// more than five extractions at once and all reach a terminal state.
func TestPrefetchBatchBoundsConcurrency(t *testing.T) {
	ex := newFakeExtractor()
	ex.delay = 15 * time.Millisecond
	ex.fail["11"] = metadata.NewError(metadata.KindAccessDenied, "open", "11", errors.New("permission denied"))
	c, _ := newCoordinator(t, ex, 16)

	descs := make([]metadata.MediaDescriptor, 12)
	for i := range descs {
		descs[i] = desc(fmt.Sprint(i))
	}

	require.NoError(t, c.PrefetchBatch(context.Background(), descs, metadata.LevelTechnical))

	assert.LessOrEqual(t, ex.peak.Load(), int64(BatchSize))
	terminal := 0
	for _, d := range descs {
		switch c.State(d.ID).Status {
		case metadata.StatusLoaded, metadata.StatusError:
			terminal++
		}
	}
	assert.Equal(t, 12, terminal)
	assert.Equal(t, metadata.StatusError, c.State("11").Status)
}

func TestPrefetchBatchSkipsSatisfiedItems(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	st.Put("cached", recordAt(desc("cached"), metadata.LevelAdvanced))
	st.Put("shallow", recordAt(desc("shallow"), metadata.LevelEssential))

	descs := []metadata.MediaDescriptor{desc("cached"), desc("shallow"), desc("new")}
	require.NoError(t, c.PrefetchBatch(context.Background(), descs, metadata.LevelTechnical))

	assert.Zero(t, ex.callCount("cached"))
	assert.Equal(t, 1, ex.callCount("shallow"))
	assert.Equal(t, 1, ex.callCount("new"))
	rec, ok := st.Peek("shallow")
	require.True(t, ok)
	assert.Equal(t, metadata.LevelTechnical, rec.Level())
}

func TestPrefetchBatchUsesDurableTier(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	st.Put("1", recordAt(desc("1"), metadata.LevelAdvanced))
	st.Flush(context.Background())
	st.ClearMemory()

	require.NoError(t, c.PrefetchBatch(context.Background(), []metadata.MediaDescriptor{desc("1")}, metadata.LevelAdvanced))
	assert.Zero(t, ex.callCount("1"))
	assert.Equal(t, metadata.StatusLoaded, c.State("1").Status)
}

// An item dropped from the active scope has its job cancelled
// and removed, and its published state is left untouched.
func TestActiveScopeCancelsJobsOutsideScope(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	ex.gate(metadata.LevelEssential)

	c.Request(desc("7"), metadata.LevelEssential)
	require.Eventually(t, func() bool { return ex.callCount("7") == 1 }, waitFor, tick)
	require.Equal(t, metadata.StatusLoading, c.State("7").Status)

	st.Put("1", recordAt(desc("1"), metadata.LevelEssential))
	st.Put("2", recordAt(desc("2"), metadata.LevelEssential))
	scope := []metadata.MediaDescriptor{desc("1"), desc("2")}
	require.NoError(t, c.PrefetchActiveScope(context.Background(), scope, "1", metadata.LevelEssential))

	assert.Nil(t, c.activeJob("7"))
	require.Eventually(t, func() bool { return ex.cancelled.Load() == 1 }, waitFor, tick)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, metadata.StatusLoading, c.State("7").Status, "cancellation publishes nothing")
}

func TestActiveScopeExcludesFocusedItem(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 8)

	scope := []metadata.MediaDescriptor{desc("a"), desc("focused"), desc("b")}
	require.NoError(t, c.PrefetchActiveScope(context.Background(), scope, "focused", metadata.LevelTechnical))

	assert.Equal(t, 1, ex.callCount("a"))
	assert.Equal(t, 1, ex.callCount("b"))
	assert.Zero(t, ex.callCount("focused"))
}

func TestNewScopeStopsPreviousScopePrefetch(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 16)
	gate := ex.gate(metadata.LevelEssential)
	defer close(gate)

	var old []metadata.MediaDescriptor
	for i := 0; i < 12; i++ {
		old = append(old, desc(fmt.Sprintf("old-%d", i)))
	}
	oldDone := make(chan error, 1)
	go func() {
		oldDone <- c.PrefetchActiveScope(context.Background(), old, "", metadata.LevelEssential)
	}()
	require.Eventually(t, func() bool { return c.ActiveJobs() == BatchSize }, waitFor, tick)

	newScope := []metadata.MediaDescriptor{desc("new")}
	newDone := make(chan error, 1)
	go func() {
		newDone <- c.PrefetchActiveScope(context.Background(), newScope, "", metadata.LevelEssential)
	}()

	select {
	case err := <-oldDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("previous scope prefetch kept running")
	}

	c.mu.Lock()
	for id := range c.jobs {
		assert.Equal(t, "new", id, "job outside the active scope")
	}
	c.mu.Unlock()
	for i := BatchSize; i < 12; i++ {
		assert.Zero(t, ex.callCount(fmt.Sprintf("old-%d", i)), "later batches of the old scope never start")
	}
}

// A deeper request starts its job before cancelling the shallower one, so
// both extractions overlap briefly.
func TestSupersedeOverlapsBriefly(t *testing.T) {
	ex := newFakeExtractor()
	ex.ignoreCancel = true
	c, st := newCoordinator(t, ex, 4)
	shallow := ex.gate(metadata.LevelEssential)
	deep := ex.gate(metadata.LevelAdvanced)

	c.Request(desc("1"), metadata.LevelEssential)
	require.Eventually(t, func() bool { return ex.cur.Load() == 1 }, waitFor, tick)
	c.Request(desc("1"), metadata.LevelAdvanced)
	require.Eventually(t, func() bool { return ex.cur.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 1, c.ActiveJobs(), "only the newest job is registered")

	close(deep)
	st1 := waitStatus(t, c, "1", metadata.StatusLoaded)
	assert.Equal(t, metadata.LevelAdvanced, st1.Record.Level())

	// The superseded job finishes afterwards and must not regress anything.
	close(shallow)
	require.Eventually(t, func() bool { return ex.cur.Load() == 0 }, waitFor, tick)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, metadata.LevelAdvanced, c.State("1").Record.Level())
	rec, ok := st.Peek("1")
	require.True(t, ok)
	assert.Equal(t, metadata.LevelAdvanced, rec.Level())
}

func TestPreloadHighPriority(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)

	rec, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelAdvanced)
	require.NoError(t, err)
	assert.Equal(t, metadata.LevelAdvanced, rec.Level())
	assert.Equal(t, metadata.StatusLoaded, c.State("1").Status)

	again, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelTechnical)
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, ex.callCount("1"))
}

func TestPreloadHighPriorityReturnsExtractionError(t *testing.T) {
	ex := newFakeExtractor()
	ex.fail["1"] = metadata.NewError(metadata.KindAccessDenied, "open", "1", errors.New("permission denied"))
	c, _ := newCoordinator(t, ex, 4)

	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	assert.ErrorIs(t, err, metadata.ErrAccessDenied)
}

func TestPreloadHighPriorityFollowsSupersedingJob(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)
	ex.gate(metadata.LevelEssential)
	deep := ex.gate(metadata.LevelAdvanced)

	type result struct {
		rec *metadata.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
		done <- result{rec, err}
	}()
	require.Eventually(t, func() bool { return ex.callCount("1") == 1 }, waitFor, tick)

	c.Request(desc("1"), metadata.LevelAdvanced)
	close(deep)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, metadata.LevelAdvanced, r.rec.Level())
	case <-time.After(waitFor):
		t.Fatal("preload did not return")
	}
}

func TestPreloadHighPriorityHonoursContext(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)
	gate := ex.gate(metadata.LevelEssential)
	defer close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.PreloadHighPriority(ctx, desc("1"), metadata.LevelEssential)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, c.ActiveJobs(), "the job outlives the waiting caller")
}

func TestCancelAllLeavesPublishedState(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 8)
	ex.gate(metadata.LevelEssential)

	for _, id := range []string{"a", "b", "c"} {
		c.Request(desc(id), metadata.LevelEssential)
	}
	require.Eventually(t, func() bool { return ex.cur.Load() == 3 }, waitFor, tick)

	c.CancelAll()
	assert.Zero(t, c.ActiveJobs())
	require.Eventually(t, func() bool { return ex.cancelled.Load() == 3 }, waitFor, tick)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, metadata.StatusLoading, c.State(id).Status)
	}
}

func TestClearCacheResetsPublishedState(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	require.NoError(t, err)

	c.ClearMemoryCache()
	assert.Zero(t, c.Stats().Size)
	assert.Equal(t, metadata.StatusLoaded, c.State("1").Status)

	c.ClearCache(context.Background())
	assert.Empty(t, c.Snapshot())
	_, ok := st.Get(context.Background(), "1")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	ex := newFakeExtractor()
	c, st := newCoordinator(t, ex, 4)
	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	require.NoError(t, err)

	c.Invalidate(context.Background(), "1")
	assert.Equal(t, metadata.StatusNotLoaded, c.State("1").Status)
	_, ok := st.Get(context.Background(), "1")
	assert.False(t, ok)

	assert.Nil(t, c.Request(desc("1"), metadata.LevelEssential))
	waitStatus(t, c, "1", metadata.StatusLoaded)
	assert.Equal(t, 2, ex.callCount("1"))
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 4)

	ch, unsubscribe := c.Subscribe()
	initial := <-ch
	assert.Empty(t, initial)

	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	require.NoError(t, err)

	var last Snapshot
	require.Eventually(t, func() bool {
		for {
			select {
			case snap := <-ch:
				last = snap
			default:
				return last["1"].Status == metadata.StatusLoaded
			}
		}
	}, waitFor, tick)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestSnapshotIsACopy(t *testing.T) {
	c, _ := newCoordinator(t, newFakeExtractor(), 2)
	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	require.NoError(t, err)

	snap := c.Snapshot()
	snap["1"] = metadata.NotLoaded()
	assert.Equal(t, metadata.StatusLoaded, c.State("1").Status)
}

func TestClosedCoordinatorStartsNothing(t *testing.T) {
	ex := newFakeExtractor()
	c, _ := newCoordinator(t, ex, 2)
	c.Close()

	assert.Nil(t, c.Request(desc("1"), metadata.LevelEssential))
	_, err := c.PreloadHighPriority(context.Background(), desc("1"), metadata.LevelEssential)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, ex.callCount("1"))
}
