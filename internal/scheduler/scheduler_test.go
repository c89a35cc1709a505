package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/store"
	"github.com/evalforge/evalforge/pkg/events"
)

type fakeResumer struct {
	mu     sync.Mutex
	runIDs []uint64
	err    error
}

func (f *fakeResumer) ForceResumeRun(_ context.Context, runID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIDs = append(f.runIDs, runID)
	return f.err
}

func (f *fakeResumer) resumed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.runIDs...)
}

type recordingSink struct {
	mu        sync.Mutex
	envelopes []events.Envelope
}

func (r *recordingSink) Append(_ context.Context, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("file::memory:?cache=private", nil)
	require.NoError(t, err)
	return s
}

func seedRun(t *testing.T, s *store.Store, itemCount int) *domain.Run {
	t.Helper()
	batch := &domain.Batch{Name: "watchdog batch", AnswerRepeatCount: 1}
	run := &domain.Run{Target: "model-a", Kind: domain.RunKindGeneration}
	items := make([]*domain.WorkItem, 0, itemCount)
	for i := 0; i < itemCount; i++ {
		items = append(items, &domain.WorkItem{
			Sequence: int64(i),
			Payload:  domain.ItemPayload{QuestionID: uint64(i + 1), Prompt: fmt.Sprintf("q%d", i+1)},
		})
	}
	require.NoError(t, s.CreateBatch(context.Background(), batch, []*domain.Run{run}, map[int][]*domain.WorkItem{0: items}))
	return run
}

func TestSweepFailsStaleRuns(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, 3)
	ctx := context.Background()

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, domain.RunInProgress, map[string]any{
		"processing_instance": "dead-worker",
		"last_activity_at":    time.Now().Add(-2 * time.Hour),
	}))

	sink := &recordingSink{}
	w := New(s, nil, notify.NewNotifier(sink, "test", nil), Config{StaleTimeout: time.Hour}, nil)
	w.Sweep(ctx)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, "inactivity timeout", got.ErrorMessage)
	assert.Empty(t, got.ProcessingInstance)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.envelopes, 1)
	env := sink.envelopes[0]
	assert.Equal(t, events.TypeRunStatusChanged, env.Type)
	assert.Equal(t, run.BatchID, env.BatchID)
	assert.Equal(t, run.ID, env.RunID)

	var payload events.StatusChangePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, string(domain.RunInProgress), payload.From)
	assert.Equal(t, string(domain.RunFailed), payload.To)
	assert.Equal(t, "inactivity timeout", payload.Reason)
}

func TestSweepIgnoresActiveRuns(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, 3)
	ctx := context.Background()

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, domain.RunInProgress, map[string]any{
		"processing_instance": "live-worker",
	}))

	w := New(s, nil, nil, Config{StaleTimeout: time.Hour}, nil)
	w.Sweep(ctx)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunInProgress, got.Status)
}

func TestSweepAutoResumesEligibleRuns(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, 3)
	ctx := context.Background()

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, domain.RunPaused, map[string]any{
		"auto_resume": true,
		"pause_time":  time.Now().Add(-10 * time.Minute),
	}))

	resumer := &fakeResumer{}
	w := New(s, resumer, nil, Config{AutoResumeAfter: 5 * time.Minute}, nil)
	w.Sweep(ctx)

	assert.Equal(t, []uint64{run.ID}, resumer.resumed())
}

func TestSweepSkipsRecentlyPausedRuns(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, 3)
	ctx := context.Background()

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, domain.RunPaused, map[string]any{
		"auto_resume": true,
		"pause_time":  time.Now(),
	}))

	resumer := &fakeResumer{}
	w := New(s, resumer, nil, Config{AutoResumeAfter: 5 * time.Minute}, nil)
	w.Sweep(ctx)

	assert.Empty(t, resumer.resumed())
}

func TestSweepSkipsOptedOutRuns(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, 3)
	ctx := context.Background()

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, domain.RunPaused, map[string]any{
		"pause_time": time.Now().Add(-10 * time.Minute),
	}))

	resumer := &fakeResumer{}
	w := New(s, resumer, nil, Config{AutoResumeAfter: 5 * time.Minute}, nil)
	w.Sweep(ctx)

	assert.Empty(t, resumer.resumed())
}

func TestStartStopIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	w := New(s, nil, nil, Config{ScanInterval: 10 * time.Millisecond}, nil)

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop()
}
