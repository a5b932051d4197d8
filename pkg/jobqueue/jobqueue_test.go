package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thinkhq/think/pkg/dataaccess"
	"github.com/thinkhq/think/pkg/eventbus"
	"github.com/thinkhq/think/pkg/llmgateway"
)

type fakeJobStore struct {
	mu      sync.Mutex
	nextID  int
	jobs    map[string]*dataaccess.Job
	creates int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*dataaccess.Job)}
}

func (f *fakeJobStore) Create(ctx context.Context, jobType string, params string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = &dataaccess.Job{ID: id, Type: jobType, Status: dataaccess.JobPending, Params: params}
	return id, nil
}

func (f *fakeJobStore) Get(ctx context.Context, id string) (*dataaccess.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) GetActive(ctx context.Context, jobType string) (*dataaccess.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Type == jobType && (j.Status == dataaccess.JobPending || j.Status == dataaccess.JobRunning) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobStore) Update(ctx context.Context, id string, upd dataaccess.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.Progress != nil {
		j.Progress = *upd.Progress
	}
	if upd.Processed != nil {
		j.Processed = *upd.Processed
	}
	if upd.Failed != nil {
		j.Failed = *upd.Failed
	}
	if upd.Total != nil {
		j.Total = *upd.Total
	}
	return nil
}

func (f *fakeJobStore) MarkStarted(ctx context.Context, id string) error {
	return f.Update(ctx, id, dataaccess.JobUpdate{Status: statusPtr(dataaccess.JobRunning)})
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, id string, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	j.Status = dataaccess.JobCompleted
	j.Result = result
	j.Progress = 100
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("not found")
	}
	j.Status = dataaccess.JobFailed
	j.Error = errMsg
	return nil
}

func (f *fakeJobStore) Cancel(ctx context.Context, id string) error {
	return f.Update(ctx, id, dataaccess.JobUpdate{Status: statusPtr(dataaccess.JobCancelled)})
}

func (f *fakeJobStore) setStatus(id string, status dataaccess.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].Status = status
}

func statusPtr(s dataaccess.JobStatus) *dataaccess.JobStatus { return &s }

type memState struct {
	content          *string
	embeddingSummary *string
	embeddingModel   *string
	hasEmbedding     bool
	attempts         int
}

type fakeMemoryStore struct {
	mu    sync.Mutex
	items map[int64]*memState
}

func newFakeMemoryStore(items map[int64]*memState) *fakeMemoryStore {
	return &fakeMemoryStore{items: items}
}

func strp(s string) *string { return &s }

func (f *fakeMemoryStore) CountNeedingProcessing(ctx context.Context, currentModel string) (dataaccess.ProcessingCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var c dataaccess.ProcessingCounts
	c.Total = len(f.items)
	for _, m := range f.items {
		if m.embeddingSummary == nil || *m.embeddingSummary == "" {
			c.NeedSummary++
		}
		if !m.hasEmbedding || m.embeddingModel == nil || *m.embeddingModel != currentModel {
			c.NeedEmbedding++
		}
	}
	return c, nil
}

func (f *fakeMemoryStore) GetWithoutEmbeddingSummary(ctx context.Context, limit int) ([]dataaccess.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataaccess.Memory
	for id, m := range f.items {
		if len(out) >= limit {
			break
		}
		if m.attempts >= 3 {
			continue
		}
		if m.embeddingSummary != nil && *m.embeddingSummary != "" {
			continue
		}
		out = append(out, dataaccess.Memory{ID: id, Content: m.content})
	}
	return out, nil
}

func (f *fakeMemoryStore) GetNeedingReembedding(ctx context.Context, currentModel string, limit int) ([]dataaccess.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dataaccess.Memory
	for id, m := range f.items {
		if len(out) >= limit {
			break
		}
		if m.attempts >= 3 {
			continue
		}
		if m.embeddingSummary == nil || *m.embeddingSummary == "" {
			continue
		}
		if m.hasEmbedding && m.embeddingModel != nil && *m.embeddingModel == currentModel {
			continue
		}
		out = append(out, dataaccess.Memory{ID: id, EmbeddingSummary: m.embeddingSummary})
	}
	return out, nil
}

func (f *fakeMemoryStore) UpdateEmbeddingSummary(ctx context.Context, id int64, embeddingSummary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].embeddingSummary = &embeddingSummary
	return nil
}

func (f *fakeMemoryStore) UpdateEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].hasEmbedding = true
	f.items[id].embeddingModel = &model
	return nil
}

func (f *fakeMemoryStore) IncrementProcessingAttempts(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id].attempts++
	return nil
}

type fakeLLM struct{}

func (fakeLLM) Chat(ctx context.Context, message, contextBlock string, history []llmgateway.HistoryTurn) (string, *llmgateway.Usage, error) {
	return "a dense paraphrase", nil, nil
}

func (fakeLLM) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func (fakeLLM) EmbeddingModel() string { return "test-embed-v1" }

type fakePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (f *fakePublisher) Publish(e eventbus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func TestStartReembedIsIdempotent(t *testing.T) {
	jobs := newFakeJobStore()
	jobs.jobs["existing"] = &dataaccess.Job{ID: "existing", Type: ReembedJobType, Status: dataaccess.JobRunning}
	memories := newFakeMemoryStore(map[int64]*memState{})
	m := New(jobs, memories, fakeLLM{}, &fakePublisher{})

	id, err := m.StartReembed(context.Background())
	require.NoError(t, err)
	require.Equal(t, "existing", id)
	require.Equal(t, 0, jobs.creates, "must not create a second job while one is active")
}

func TestRunReembedProcessesBothPhasesToCompletion(t *testing.T) {
	jobs := newFakeJobStore()
	id, err := jobs.Create(context.Background(), ReembedJobType, "")
	require.NoError(t, err)

	memories := newFakeMemoryStore(map[int64]*memState{
		1: {content: strp("alpha note content")},
		2: {content: strp("beta note content")},
		3: {embeddingSummary: strp("stale summary"), embeddingModel: strp("old-model"), hasEmbedding: true},
	})
	bus := &fakePublisher{}
	m := New(jobs, memories, fakeLLM{}, bus)

	m.runReembed(id)

	job, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, dataaccess.JobCompleted, job.Status)
	require.Equal(t, 100, job.Progress)

	require.NotNil(t, memories.items[1].embeddingSummary)
	require.True(t, memories.items[1].hasEmbedding)
	require.Equal(t, "test-embed-v1", *memories.items[3].embeddingModel, "phase 2 refreshed the stale embedding")
	require.Len(t, bus.events, 3)
}

// cancelAfterNGets wraps a JobStore so that, from the (N+1)th call to Get
// onward, the job is reported cancelled regardless of its real stored
// status — simulating an external cancel request landing while the worker
// is mid-phase, without racing an actual goroutine in the test.
type cancelAfterNGets struct {
	JobStore
	mu      sync.Mutex
	gets    int
	cancelN int
}

func (c *cancelAfterNGets) Get(ctx context.Context, id string) (*dataaccess.Job, error) {
	c.mu.Lock()
	c.gets++
	cancel := c.gets > c.cancelN
	c.mu.Unlock()

	j, err := c.JobStore.Get(ctx, id)
	if err != nil || !cancel {
		return j, err
	}
	cp := *j
	cp.Status = dataaccess.JobCancelled
	return &cp, nil
}

func TestRunReembedStopsOnCancellationAtBatchBoundary(t *testing.T) {
	inner := newFakeJobStore()
	id, err := inner.Create(context.Background(), ReembedJobType, "")
	require.NoError(t, err)
	jobs := &cancelAfterNGets{JobStore: inner, cancelN: 0}

	items := map[int64]*memState{}
	for i := int64(1); i <= 6; i++ {
		items[i] = &memState{content: strp("content")}
	}
	memories := newFakeMemoryStore(items)
	bus := &fakePublisher{}
	m := New(jobs, memories, fakeLLM{}, bus)

	m.runReembed(id)

	require.Equal(t, 0, inner.jobs[id].Processed, "phase 1 never ran a batch after the first cancellation check")
	require.NotEqual(t, dataaccess.JobCompleted, inner.jobs[id].Status)
}

func TestRecordProgressCapsAtNinetyNine(t *testing.T) {
	jobs := newFakeJobStore()
	id, _ := jobs.Create(context.Background(), ReembedJobType, "")
	m := New(jobs, newFakeMemoryStore(map[int64]*memState{}), fakeLLM{}, &fakePublisher{})

	ok := m.recordProgress(context.Background(), id, 10, 10, 0)
	require.True(t, ok)

	job, err := jobs.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 99, job.Progress, "capped below 100 until MarkCompleted runs")
}
