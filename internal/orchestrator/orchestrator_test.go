package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptique/embedding-pipeline/internal/embedding"
	"github.com/cryptique/embedding-pipeline/internal/ledger"
	"github.com/cryptique/embedding-pipeline/internal/models"
	"github.com/cryptique/embedding-pipeline/internal/processor"
	"github.com/cryptique/embedding-pipeline/internal/sink"
	"github.com/cryptique/embedding-pipeline/internal/source"
)

// fieldSummarizer renders the record's "text" field verbatim.
type fieldSummarizer struct{}

func (fieldSummarizer) Summarize(record models.SourceRecord) (string, map[string]any, error) {
	text, _ := record.Fields["text"].(string)
	return text, nil, nil
}

type testPipeline struct {
	orch     *Orchestrator
	store    *ledger.MemoryStore
	provider *source.MemoryProvider
	embedder *embedding.MockEmbedder
	sink     *sink.MemorySink
}

// newTestPipeline wires an orchestrator around in-memory dependencies with
// intervals tight enough for require.Eventually.
func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	store := ledger.NewMemoryStore()
	provider := source.NewMemoryProvider()
	embedder := embedding.NewMockEmbedder(8)
	snk := sink.NewMemorySink()

	proc, err := processor.New(fieldSummarizer{})
	require.NoError(t, err)

	cfg := Config{
		MaxConcurrentJobs: 2,
		ClaimInterval:     10 * time.Millisecond,
		JobTimeout:        5 * time.Second,
		RetryBaseDelay:    time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		HealthInterval:    10 * time.Millisecond,
	}
	orch, err := New(store, provider, proc, embedder, snk, cfg)
	require.NoError(t, err)

	return &testPipeline{orch: orch, store: store, provider: provider, embedder: embedder, sink: snk}
}

func (p *testPipeline) start(t *testing.T) {
	t.Helper()
	p.orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.orch.Stop(ctx)
	})
}

// addSessions registers n fixture records with 1500-char bodies, so each
// renders to exactly two chunks at 1000/200.
func (p *testPipeline) addSessions(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d", i)
		p.provider.Add(models.SourceRecord{
			ID:   ids[i],
			Type: models.SourceSession,
			Fields: map[string]any{
				"text": strings.Repeat(fmt.Sprintf("session %d ", i), 150)[:1500],
			},
		})
	}
	return ids
}

// jobStatus polls ledger state. Errors read as empty status so the helper is
// safe inside Eventually conditions.
func (p *testPipeline) jobStatus(id string) models.JobStatus {
	job, err := p.orch.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func sessionJob(ids []string) models.JobRequest {
	return models.JobRequest{
		SourceType: models.SourceSession,
		SourceIDs:  ids,
		TeamID:     "team-1",
		SiteID:     "site-1",
		Config:     &models.ProcessingConfig{BatchSize: 5, ChunkSize: 1000, OverlapSize: 200},
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(10)
	p.start(t)

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.jobStatus(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final, err := p.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress.Percentage)
	assert.Equal(t, 10, final.Progress.Processed)
	assert.Zero(t, final.Progress.Failed)
	assert.Equal(t, 20, final.Results.DocumentsCreated, "10 records at 2 chunks each")
	assert.Zero(t, final.Results.DocumentsUpdated)
	assert.Positive(t, final.Results.TokensUsed)
	assert.Positive(t, final.Results.Cost)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, 20, p.sink.Len())
	doc, ok := p.sink.Get("session:rec-0:0")
	require.True(t, ok, "documents keyed by sourceType:sourceID:sequence")
	assert.Equal(t, "team-1", doc.TeamID)
	assert.Equal(t, "site-1", doc.SiteID)
	assert.Len(t, doc.Embedding, 8)
	assert.Equal(t, job.ID, doc.Metadata["job_id"])
	assert.NotEmpty(t, doc.Summary)
	assert.True(t, strings.HasPrefix(doc.Content, doc.Summary),
		"summary is the rendering's leading line")
}

func TestProgressAdvancesThroughBatches(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(10) // batch size 5, two groups

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	// Sample ledger progress at each embedding call, which sits between the
	// progress writes of consecutive groups.
	var (
		mu       sync.Mutex
		observed []int
	)
	p.embedder.EmbedBatchFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		if current, getErr := p.store.Get(context.Background(), job.ID); getErr == nil {
			mu.Lock()
			observed = append(observed, current.Progress.Percentage)
			mu.Unlock()
		}
		vectors := make([][]float32, len(texts))
		for i := range vectors {
			vectors[i] = make([]float32, 8)
		}
		return vectors, nil
	}
	p.start(t)

	require.Eventually(t, func() bool {
		return p.jobStatus(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 50}, observed, "one sample per group, in order")

	final, err := p.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress.Percentage)
}

func TestReprocessingOverwritesVectors(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(3)
	p.start(t)

	first, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.jobStatus(first.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 6, p.sink.Len())

	second, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.jobStatus(second.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final, err := p.orch.GetJob(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Zero(t, final.Results.DocumentsCreated)
	assert.Equal(t, 6, final.Results.DocumentsUpdated)
	assert.Equal(t, 6, p.sink.Len(), "same sources must not duplicate vectors")
}

func TestMissingRecordsCountedNotFatal(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(2)
	ids = append(ids, "ghost")
	p.start(t)

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.jobStatus(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	final, err := p.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.Progress.Failed)
	assert.Equal(t, 1, final.Results.DocumentsSkipped)
	assert.Equal(t, 4, final.Results.DocumentsCreated)
}

func TestEmbedderFailureSchedulesRetry(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(2)
	p.embedder.EmbedBatchFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("model endpoint unavailable")
	}
	p.start(t)

	events, cancel := p.orch.Events()
	defer cancel()

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	// Failure budget is 3 retries; with a broken embedder the job must land
	// failed for good, having cycled through retrying in between.
	require.Eventually(t, func() bool {
		current, err := p.orch.GetJob(context.Background(), job.ID)
		if err != nil {
			return false
		}
		return current.Status == models.JobStatusFailed && current.Retry.Exhausted()
	}, 10*time.Second, 10*time.Millisecond)

	final, err := p.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxRetries, final.Retry.RetryCount)
	assert.Len(t, final.Errors, models.DefaultMaxRetries+1)
	assert.Contains(t, final.Errors[0].Error, "embed batch")
	assert.Zero(t, p.sink.Len())

	var sawFailed, sawRetry bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventJobFailed:
				sawFailed = true
			case EventJobRetry:
				sawRetry = true
			}
			if sawFailed && sawRetry {
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	assert.True(t, sawFailed, "no job_failed event observed")
	assert.True(t, sawRetry, "no job_retry event observed")
}

func TestCancellationStopsBetweenBatches(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(10) // two batches of five

	firstBatch := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.embedder.EmbedBatchFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		once.Do(func() {
			close(firstBatch)
			<-release
		})
		vectors := make([][]float32, len(texts))
		for i := range vectors {
			vectors[i] = make([]float32, 8)
		}
		return vectors, nil
	}
	p.start(t)

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	select {
	case <-firstBatch:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the embedder")
	}

	require.NoError(t, p.orch.CancelJob(context.Background(), job.ID))
	close(release)

	// The worker observes the cancelled state at the next batch boundary and
	// leaves the terminal state untouched.
	require.Eventually(t, func() bool {
		return p.jobStatus(job.ID) == models.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.JobStatusCancelled, p.jobStatus(job.ID))
	assert.LessOrEqual(t, p.sink.Len(), 10, "second batch must not be written")
}

func TestAddJobRejectsInvalidRequest(t *testing.T) {
	p := newTestPipeline(t)

	req := sessionJob([]string{"a"})
	req.TeamID = ""
	_, err := p.orch.AddJob(context.Background(), req)
	require.ErrorIs(t, err, models.ErrMissingTeamID)

	jobs, err := p.store.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "invalid request must never reach the ledger")
}

func TestLifecycleEvents(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(1)
	p.start(t)

	events, cancel := p.orch.Events()
	defer cancel()

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	seen := make(map[EventType]bool)
	deadline := time.After(5 * time.Second)
	for !seen[EventJobCompleted] {
		select {
		case ev := <-events:
			if ev.JobID == job.ID || ev.Type == EventHealthCheck {
				seen[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("timed out, events seen: %v", seen)
		}
	}
	assert.True(t, seen[EventJobQueued])
	assert.True(t, seen[EventJobStarted])
}

func TestGetMetricsAfterRun(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(2)
	p.start(t)

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.jobStatus(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	snap := p.orch.GetMetrics()
	require.NotNil(t, snap.Job)
	assert.Equal(t, int64(1), snap.Job.Count)
	require.NotNil(t, snap.Embedding)
	assert.Positive(t, snap.Embedding.TotalTokens)
}

func TestStopLetsInFlightJobFinish(t *testing.T) {
	p := newTestPipeline(t)
	ids := p.addSessions(2)

	reached := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p.embedder.EmbedBatchFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		once.Do(func() {
			close(reached)
			<-release
		})
		vectors := make([][]float32, len(texts))
		for i := range vectors {
			vectors[i] = make([]float32, 8)
		}
		return vectors, nil
	}
	p.orch.Start(context.Background())

	job, err := p.orch.AddJob(context.Background(), sessionJob(ids))
	require.NoError(t, err)

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the embedder")
	}

	stopErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopErr <- p.orch.Stop(ctx)
	}()

	// Release the job while Stop is waiting: it must run to completion
	// instead of aborting and burning a retry.
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopErr)
	assert.Equal(t, models.JobStatusCompleted, p.jobStatus(job.ID))
	assert.Equal(t, 4, p.sink.Len())
}

func TestStopWaitsForWorkers(t *testing.T) {
	p := newTestPipeline(t)
	p.addSessions(1)
	p.orch.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.orch.Stop(ctx))

	// Stop is idempotent.
	require.NoError(t, p.orch.Stop(ctx))
}

func TestNewRequiresAllDependencies(t *testing.T) {
	proc, err := processor.New(fieldSummarizer{})
	require.NoError(t, err)

	_, err = New(nil, source.NewMemoryProvider(), proc, embedding.NewMockEmbedder(8), sink.NewMemorySink(), Config{})
	assert.Error(t, err)

	_, err = New(ledger.NewMemoryStore(), source.NewMemoryProvider(), proc, nil, sink.NewMemorySink(), Config{})
	assert.Error(t, err)
}
