package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/clock"
	"github.com/jerry-f/webweaver/internal/dispatch"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/progress"
	"github.com/jerry-f/webweaver/internal/storage/memory"
)

type stubFetcher struct {
	mu    sync.Mutex
	res   fetch.Result
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, _ fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return fetch.Result{}, f.err
	}
	return f.res, nil
}

type stubExtractor struct {
	ext extract.Extraction
	err error
}

func (e *stubExtractor) Extract(_, _ string, _ extract.ParseMode) (extract.Extraction, error) {
	if e.err != nil {
		return extract.Extraction{}, e.err
	}
	return e.ext, nil
}

type captureResults struct {
	mu   sync.Mutex
	recs []dispatch.ExtractionRecord
	err  error
}

func (r *captureResults) SaveExtraction(_ context.Context, rec dispatch.ExtractionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.recs = append(r.recs, rec)
	return nil
}

func (r *captureResults) saved() []dispatch.ExtractionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.ExtractionRecord(nil), r.recs...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

func runDispatcher(t *testing.T, d *dispatch.Dispatcher, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, done, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDispatcherProcessesJobEndToEnd(t *testing.T) {
	store := memory.NewJobStore()
	results := &captureResults{}
	blobs := memory.NewBlobStore()
	emitter := &recordingEmitter{}
	fetcher := &stubFetcher{res: fetch.Result{
		Success:      true,
		Content:      "<html><body><p>hello</p></body></html>",
		Title:        "Fetched Title",
		StrategyUsed: fetch.StrategyLocal,
		DurationMs:   12,
	}}
	extractor := &stubExtractor{ext: extract.Extraction{
		ContentHTML: "<p>hello</p>",
		TextLength:  5,
		Title:       "Extracted Title",
		Confidence:  1,
	}}

	d := dispatch.New(store, results, fetcher, extractor, blobs,
		dispatch.NewRetryPolicy(3, time.Minute, time.Hour), emitter, clock.System{},
		dispatch.Config{Workers: 2, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID: "article-1",
		URL:       "https://www.example.com/story",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", job.Domain)

	runDispatcher(t, d, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == dispatch.StatusSucceeded
	})

	recs := results.saved()
	require.Len(t, recs, 1)
	assert.Equal(t, "article-1", recs[0].ArticleID)
	assert.Equal(t, "Extracted Title", recs[0].Title)
	assert.Equal(t, "local", recs[0].Strategy)
	assert.Contains(t, recs[0].SnapshotURI, "memory://snapshots/example.com/")

	stages := emitter.stages()
	assert.Contains(t, stages, progress.StageJobStart)
	assert.Contains(t, stages, progress.StageFetchDone)
	assert.Contains(t, stages, progress.StageJobDone)
}

func TestDispatcherReschedulesTransientFailure(t *testing.T) {
	store := memory.NewJobStore()
	emitter := &recordingEmitter{}
	fetcher := &stubFetcher{err: errors.New("connection reset")}

	d := dispatch.New(store, &captureResults{}, fetcher, &stubExtractor{}, nil,
		dispatch.NewRetryPolicy(3, time.Hour, time.Hour), emitter, clock.System{},
		dispatch.Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID: "article-2",
		URL:       "https://example.com/two",
	})
	require.NoError(t, err)

	runDispatcher(t, d, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == dispatch.StatusQueued && got.Attempts == 1
	})

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "connection reset")
	assert.True(t, got.NextRunAt.After(time.Now()), "backoff should push the next run into the future")
	assert.Contains(t, emitter.stages(), progress.StageJobRetry)
}

func TestDispatcherFailsPermanentErrors(t *testing.T) {
	store := memory.NewJobStore()
	emitter := &recordingEmitter{}
	fetcher := &stubFetcher{res: fetch.Result{Success: true, Content: "<html></html>", StrategyUsed: fetch.StrategyLocal}}
	extractor := &stubExtractor{err: extract.ErrNoContentFound}

	d := dispatch.New(store, &captureResults{}, fetcher, extractor, nil,
		dispatch.NewRetryPolicy(3, time.Hour, time.Hour), emitter, clock.System{},
		dispatch.Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID: "article-3",
		URL:       "https://example.com/three",
	})
	require.NoError(t, err)

	runDispatcher(t, d, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == dispatch.StatusFailed
	})

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "no main content")
	assert.Contains(t, emitter.stages(), progress.StageJobError)
}

func TestEnqueueAppliesSourceConfig(t *testing.T) {
	d := dispatch.New(memory.NewJobStore(), &captureResults{}, &stubFetcher{}, &stubExtractor{}, nil,
		nil, nil, nil, dispatch.Config{}, nil)

	blob := []byte(`{"fetch":{"strategy":"render","fetchFullText":true,"timeout":20}}`)
	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID:    "a1",
		URL:          "https://example.com/x",
		SourceConfig: blob,
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StrategyRender, job.Strategy)
	assert.Equal(t, 20, job.FetchTimeoutSec)

	// An explicit caller strategy overrides the source's pinned one.
	job, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID:    "a2",
		URL:          "https://example.com/y",
		Strategy:     fetch.StrategyScrape,
		SourceConfig: blob,
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StrategyScrape, job.Strategy)

	_, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID:    "a3",
		URL:          "https://example.com/z",
		SourceConfig: []byte(`{"fetch":{"strategy":"teleport"}}`),
	})
	assert.Error(t, err, "unknown source strategy must fail at submit time")
}

func TestSourceConfigTimeoutFlowsToFetch(t *testing.T) {
	store := memory.NewJobStore()
	fetcher := &captureReqFetcher{res: fetch.Result{
		Success:      true,
		Content:      "<html><body><p>hello</p></body></html>",
		StrategyUsed: fetch.StrategyRender,
	}}
	extractor := &stubExtractor{ext: extract.Extraction{ContentHTML: "<p>hello</p>", TextLength: 5}}

	d := dispatch.New(store, &captureResults{}, fetcher, extractor, nil,
		dispatch.NewRetryPolicy(3, time.Minute, time.Hour), nil, clock.System{},
		dispatch.Config{Workers: 1, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID:    "a1",
		URL:          "https://example.com/x",
		SourceConfig: []byte(`{"fetch":{"strategy":"render","timeout":20}}`),
	})
	require.NoError(t, err)

	runDispatcher(t, d, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == dispatch.StatusSucceeded
	})

	req := fetcher.lastRequest()
	assert.Equal(t, fetch.StrategyRender, req.Strategy)
	assert.Equal(t, 20*time.Second, req.Timeout)
}

func TestFinalizeWritesSurviveAttemptTimeout(t *testing.T) {
	store := &livenessCheckingStore{JobStore: memory.NewJobStore()}
	emitter := &recordingEmitter{}

	d := dispatch.New(store, &captureResults{}, &blockingFetcher{}, &stubExtractor{}, nil,
		dispatch.NewRetryPolicy(3, time.Hour, time.Hour), emitter, clock.System{},
		dispatch.Config{
			Workers:      1,
			PollInterval: 10 * time.Millisecond,
			JobTimeout:   20 * time.Millisecond,
		}, zap.NewNop())

	job, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{
		ArticleID: "a1",
		URL:       "https://example.com/slow",
	})
	require.NoError(t, err)

	runDispatcher(t, d, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == dispatch.StatusQueued && got.Attempts == 1
	})

	// The attempt burned its whole deadline; the reschedule that followed
	// must have run on a live context or the row would have stayed running.
	assert.False(t, store.sawDeadContext(),
		"status writes must not ride the expired attempt context")
	assert.Contains(t, emitter.stages(), progress.StageJobRetry)
}

type captureReqFetcher struct {
	mu   sync.Mutex
	last fetch.Request
	res  fetch.Result
}

func (f *captureReqFetcher) Fetch(_ context.Context, req fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.res, nil
}

func (f *captureReqFetcher) lastRequest() fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// blockingFetcher holds the attempt until its deadline expires.
type blockingFetcher struct{}

func (f *blockingFetcher) Fetch(ctx context.Context, _ fetch.Request) (fetch.Result, error) {
	<-ctx.Done()
	return fetch.Result{}, fetch.NewStrategyError(fetch.StrategyLocal, fetch.FailureTimeout, ctx.Err())
}

// livenessCheckingStore records whether any status write arrived on an
// already-expired context.
type livenessCheckingStore struct {
	*memory.JobStore
	mu      sync.Mutex
	sawDead bool
}

func (s *livenessCheckingStore) Reschedule(ctx context.Context, id uuid.UUID, errText string, next time.Time) error {
	s.noteLiveness(ctx)
	return s.JobStore.Reschedule(ctx, id, errText, next)
}

func (s *livenessCheckingStore) MarkFailed(ctx context.Context, id uuid.UUID, errText string, at time.Time) error {
	s.noteLiveness(ctx)
	return s.JobStore.MarkFailed(ctx, id, errText, at)
}

func (s *livenessCheckingStore) noteLiveness(ctx context.Context) {
	if ctx.Err() != nil {
		s.mu.Lock()
		s.sawDead = true
		s.mu.Unlock()
	}
}

func (s *livenessCheckingStore) sawDeadContext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawDead
}

func TestEnqueueValidation(t *testing.T) {
	d := dispatch.New(memory.NewJobStore(), &captureResults{}, &stubFetcher{}, &stubExtractor{}, nil,
		nil, nil, nil, dispatch.Config{}, nil)

	_, err := d.Enqueue(context.Background(), dispatch.EnqueueRequest{URL: "https://example.com/x"})
	assert.Error(t, err, "missing article id")

	_, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{ArticleID: "a", URL: "ftp://example.com/x"})
	assert.Error(t, err, "bad scheme")

	_, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{ArticleID: "a", URL: "https://example.com/x", Strategy: "teleport"})
	assert.Error(t, err, "unknown strategy")

	_, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{ArticleID: "a", URL: "https://example.com/x"})
	require.NoError(t, err)

	_, err = d.Enqueue(context.Background(), dispatch.EnqueueRequest{ArticleID: "a", URL: "https://example.com/x"})
	assert.ErrorIs(t, err, dispatch.ErrDuplicate)
}
