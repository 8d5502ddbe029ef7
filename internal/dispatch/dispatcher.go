package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jerry-f/webweaver/internal/clock"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/progress"
	"github.com/jerry-f/webweaver/internal/source"
	"github.com/jerry-f/webweaver/internal/telemetry"
)

// Fetcher is the slice of the fetch orchestrator the dispatcher needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// Extractor runs the content extraction pipeline.
type Extractor interface {
	Extract(rawHTML, pageURL string, mode extract.ParseMode) (extract.Extraction, error)
}

// BlobStore archives raw page snapshots. Optional; a nil store disables
// snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error)
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent job processors (default 5).
	Workers int
	// PollInterval is how often the queue is polled for due jobs
	// (default 1s).
	PollInterval time.Duration
	// ClaimBatch bounds jobs claimed per poll (default 2x Workers).
	ClaimBatch int
	// JobTimeout bounds one attempt end to end (default 3m).
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = c.Workers * 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 3 * time.Minute
	}
	return c
}

// Dispatcher claims due jobs from the store and runs them through fetch,
// extraction, and persistence on a fixed worker pool.
type Dispatcher struct {
	cfg       Config
	store     Store
	results   ResultStore
	fetcher   Fetcher
	extractor Extractor
	blobs     BlobStore
	retry     *RetryPolicy
	emitter   progress.Emitter
	clock     clock.Clock
	logger    *zap.Logger
}

func New(
	store Store,
	results ResultStore,
	fetcher Fetcher,
	extractor Extractor,
	blobs BlobStore,
	retry *RetryPolicy,
	emitter progress.Emitter,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		store:     store,
		results:   results,
		fetcher:   fetcher,
		extractor: extractor,
		blobs:     blobs,
		retry:     retry,
		emitter:   emitter,
		clock:     clk,
		logger:    logger,
	}
}

// EnqueueRequest is the caller-facing job submission. SourceConfig carries
// the article's per-source configuration blob; its fetch section supplies
// strategy and timeout defaults for fields the caller leaves unset.
type EnqueueRequest struct {
	ArticleID    string             `json:"article_id"`
	URL          string             `json:"url"`
	Strategy     fetch.StrategyKind `json:"strategy,omitempty"`
	ParseMode    extract.ParseMode  `json:"parse_mode,omitempty"`
	SourceConfig json.RawMessage    `json:"source_config,omitempty"`
}

// Enqueue validates the request and inserts a queued job. Submitting an
// article that already has an active job returns ErrDuplicate.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	if req.ArticleID == "" {
		return Job{}, fmt.Errorf("article_id is required")
	}
	domain, err := domainOf(req.URL)
	if err != nil {
		return Job{}, err
	}
	if req.Strategy != "" && !req.Strategy.Valid() {
		return Job{}, fmt.Errorf("unknown strategy %q", req.Strategy)
	}
	if req.ParseMode != "" && !req.ParseMode.Valid() {
		return Job{}, fmt.Errorf("unknown parse mode %q", req.ParseMode)
	}
	srcCfg, err := source.Parse(req.SourceConfig)
	if err != nil {
		return Job{}, err
	}
	strategy := req.Strategy
	if strategy == "" {
		// explicit caller choice wins over the source's pinned strategy
		strategy = srcCfg.Strategy
	}

	now := d.clock.Now().UTC()
	job := Job{
		ID:              uuid.New(),
		ArticleID:       req.ArticleID,
		URL:             req.URL,
		Domain:          domain,
		Strategy:        strategy,
		ParseMode:       req.ParseMode,
		FetchTimeoutSec: int(srcCfg.Timeout / time.Second),
		Status:          StatusQueued,
		MaxAttempts:     d.retry.MaxAttempts(),
		NextRunAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.store.Create(ctx, job); err != nil {
		return Job{}, err
	}
	telemetry.CountJob("enqueued")
	return job, nil
}

// Run polls for due jobs and processes them until ctx is canceled. Workers
// finish their in-flight job before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs := make(chan Job)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.poll(gctx, jobs)
			}
		}
	})

	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				d.process(job)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) poll(ctx context.Context, jobs chan<- Job) {
	claimed, err := d.store.ClaimDue(ctx, d.clock.Now().UTC(), d.cfg.ClaimBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("claim due jobs failed", zap.Error(err))
		}
		return
	}
	for _, job := range claimed {
		select {
		case jobs <- job:
		case <-ctx.Done():
			// hand the job back for the next poller
			if err := d.store.Reschedule(context.Background(), job.ID, "shutdown before start", d.clock.Now().UTC()); err != nil {
				d.logger.Warn("reschedule on shutdown failed",
					zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			return
		}
	}
}

// finalizeTimeout bounds the status/result writes that close out an attempt.
// They run on their own context: the attempt's deadline may already be spent,
// and a row left in running would be unrecoverable.
const finalizeTimeout = 30 * time.Second

// process runs one attempt. The job context is detached from Run's context
// so shutdown lets in-flight attempts finish instead of aborting them.
func (d *Dispatcher) process(job Job) {
	start := d.clock.Now().UTC()
	d.emit(job, progress.StageJobStart, "", 0, 0, "")

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	defer cancel()

	res, err := d.fetcher.Fetch(ctx, fetch.Request{
		URL:      job.URL,
		SourceID: job.ArticleID,
		Strategy: job.Strategy,
		Timeout:  time.Duration(job.FetchTimeoutSec) * time.Second,
	})
	if err != nil {
		d.fail(job, start, fmt.Errorf("fetch %s: %w", job.URL, err))
		return
	}
	d.emit(job, progress.StageFetchDone, string(res.StrategyUsed),
		int64(len(res.Content)), time.Duration(res.DurationMs)*time.Millisecond, "")

	finCtx, finCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer finCancel()

	snapshotURI := d.snapshot(finCtx, job, start, res.Content)

	ext, err := d.extractor.Extract(res.Content, job.URL, job.ParseMode)
	if err != nil {
		d.fail(job, start, fmt.Errorf("extract %s: %w", job.URL, err))
		return
	}

	rec := ExtractionRecord{
		JobID:       job.ID,
		ArticleID:   job.ArticleID,
		URL:         job.URL,
		Domain:      job.Domain,
		Title:       titleOf(ext, res),
		Byline:      ext.Byline,
		Excerpt:     ext.Excerpt,
		ContentHTML: ext.ContentHTML,
		TextLength:  ext.TextLength,
		Selector:    ext.Selector,
		Confidence:  ext.Confidence,
		Strategy:    string(res.StrategyUsed),
		SnapshotURI: snapshotURI,
		FetchedAt:   start,
	}
	if err := d.results.SaveExtraction(finCtx, rec); err != nil {
		d.fail(job, start, fmt.Errorf("save extraction: %w", err))
		return
	}

	if err := d.store.MarkSucceeded(finCtx, job.ID, d.clock.Now().UTC()); err != nil {
		d.logger.Error("mark job succeeded failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	d.emit(job, progress.StageJobDone, string(res.StrategyUsed), 0, d.clock.Now().Sub(start), "")
	telemetry.CountJob("succeeded")
}

func (d *Dispatcher) snapshot(ctx context.Context, job Job, start time.Time, content string) string {
	if d.blobs == nil || content == "" {
		return ""
	}
	// Keyed by body hash so re-fetches of an unchanged page overwrite in
	// place instead of piling up copies.
	sum := sha256.Sum256([]byte(content))
	key := fmt.Sprintf("snapshots/%s/%s/%x.html", job.Domain, start.Format("2006/01/02"), sum[:8])
	uri, err := d.blobs.PutObject(ctx, key, "text/html; charset=utf-8", strings.NewReader(content))
	if err != nil {
		// snapshots are best-effort, the job carries on without one
		d.logger.Warn("snapshot upload failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return ""
	}
	return uri
}

// fail finalizes a failed attempt on a fresh context: the cause may well be
// the attempt's own deadline expiring, and the status update must still land.
func (d *Dispatcher) fail(job Job, start time.Time, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := d.clock.Now().UTC()
	if d.retry.ShouldRetry(cause, job.Attempts) {
		next := now.Add(d.retry.Backoff(job.Attempts))
		if err := d.store.Reschedule(ctx, job.ID, cause.Error(), next); err != nil {
			d.logger.Error("reschedule job failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		d.emit(job, progress.StageJobRetry, "", 0, now.Sub(start), cause.Error())
		telemetry.CountJob("retried")
		d.logger.Info("job attempt failed, retrying",
			zap.String("job_id", job.ID.String()),
			zap.String("domain", job.Domain),
			zap.Int("attempt", job.Attempts),
			zap.Time("next_run_at", next),
			zap.Error(cause))
		return
	}

	if err := d.store.MarkFailed(ctx, job.ID, cause.Error(), now); err != nil {
		d.logger.Error("mark job failed failed",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	d.emit(job, progress.StageJobError, "", 0, now.Sub(start), cause.Error())
	telemetry.CountJob("failed")
	d.logger.Warn("job failed permanently",
		zap.String("job_id", job.ID.String()),
		zap.String("domain", job.Domain),
		zap.Int("attempt", job.Attempts),
		zap.Error(cause))
}

func (d *Dispatcher) emit(job Job, stage progress.Stage, strategy string, bytes int64, dur time.Duration, note string) {
	d.emitter.Emit(progress.Event{
		JobID:     job.ID,
		ArticleID: job.ArticleID,
		TS:        d.clock.Now().UTC(),
		Stage:     stage,
		Domain:    job.Domain,
		URL:       job.URL,
		Strategy:  strategy,
		Attempt:   job.Attempts,
		Bytes:     bytes,
		Dur:       dur,
		Note:      note,
	})
}

func titleOf(ext extract.Extraction, res fetch.Result) string {
	if ext.Title != "" {
		return ext.Title
	}
	return res.Title
}

func domainOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return host, nil
}
