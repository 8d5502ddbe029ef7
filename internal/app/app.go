// Package app assembles the service: stores, policy layers, fetch
// strategies, the extraction pipeline, the job dispatcher and the HTTP API.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jerry-f/webweaver/internal/api"
	"github.com/jerry-f/webweaver/internal/clock"
	"github.com/jerry-f/webweaver/internal/config"
	"github.com/jerry-f/webweaver/internal/creds"
	"github.com/jerry-f/webweaver/internal/dispatch"
	"github.com/jerry-f/webweaver/internal/extract"
	"github.com/jerry-f/webweaver/internal/fetch"
	"github.com/jerry-f/webweaver/internal/fetch/aiextract"
	"github.com/jerry-f/webweaver/internal/fetch/headless"
	localfetch "github.com/jerry-f/webweaver/internal/fetch/local"
	"github.com/jerry-f/webweaver/internal/fetch/scrapesvc"
	"github.com/jerry-f/webweaver/internal/policy/breaker"
	"github.com/jerry-f/webweaver/internal/policy/ratelimit"
	"github.com/jerry-f/webweaver/internal/progress"
	"github.com/jerry-f/webweaver/internal/progress/sinks"
	"github.com/jerry-f/webweaver/internal/storage/gcs"
	localblob "github.com/jerry-f/webweaver/internal/storage/local"
	"github.com/jerry-f/webweaver/internal/storage/memory"
	"github.com/jerry-f/webweaver/internal/storage/postgres"
)

// App holds the long-lived services and coordinates startup and shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	gcsClient    *gstorage.Client
	pubsubClient *pubsub.Client
	renderClient *headless.Client

	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	runtime *config.RuntimeStore

	policies        api.PolicyStore
	breakerPolicies api.BreakerPolicyStore

	hub        *progress.Hub
	dispatcher *dispatch.Dispatcher
	server     *http.Server
}

// New builds the whole service from configuration. It fails fast: any
// unreachable hard dependency aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	var (
		jobStore     dispatch.Store
		resultStore  dispatch.ResultStore
		progressRepo *postgres.ProgressStore
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.pool = pool
		pgJobs := postgres.NewJobStore(pool)
		pgJobs.SetStaleClaim(2 * cfg.Dispatch.JobTimeout())
		jobStore = pgJobs
		resultStore = postgres.NewArticleStore(pool)
		progressRepo = postgres.NewProgressStore(pool)
		policyStore := postgres.NewPolicyStore(pool)
		if err := policyStore.EnsureWildcard(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.policies = policyStore
		a.breakerPolicies = postgres.NewBreakerPolicyStore(pool)
		logger.Info("using postgres stores")
	} else {
		memJobs := memory.NewJobStore()
		memJobs.SetStaleClaim(2 * cfg.Dispatch.JobTimeout())
		jobStore = memJobs
		resultStore = memory.NewExtractionStore()
		a.policies = memory.NewPolicyStore()
		a.breakerPolicies = memory.NewBreakerPolicyStore()
		logger.Info("no database configured, using in-memory stores")
	}

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	domainPolicies, err := a.policies.List(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load domain policies: %w", err)
	}
	breakerPolicy, err := a.breakerPolicies.Load(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load breaker policy: %w", err)
	}
	a.limiter = ratelimit.New(domainPolicies)
	a.breaker = breaker.New(breakerPolicy, clock.System{}, logger.Named("breaker"))
	a.runtime = config.NewRuntimeStore(config.Runtime{
		DomainPolicies: domainPolicies,
		BreakerPolicy:  breakerPolicy,
	})

	strategies, err := a.buildStrategies()
	if err != nil {
		a.Close()
		return nil, err
	}
	chain, err := parseChain(cfg.Fetch.Chain)
	if err != nil {
		a.Close()
		return nil, err
	}
	fetcher := fetch.New(strategies, a.limiter, a.breaker, seedCredentials(cfg.Fetch.Cookies), fetch.Config{
		Chain:            chain,
		MinContentLength: cfg.Fetch.MinContentBytes,
		DefaultTimeout:   cfg.FetchTimeout(),
	}, logger.Named("fetch"))

	extractor := extract.New(extract.DefaultSanitizeOptions(), logger.Named("extract"))

	hub, err := a.buildProgressHub(ctx, progressRepo)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.hub = hub

	retry := dispatch.NewRetryPolicy(
		cfg.Dispatch.MaxAttempts,
		time.Duration(cfg.Dispatch.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.Dispatch.RetryMaxSeconds)*time.Second,
	)
	a.dispatcher = dispatch.New(jobStore, resultStore, fetcher, extractor, blobs,
		retry, hub, clock.System{}, dispatch.Config{
			Workers:      cfg.Dispatch.Workers,
			PollInterval: cfg.Dispatch.PollInterval(),
			ClaimBatch:   cfg.Dispatch.ClaimBatch,
			JobTimeout:   cfg.Dispatch.JobTimeout(),
		}, logger.Named("dispatch"))

	var events api.EventLister
	if progressRepo != nil {
		events = progressRepo
	}
	var reload api.ReloadNotifier
	if a.pubsubClient != nil && cfg.PubSub.TopicName != "" {
		reload = &reloadNotifier{topic: a.pubsubClient.Topic(cfg.PubSub.TopicName)}
	}
	apiServer := api.NewServer(api.Deps{
		Dispatcher:      a.dispatcher,
		Jobs:            jobStore,
		Events:          events,
		Fetcher:         fetcher,
		Extractor:       extractor,
		Policies:        a.policies,
		BreakerPolicies: a.breakerPolicies,
		Runtime:         a.runtime,
		Limiter:         a.limiter,
		Breaker:         a.breaker,
		Reload:          reload,
	}, cfg, logger.Named("api"))

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

func (a *App) buildBlobStore(ctx context.Context) (dispatch.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		store, err := localblob.New(localblob.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) buildStrategies() ([]fetch.Strategy, error) {
	strategies := []fetch.Strategy{
		localfetch.New(localfetch.Config{
			UserAgent: a.cfg.Fetch.UserAgent,
			Timeout:   time.Duration(a.cfg.Fetch.LocalTimeoutSecs) * time.Second,
		}),
	}
	if a.cfg.Headless.Enabled {
		render, err := headless.New(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         userAgentOr(a.cfg.Headless.UserAgent, a.cfg.Fetch.UserAgent),
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			Ready:             headless.ReadyCondition(a.cfg.Headless.Ready),
			WaitSelector:      a.cfg.Headless.WaitSelector,
			SettleDelay:       time.Duration(a.cfg.Headless.SettleDelayMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("headless client: %w", err)
		}
		a.renderClient = render
		strategies = append(strategies, render)
	}
	if a.cfg.Scrape.Enabled {
		strategies = append(strategies, scrapesvc.New(scrapesvc.Config{
			Endpoint: a.cfg.Scrape.Endpoint,
			APIKey:   a.cfg.Scrape.APIKey,
			Timeout:  time.Duration(a.cfg.Scrape.TimeoutSeconds) * time.Second,
		}))
	}
	if a.cfg.AI.Enabled {
		strategies = append(strategies, aiextract.New(aiextract.Config{
			APIKey:        a.cfg.AI.APIKey,
			BaseURL:       a.cfg.AI.BaseURL,
			Model:         a.cfg.AI.Model,
			MaxInputChars: a.cfg.AI.MaxInputChars,
			Timeout:       time.Duration(a.cfg.AI.TimeoutSeconds) * time.Second,
			UserAgent:     a.cfg.Fetch.UserAgent,
		}))
	}
	return strategies, nil
}

func (a *App) buildProgressHub(ctx context.Context, repo *postgres.ProgressStore) (*progress.Hub, error) {
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress"))}

	prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	sinkList = append(sinkList, prom)

	if repo != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(repo, a.logger.Named("progress_store")))
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.pubsubClient = client
		sink, err := sinks.NewPubSubSink(client.Topic(a.cfg.PubSub.TopicName))
		if err != nil {
			return nil, fmt.Errorf("pubsub sink: %w", err)
		}
		sinkList = append(sinkList, sink)
	}

	return progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...), nil
}

// Run starts the dispatcher and HTTP server and blocks until ctx is
// canceled, then shuts down in order: stop accepting requests, drain
// in-flight jobs, flush progress sinks.
func (a *App) Run(ctx context.Context) error {
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatchDone := make(chan error, 1)
	go func() { dispatchDone <- a.dispatcher.Run(dispatchCtx) }()

	if a.pubsubClient != nil && a.cfg.PubSub.ReloadSubscription != "" {
		go a.listenReload(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	a.logger.Info("service started", zap.Int("port", a.cfg.Server.Port))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		a.logger.Error("http server failed", zap.Error(runErr))
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	stopDispatch()
	if err := <-dispatchDone; err != nil {
		a.logger.Warn("dispatcher stopped with error", zap.Error(err))
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("progress hub close", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return runErr
}

// Close releases clients and pools. Safe to call on a partially built App.
func (a *App) Close() {
	if a.renderClient != nil {
		a.renderClient.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// listenReload applies policy changes broadcast by other replicas.
func (a *App) listenReload(ctx context.Context) {
	sub := a.pubsubClient.Subscription(a.cfg.PubSub.ReloadSubscription)
	err := sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		if msg.Attributes["type"] != "reload" {
			return
		}
		a.refreshFromStores(ctx)
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("reload subscription ended", zap.Error(err))
	}
}

func (a *App) refreshFromStores(ctx context.Context) {
	policies, err := a.policies.List(ctx)
	if err != nil {
		a.logger.Error("reload domain policies failed", zap.Error(err))
		return
	}
	breakerPolicy, err := a.breakerPolicies.Load(ctx)
	if err != nil {
		a.logger.Error("reload breaker policy failed", zap.Error(err))
		return
	}
	a.limiter.Update(policies)
	a.breaker.SetPolicy(breakerPolicy)
	a.runtime.Swap(config.Runtime{DomainPolicies: policies, BreakerPolicy: breakerPolicy})
	a.logger.Info("policies reloaded", zap.Int("domains", len(policies)))
}

// reloadNotifier broadcasts policy changes to other replicas.
type reloadNotifier struct {
	topic *pubsub.Topic
}

func (n *reloadNotifier) NotifyReload(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{"type": "reload"})
	res := n.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"type": "reload"},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish reload: %w", err)
	}
	return nil
}

func parseChain(names []string) ([]fetch.StrategyKind, error) {
	if len(names) == 0 {
		return nil, nil
	}
	chain := make([]fetch.StrategyKind, 0, len(names))
	for _, name := range names {
		kind := fetch.StrategyKind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("fetch.chain: unknown strategy %q", name)
		}
		chain = append(chain, kind)
	}
	return chain, nil
}

func userAgentOr(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// seedCredentials loads the configured per-domain cookies into the
// credential store consulted on every fetch.
func seedCredentials(cookies map[string]string) *creds.MemoryStore {
	store := creds.NewMemoryStore()
	for domain, cookie := range cookies {
		store.Set(domain, cookie)
	}
	return store
}
