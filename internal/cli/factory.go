package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aretw0/medflow"
	"github.com/aretw0/medflow/internal/config"
	"github.com/aretw0/medflow/internal/inference"
	"github.com/aretw0/medflow/internal/worker"
	httpAdapter "github.com/aretw0/medflow/pkg/adapters/http"
	"github.com/aretw0/medflow/pkg/adapters/huggingface"
	"github.com/aretw0/medflow/pkg/adapters/kafka"
	"github.com/aretw0/medflow/pkg/adapters/memory"
	"github.com/aretw0/medflow/pkg/adapters/redis"
	sqlstore "github.com/aretw0/medflow/pkg/adapters/sql"
	"github.com/aretw0/medflow/pkg/adapters/sqs"
	"github.com/aretw0/medflow/pkg/adapters/stub"
	"github.com/aretw0/medflow/pkg/observability"
	"github.com/aretw0/medflow/pkg/persistence/middleware"
	"github.com/aretw0/medflow/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	backend "github.com/redis/go-redis/v9"
)

// App is one wired process: the service and the adapters behind it.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Service  *medflow.Service
	Repo     ports.Repository
	Source   ports.JobSource
	Chain    *inference.Chain
	Worker   *worker.Worker
	Registry *prometheus.Registry
	Recorder *observability.Recorder

	// Streams fans committed changes out to event-stream subscribers.
	Streams *httpAdapter.StreamManager

	// InProcessQueue is set when jobs never leave this process.
	InProcessQueue bool

	closers []func() error
}

// Close releases every connection the app opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Pool builds a worker pool over the app's job source.
func (a *App) Pool() *worker.Pool {
	return worker.NewPool(a.Source, a.Worker,
		worker.WithConcurrency(a.Config.Worker.Concurrency),
		worker.WithMaxExecution(a.Config.Worker.MaxExecution),
		worker.WithPoolLogger(a.Logger),
		worker.WithJobObserver(a.Recorder),
	)
}

// ReconcileOptions maps the config onto a sweep.
func (a *App) ReconcileOptions() medflow.ReconcileOptions {
	return medflow.ReconcileOptions{
		SubmittedAfter:  a.Config.Reconcile.SubmittedAfter,
		ProcessingAfter: a.Config.Reconcile.ProcessingAfter,
		LockTTL:         a.Config.Reconcile.Interval,
	}
}

// Build wires the adapters selected by cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	app = &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Recorder = observability.NewRecorder(app.Registry)

	clients := map[string]*backend.Client{}
	redisClient := func(rc config.RedisConfig) *backend.Client {
		key := fmt.Sprintf("%s/%d", rc.Addr, rc.DB)
		if c, ok := clients[key]; ok {
			return c
		}
		c := backend.NewClient(&backend.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		clients[key] = c
		app.closers = append(app.closers, c.Close)
		return c
	}

	var locker ports.DistributedLocker
	switch cfg.Store.Driver {
	case "memory":
		app.Repo = memory.NewStore()
	case "redis":
		client := redisClient(cfg.Store.Redis)
		app.Repo = redis.NewFromClient(client, redis.WithPrefix(cfg.Store.Redis.Prefix))
		locker = redis.NewLocker(client, cfg.Store.Redis.Prefix)
	case "sqlite", "postgres":
		db, err := sqlstore.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", cfg.Store.Driver, err)
		}
		store, err := sqlstore.New(db)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, store.Close)
		app.Repo = store
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	activeKey, fallbackKeys, err := cfg.Store.Keys()
	if err != nil {
		return nil, err
	}
	if activeKey != nil {
		app.Repo = middleware.Chain(app.Repo, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    activeKey,
			FallbackKeys: fallbackKeys,
		}))
	}

	var dispatcher ports.Dispatcher
	switch cfg.Queue.Driver {
	case "memory":
		q := memory.NewQueue(cfg.Queue.Capacity)
		dispatcher, app.Source = q, q
		app.InProcessQueue = true
	case "redis":
		client := redisClient(cfg.Queue.Redis)
		q := redis.NewQueue(client, redis.WithQueuePrefix(cfg.Queue.Redis.Prefix))
		dispatcher, app.Source = q, q
		if locker == nil {
			locker = redis.NewLocker(client, cfg.Queue.Redis.Prefix)
		}
	case "kafka":
		w := kafka.NewWriter(cfg.Queue.Kafka.Brokers, cfg.Queue.Kafka.Topic)
		r := kafka.NewReader(cfg.Queue.Kafka.Brokers, cfg.Queue.Kafka.Topic, cfg.Queue.Kafka.GroupID)
		app.closers = append(app.closers, w.Close, r.Close)
		dispatcher = kafka.NewDispatcher(w)
		app.Source = kafka.NewSource(r, kafka.WithLogger(logger))
	case "sqs":
		client, err := sqs.NewClient(ctx, cfg.Queue.SQS.Region, cfg.Queue.SQS.Endpoint)
		if err != nil {
			return nil, err
		}
		q := sqs.New(client, cfg.Queue.SQS.QueueURL, sqs.WithLogger(logger))
		dispatcher, app.Source = q, q
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	primary, fallback, err := providers(cfg.Inference)
	if err != nil {
		return nil, err
	}
	chainOpts := []inference.Option{inference.WithLogger(logger), inference.WithObserver(app.Recorder)}
	if fallback != nil {
		chainOpts = append(chainOpts, inference.WithFallback(fallback))
	}
	app.Chain = inference.New(primary, chainOpts...)

	app.Streams = httpAdapter.NewStreamManager()
	svcOpts := []medflow.Option{
		medflow.WithDispatcher(dispatcher),
		medflow.WithListener(app.Streams),
		medflow.WithAnalyst(app.Chain),
		medflow.WithLogger(logger),
		medflow.WithMetrics(app.Recorder),
		medflow.WithConflictRetries(cfg.ConflictRetries),
	}
	if locker != nil {
		svcOpts = append(svcOpts, medflow.WithLocker(locker))
	}
	app.Service = medflow.New(app.Repo, svcOpts...)
	app.Worker = worker.New(app.Service, app.Repo, app.Chain, worker.WithLogger(logger))

	logger.Debug("App wired",
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"inference", app.Chain.String(),
		"locker", locker != nil,
		"encrypted", activeKey != nil,
	)
	return app, nil
}

func providers(cfg config.InferenceConfig) (ports.Provider, ports.Provider, error) {
	switch cfg.Provider {
	case "stub":
		var fallback ports.Provider
		if cfg.FallbackModel != "" {
			fallback = stub.New(cfg.FallbackModel)
		}
		return stub.New(cfg.PrimaryModel), fallback, nil
	case "huggingface":
		opts := []huggingface.Option{huggingface.WithBaseURL(cfg.BaseURL), huggingface.WithTimeout(cfg.Timeout)}
		var fallback ports.Provider
		if cfg.FallbackModel != "" {
			fallback = huggingface.New(cfg.FallbackModel, cfg.Token, opts...)
		}
		return huggingface.New(cfg.PrimaryModel, cfg.Token, opts...), fallback, nil
	default:
		return nil, nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}
