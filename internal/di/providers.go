package di

import (
	"context"
	"fmt"
	"time"

	"QuantFlow/internal/datastore"
	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/graph"
	"QuantFlow/internal/handler/api"
	mid "QuantFlow/internal/middleware"
	internalrepo "QuantFlow/internal/repository"
	"QuantFlow/internal/service/backtest"
	mdcache "QuantFlow/internal/service/cache"
	"QuantFlow/internal/service/classifier"
	"QuantFlow/internal/service/ratelimit"
	"QuantFlow/internal/service/strategy"
	"QuantFlow/internal/service/stream"
	"QuantFlow/internal/service/tushare"
	"QuantFlow/internal/service/upstream"
	"QuantFlow/internal/service/validation"
	"QuantFlow/internal/usecase"
	"QuantFlow/pkg/cache"
	pkgch "QuantFlow/pkg/clickhouse"
	"QuantFlow/pkg/config"
	xhttp "QuantFlow/pkg/http"
	pkgkafka "QuantFlow/pkg/kafka"
	applogger "QuantFlow/pkg/logger"
	"QuantFlow/pkg/metrics"
	"QuantFlow/pkg/queue"
	"QuantFlow/pkg/server"

	"github.com/redis/go-redis/v9"
)

func noop() {}

// ProvideKafkaProducer creates a Kafka producer, or nil when no brokers are configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.KafkaEnabled() {
		return nil, noop, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithDelivery(cfg.Kafka.RequiredAcks, cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideLogger builds the app logger and attaches the Kafka log collector when enabled.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, func(), error) {
	l, err := applogger.New(&cfg.Log.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	if !cfg.Log.Collector.Enabled || producer == nil {
		return l, noop, nil
	}
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   cfg.Log.Collector.Interval,
		CountThreshold: cfg.Log.Collector.CountThreshold,
		Topic:          cfg.Kafka.LogTopic,
		Publisher:      producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideRedisClient connects to Redis when the run store or the queue needs it.
func ProvideRedisClient(cfg *config.Config, l *applogger.Logger) (*redis.Client, func(), error) {
	if cfg.RunStore.Type != config.StoreRedis && !cfg.Queue.Enabled {
		return nil, noop, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	l.Info("redis connected", applogger.String("addr", cfg.Redis.Addr))
	return client, func() { _ = client.Close() }, nil
}

// ProvideClickHouseClient creates a ClickHouse client and its schema, or nil when disabled.
func ProvideClickHouseClient(cfg *config.Config, l *applogger.Logger) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled {
		return nil, noop, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClickHouse.DialTimeout+10*time.Second)
	defer cancel()
	client, err := pkgch.NewClient(ctx,
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithPool(10, 5, 5*time.Minute),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, pkgch.SchemaStatements(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	l.Info("clickhouse connected and schema ready", applogger.String("db", cfg.ClickHouse.Database))
	return client, func() { _ = client.Close() }, nil
}

// ProvideDataStore creates the process-wide data store.
func ProvideDataStore(m domrepo.Metrics) domrepo.DataStore {
	return datastore.New(datastore.WithMetrics(m))
}

// ProvideRunStore keeps run state in process memory or in Redis.
func ProvideRunStore(cfg *config.Config, rc *redis.Client) (domrepo.RunStore, func(), error) {
	switch cfg.RunStore.Type {
	case config.StoreRedis:
		if rc == nil {
			return nil, nil, fmt.Errorf("run store: redis client not configured")
		}
		c := cache.NewRedisCacheWithClient(rc, cfg.Redis.Prefix)
		return internalrepo.NewCacheRunStore(c, cfg.RunStore.IdleTTL), noop, nil
	default:
		c := cache.NewMemoryCache(cache.WithMemoryMaxSize(10000), cache.WithMemoryCleanup(time.Minute))
		return internalrepo.NewCacheRunStore(c, cfg.RunStore.IdleTTL), func() { _ = c.Close() }, nil
	}
}

// ProvideMarketData picks the market-data source and puts a cache in front of it.
// With Redis available the cache is layered so instances share fetched tables.
func ProvideMarketData(cfg *config.Config, l *applogger.Logger, rc *redis.Client, ch *pkgch.Client) (domrepo.MarketData, func(), error) {
	var source domrepo.MarketData
	switch cfg.Market.Source {
	case config.SourceClickHouse:
		if ch == nil {
			return nil, nil, fmt.Errorf("market data: clickhouse not configured")
		}
		source = internalrepo.NewCHMarketData(ch.DB(), cfg.ClickHouse.Database, l)
	default:
		if cfg.Tushare.Token == "" {
			l.Warn("tushare token is empty; market fetches will be rejected upstream")
		}
		base := upstream.New(upstream.Config{
			Name:          "tushare",
			BaseURL:       cfg.Tushare.BaseURL,
			Timeout:       cfg.Tushare.Timeout,
			RatePerSecond: cfg.Tushare.RPS,
			Burst:         cfg.Tushare.Burst,
			Attempts:      cfg.Tushare.Attempts,
			Backoff:       cfg.Tushare.Backoff,
			TripAfter:     cfg.Tushare.TripAfter,
			OpenFor:       cfg.Tushare.OpenFor,
		}, upstream.WithLogger(l))
		source = tushare.New(base, cfg.Tushare.Token, l)
	}

	if cfg.Market.CacheTTL <= 0 {
		return source, noop, nil
	}
	var store cache.Service
	if rc != nil {
		store = cache.NewLayeredCache(cache.NewRedisCacheWithClient(rc, cfg.Redis.Prefix),
			cache.WithLayeredMemorySize(256), cache.WithLayeredMemoryTTL(time.Minute))
	} else {
		store = cache.NewMemoryCache(cache.WithMemoryMaxSize(256), cache.WithMemoryCleanup(time.Minute))
	}
	// closing the layered cache closes the shared Redis client early; its own cleanup then no-ops
	return mdcache.New(source, store, cfg.Market.CacheTTL, l), func() { _ = store.Close() }, nil
}

// ProvideClassifier returns the LLM router when enabled, the keyword rules otherwise.
func ProvideClassifier(cfg *config.Config, l *applogger.Logger) domrepo.Classifier {
	if !cfg.LLM.Enabled {
		return classifier.NewRules()
	}
	base := upstream.New(upstream.Config{
		Name:          "llm",
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		RatePerSecond: cfg.LLM.RPS,
		Burst:         1,
	}, upstream.WithLogger(l))
	return classifier.NewLLM(base, cfg.LLM.APIKey, cfg.LLM.Model, classifier.WithLLMLogger(l))
}

// ProvideNodes wires the graph nodes to their collaborators.
func ProvideNodes(
	cfg *config.Config,
	l *applogger.Logger,
	store domrepo.DataStore,
	market domrepo.MarketData,
	cls domrepo.Classifier,
	ch *pkgch.Client,
) *usecase.Nodes {
	opts := []usecase.NodesOption{
		usecase.WithNodesLogger(l),
		usecase.WithMaxClarifications(cfg.Graph.MaxClarifications),
		usecase.WithRecurrenceThreshold(cfg.Graph.Recurrence),
	}
	if ch != nil {
		opts = append(opts, usecase.WithBacktestSink(internalrepo.NewCHBacktestSink(ch.DB(), cfg.ClickHouse.Database, l)))
	}
	return usecase.NewNodes(store, market, cls,
		strategy.NewEvaluator(), validation.New(), backtest.New(), backtest.NewRenderer(cfg.Backtest.ReportDir),
		opts...)
}

// ProvideGraph builds and verifies the workflow graph.
func ProvideGraph(n *usecase.Nodes) (*graph.Graph, error) {
	return usecase.BuildGraph(n)
}

// ProvideHub creates the websocket fan-out hub.
func ProvideHub(cfg *config.Config, l *applogger.Logger) *stream.Hub {
	return stream.NewHub(cfg.Events.HubBuffer, l)
}

// ProvideEventPipeline delivers run events to the hub and, when Kafka is on, to the events topic.
func ProvideEventPipeline(cfg *config.Config, l *applogger.Logger, m domrepo.Metrics, hub *stream.Hub, producer *pkgkafka.Producer) *mid.EventPipeline {
	opts := []mid.PipelineOption{
		mid.WithPipelineLogger(l),
		mid.WithBufferSize(cfg.Events.Buffer),
		mid.WithMaxBackoff(cfg.Events.MaxBackoff),
	}
	// with the relay on, the hub hears events back from the topic
	if !cfg.Events.Relay || producer == nil {
		opts = append(opts, mid.WithLocalSinks(hub))
	}
	if producer != nil {
		opts = append(opts, mid.WithDurableSink(internalrepo.NewKafkaEventSink(producer, cfg.Kafka.Topic)))
	}
	return mid.NewEventPipeline(m, opts...)
}

// ProvideEventRelay creates the consumer that replays the run-events topic
// into the local hub, or nil when the relay is off. App starts and stops it.
func ProvideEventRelay(cfg *config.Config, l *applogger.Logger, m domrepo.Metrics, hub *stream.Hub) (*pkgkafka.Consumer, error) {
	if !cfg.Events.Relay {
		return nil, nil
	}
	c, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.RelayGroupID()),
		pkgkafka.WithConsumerAutoOffsetReset("latest"),
		pkgkafka.WithConsumerWorkers(1),
		pkgkafka.WithConsumerDLQ(cfg.Events.DLQTopic),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("create event relay: %w", err)
	}
	relay := usecase.NewEventRelay(cfg.Kafka.Topic, hub, m, l)
	c.RegisterHandler(relay)
	c.WithConsumerHook(relay.Hook())
	return c, nil
}

// ProvideExecutor creates the graph executor.
func ProvideExecutor(
	cfg *config.Config,
	l *applogger.Logger,
	g *graph.Graph,
	runs domrepo.RunStore,
	events *mid.EventPipeline,
	m domrepo.Metrics,
) *graph.Executor {
	return graph.NewExecutor(g, runs,
		graph.WithEvents(events),
		graph.WithMetrics(m),
		graph.WithLogger(l),
		graph.WithMaxSteps(cfg.RunStore.MaxSteps),
		graph.WithLockTTL(cfg.RunStore.LockTTL),
	)
}

// ProvideQueue creates the Redis job queue for async runs, or nil when disabled.
func ProvideQueue(cfg *config.Config, l *applogger.Logger, rc *redis.Client) *queue.RedisQueue {
	if !cfg.Queue.Enabled || rc == nil {
		return nil
	}
	return queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:    cfg.Queue.Workers,
		RetryLimit: cfg.Queue.RetryLimit,
		RetryDelay: cfg.Queue.RetryDelay,
	}, rc, queue.ModeProducerConsumer, queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"))
}

// ProvideRunService creates the run use case.
func ProvideRunService(
	cfg *config.Config,
	l *applogger.Logger,
	exec *graph.Executor,
	store domrepo.DataStore,
	q *queue.RedisQueue,
) *usecase.RunService {
	opts := []usecase.RunServiceOption{
		usecase.WithRunLogger(l),
		usecase.WithDefaultBacktestParams(models.BacktestParams{
			InitCash: cfg.Backtest.InitCash,
			Fees:     cfg.Backtest.Fees,
			Slippage: cfg.Backtest.Slippage,
		}),
	}
	if q != nil {
		opts = append(opts, usecase.WithQueue(q))
	}
	return usecase.NewRunService(exec, store, opts...)
}

// ProvideHandler registers every HTTP route.
func ProvideHandler(
	ctx context.Context,
	cfg *config.Config,
	l *applogger.Logger,
	runs *usecase.RunService,
	hub *stream.Hub,
	rc *redis.Client,
	ch *pkgch.Client,
) xhttp.Handler {
	limiter := ratelimit.New(cfg.Server.RateLimit.PerSecond, cfg.Server.RateLimit.Burst, cfg.Server.RateLimit.Idle)

	checks := map[string]func(context.Context) error{}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}
	if ch != nil {
		checks["clickhouse"] = ch.Health
	}

	return api.Routes{
		api.NewRunsHandler(l, runs, limiter.Middleware()),
		api.NewStreamHandler(ctx, l, hub),
		api.NewHealthHandler(checks),
	}
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	handler xhttp.Handler,
	events *mid.EventPipeline,
	q *queue.RedisQueue,
	runs *usecase.RunService,
	relay *pkgkafka.Consumer,
) *server.App {
	opts := []server.Option{server.WithPipeline(events)}
	if relay != nil {
		opts = append(opts, server.WithService(relay))
	}
	if q != nil {
		opts = append(opts, server.WithWorker(q,
			usecase.NewStartRunJob(runs, l),
			usecase.NewResumeRunJob(runs, l),
		))
	}
	return server.New(cfg, l, handler, opts...)
}
