package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	"PolySignals/internal/handler/api"
	mid "PolySignals/internal/middleware"
	internalrepo "PolySignals/internal/repository"
	"PolySignals/internal/service/marketplace"
	"PolySignals/internal/service/ratelimit"
	"PolySignals/internal/service/venue"
	"PolySignals/internal/services/features"
	"PolySignals/internal/usecase"
	"PolySignals/pkg/cache"
	pkgch "PolySignals/pkg/clickhouse"
	"PolySignals/pkg/config"
	xhttp "PolySignals/pkg/http"
	pkgkafka "PolySignals/pkg/kafka"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/metrics"
	"PolySignals/pkg/queue"
	"PolySignals/pkg/server"
)

const startupTimeout = 15 * time.Second

func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(cfg *config.Config) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return metrics.Nop{}
	}
	return metrics.New()
}

func ProvideMode(cfg *config.Config) (models.Mode, error) {
	m, err := models.ParseMode(cfg.Mode)
	if err != nil {
		return "", models.NewError(models.KindConfiguration, "di.mode", "", err)
	}
	return m, nil
}

func ProvideStatus(mode models.Mode, m repository.Metrics) *usecase.Status {
	return usecase.NewStatus(mode, m)
}

// ProvideRedisCache returns nil when redis is disabled.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "di.redis", "", err)
	}
	return rc, nil
}

// ProvideCache layers a local cache over redis when redis is enabled.
func ProvideCache(rc *cache.RedisCache) cache.Service {
	if rc == nil {
		return cache.NewMemoryCache()
	}
	return cache.NewLayeredCache(rc)
}

func ProvideSnapshotCache(c cache.Service, cfg *config.Config) repository.SnapshotCache {
	return internalrepo.NewSnapshotCache(c, cfg.Redis.SnapshotTTL)
}

func ProvideFreeDeliveryStore(c cache.Service, cfg *config.Config) repository.FreeDeliveryStore {
	return internalrepo.NewFreeDeliveryCache(c, cfg.Gate.FreeWindow)
}

// ProvideMarketLocker uses redis locks when several processes may trade,
// otherwise an in-process keyed mutex.
func ProvideMarketLocker(rc *cache.RedisCache, c cache.Service, cfg *config.Config, l *logger.Logger) repository.MarketLocker {
	if rc == nil {
		return usecase.NewLocalLocker()
	}
	return internalrepo.NewCacheMarketLocker(c, cfg.Redis.LockTTL, l)
}

func ProvideDelayQueue(rc *cache.RedisCache, cfg *config.Config) repository.DelayQueue {
	var q queue.DelayQueue = queue.NewMemoryDelayQueue()
	if rc != nil {
		q = queue.NewRedisDelayQueue(rc.Client(), queue.WithKeyPrefix(cfg.Redis.Prefix))
	}
	return internalrepo.NewDelayQueue(q)
}

func ProvideVenue(cfg *config.Config, status *usecase.Status, l *logger.Logger) (*venue.Client, error) {
	v := cfg.Venue
	l.Info("venue.client configured", logger.String("base_url", v.BaseURL),
		logger.String("api_key", config.MaskSecret(v.APIKey)), logger.Bool("signed", v.APIKey != ""))
	return venue.NewClient(venue.Config{
		BaseURL:  v.BaseURL,
		OrderURL: v.OrderURL,
		Credentials: venue.Credentials{
			Key:        v.APIKey,
			Secret:     v.APISecret,
			Passphrase: v.APIPassphrase,
		},
		Timeout:         v.Timeout,
		RateLimit:       v.RateLimit,
		Burst:           v.Burst,
		RetryMax:        v.RetryMax,
		BackoffMin:      v.BackoffMin,
		BackoffMax:      v.BackoffMax,
		BreakerFailures: v.BreakerFailures,
		BreakerTimeout:  v.BreakerTimeout,
	}, venue.WithHealth(status), venue.WithLogger(l.With(logger.String("component", "venue"))))
}

// ProvideStream returns nil when no stream url is configured.
func ProvideStream(cfg *config.Config, l *logger.Logger) *venue.Stream {
	if cfg.Venue.StreamURL == "" {
		return nil
	}
	return venue.NewStream(cfg.Venue.StreamURL, cfg.Venue.ReconnectDelay, cfg.Venue.PingInterval,
		l.With(logger.String("component", "stream")))
}

func ProvideHistory(cfg *config.Config) *features.History {
	return features.NewHistory(cfg.Scan.HistoryAlpha)
}

func ProvideSnapshotProvider(cfg *config.Config, v *venue.Client, sc repository.SnapshotCache,
	h *features.History, status *usecase.Status, m repository.Metrics, l *logger.Logger) *usecase.SnapshotProvider {
	return usecase.NewSnapshotProvider(usecase.ProviderConfig{
		Universe:     cfg.Scan.Universe,
		Limit:        cfg.Scan.UniverseLimit,
		Workers:      cfg.Scan.Workers,
		FetchTimeout: cfg.Venue.Timeout,
	}, v, sc, h, status, m, l)
}

func ProvideScanner(cfg *config.Config) (*usecase.Scanner, error) {
	s := cfg.Scan
	return usecase.NewScanner(usecase.ScannerConfig{
		Weights: usecase.ScanWeights{
			Volume:      s.Weights.Volume,
			Liquidity:   s.Weights.Liquidity,
			Dislocation: s.Weights.Dislocation,
		},
		MinLiquidity:     s.MinLiquidity,
		DislocationScale: s.DislocationScale,
		MinScore:         s.MinScore,
		MaxOpportunities: s.MaxOpportunities,

		MinTimeToResolution: cfg.Signal.Horizon,
		MaxTimeToResolution: s.MaxTimeToResolution,
	})
}

func ProvideCalibration(cfg *config.Config) *usecase.Calibration {
	return usecase.NewCalibration(cfg.Signal.BandWidth)
}

func ProvideGenerator(cfg *config.Config, calib *usecase.Calibration) (*usecase.Generator, error) {
	s := cfg.Signal
	return usecase.NewGenerator(usecase.GeneratorConfig{
		Horizon:             s.Horizon,
		MinDislocation:      s.MinDislocation,
		SuppressionFloor:    s.SuppressionFloor,
		ColdStartConfidence: s.ColdStartConfidence,
		MinSamples:          s.MinSamples,
		Shrinkage:           s.Shrinkage,
		NominalAllocation:   cfg.Execution.Capital * cfg.Execution.RiskFraction,
		LowRiskLiquidity:    s.LowRiskLiquidity,
		MediumRiskLiquidity: s.MediumRiskLiquidity,
		LowRiskRatio:        s.LowRiskRatio,
		MediumRiskRatio:     s.MediumRiskRatio,
		TargetOffset:        s.TargetOffset,
		StopOffset:          s.StopOffset,
	}, calib)
}

// ProvideClickHouseClient connects and creates the ledger table. It returns
// nil for the memory backend.
func ProvideClickHouseClient(cfg *config.Config, l *logger.Logger) (*pkgch.Client, error) {
	if cfg.Ledger.Backend != "clickhouse" {
		return nil, nil
	}
	ch := cfg.ClickHouse
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(ch.Host),
		pkgch.WithPort(ch.Port),
		pkgch.WithDatabase(ch.Database),
		pkgch.WithCredentials(ch.User, ch.Password),
		pkgch.WithHTTP(ch.UseHTTP),
		pkgch.WithTimeouts(ch.DialTimeout, ch.ReadTimeout),
		pkgch.WithMaxExecutionTime(ch.MaxExecutionTime),
		pkgch.WithLogger(l),
	)
	if err != nil {
		return nil, models.NewError(models.KindTransientIO, "di.clickhouse", "", err)
	}
	if err := client.InitSchema(ctx, internalrepo.LedgerSchema(ch.Database, cfg.Ledger.Table)); err != nil {
		_ = client.Close()
		return nil, models.NewError(models.KindConfiguration, "di.clickhouse", "", err)
	}
	return client, nil
}

func ProvideLedgerStore(cfg *config.Config, ch *pkgch.Client, l *logger.Logger) repository.LedgerStore {
	if ch == nil {
		return internalrepo.NewMemoryLedgerStore()
	}
	return internalrepo.NewCHLedgerStore(ch.DB(), cfg.ClickHouse.Database+"."+cfg.Ledger.Table, l)
}

// ProvideLedger replays and verifies the stored chain.
func ProvideLedger(store repository.LedgerStore, m repository.Metrics, l *logger.Logger) (*usecase.Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	return usecase.NewLedger(ctx, store, m, l.With(logger.String("component", "ledger")))
}

// ProvideEngine returns nil unless the mode trades.
func ProvideEngine(cfg *config.Config, mode models.Mode, v *venue.Client, status *usecase.Status,
	locker repository.MarketLocker, m repository.Metrics, l *logger.Logger) (*usecase.Engine, error) {
	if !mode.Trades() {
		return nil, nil
	}
	x := cfg.Execution
	capital := decimal.NewFromFloat(x.Capital)
	budget := usecase.NewRiskBudget(capital, decimal.NewFromFloat(x.MaxExposureFraction))
	return usecase.NewEngine(usecase.EngineConfig{
		Capital:      capital,
		RiskFraction: decimal.NewFromFloat(x.RiskFraction),
		Multipliers: map[models.RiskTier]decimal.Decimal{
			models.RiskLow:    decimal.NewFromFloat(x.Multipliers.Low),
			models.RiskMedium: decimal.NewFromFloat(x.Multipliers.Medium),
			models.RiskHigh:   decimal.NewFromFloat(x.Multipliers.High),
		},
		OrderTimeout:     x.OrderTimeout,
		ReconcileTimeout: x.ReconcileTimeout,
		Reversal:         usecase.ReversalPolicy(x.ReversalPolicy),
		MaxExposure:      capital.Mul(decimal.NewFromFloat(x.MaxExposureFraction)),
		MaxDrawdown:      capital.Mul(decimal.NewFromFloat(x.MaxDrawdownFraction)),
		HistorySize:      500,
	}, v, budget, status, m, l.With(logger.String("component", "engine")), usecase.WithEngineLocker(locker))
}

// ProvideTracker lets closed positions own the outcome of the signals that
// opened them.
func ProvideTracker(cfg *config.Config, ledger *usecase.Ledger, engine *usecase.Engine, l *logger.Logger) *usecase.Tracker {
	tcfg := usecase.TrackerConfig{
		SuppressionFloor: cfg.Signal.SuppressionFloor,
		MinMove:          cfg.Ledger.MinMove,
		ResolveGrace:     cfg.Ledger.ResolveGrace,
	}
	tl := l.With(logger.String("component", "tracker"))
	if engine == nil {
		return usecase.NewTracker(tcfg, ledger, tl)
	}
	t := usecase.NewTracker(tcfg, ledger, tl, usecase.WithPositionCheck(engine.HasPosition))
	engine.OnTerminal(t.OnPosition)
	return t
}

func ProvideGate(cfg *config.Config) (*usecase.Gate, error) {
	return usecase.NewGate(usecase.GateConfig{
		SuppressionFloor: cfg.Signal.SuppressionFloor,
		PremiumFloor:     cfg.Gate.PremiumFloor,
		PremiumLatency:   cfg.Gate.PremiumLatency,
		FreeLatency:      cfg.Gate.FreeLatency,
		FreeWindow:       cfg.Gate.FreeWindow,
	})
}

func ProvideFeed() *usecase.Feed { return usecase.NewFeed(200) }

// ProvideKafkaProducer returns nil unless marketplace publishing is enabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Marketplace.Enabled {
		return nil, nil
	}
	k := cfg.Kafka
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(k.Brokers),
		pkgkafka.WithCompression(k.Compression),
		pkgkafka.WithRequiredAcks(k.RequiredAcks),
		pkgkafka.WithMaxAttempts(k.Producer.MaxAttempts),
		pkgkafka.WithBatching(k.Producer.BatchSize, k.Producer.BatchBytes, k.Producer.Linger),
		pkgkafka.WithTimeouts(k.Producer.WriteTimeout, k.Producer.ReadTimeout),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "di.kafka_producer", "", err)
	}
	return producer, nil
}

// ProvideDispatcher returns nil unless the mode distributes. Deliveries
// always land in the pull feed, and on kafka when a producer exists. The gate
// is seeded with the last persisted free delivery.
func ProvideDispatcher(cfg *config.Config, mode models.Mode, gate *usecase.Gate, q repository.DelayQueue,
	free repository.FreeDeliveryStore, status *usecase.Status, feed *usecase.Feed, producer *pkgkafka.Producer,
	m repository.Metrics, l *logger.Logger) *usecase.Dispatcher {
	if !mode.Distributes() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch id, at, err := free.LastFree(ctx); {
	case err == nil:
		gate.RestoreFree(id, at)
		l.Info("gate.free restored", logger.String("signal_id", id), logger.String("delivered_at", at.Format(time.RFC3339)))
	case !errors.Is(err, models.ErrNotFound):
		l.Warn("gate.free restore failed", logger.Error(err))
	}
	pubs := []repository.SignalPublisher{feed}
	if producer != nil {
		pubs = append(pubs, internalrepo.NewKafkaSignalPublisher(producer, cfg.Marketplace.TopicPrefix))
	}
	d := usecase.NewDispatcher(usecase.DispatcherConfig{
		PublishRetries: cfg.Gate.PublishRetries,
		BackoffMin:     cfg.Gate.BackoffMin,
		BackoffMax:     cfg.Gate.BackoffMax,
		PublishTimeout: cfg.Kafka.Producer.WriteTimeout,
		DrainBatch:     100,
	}, gate, q, status, m, l.With(logger.String("component", "dispatcher")), pubs...)
	d.UseFreeHistory(free)
	return d
}

// ProvidePipeline composes the cycle stages for the mode.
func ProvidePipeline(cfg *config.Config, provider *usecase.SnapshotProvider, scanner *usecase.Scanner,
	gen *usecase.Generator, calib *usecase.Calibration, tracker *usecase.Tracker, ledger *usecase.Ledger,
	status *usecase.Status, dispatcher *usecase.Dispatcher, engine *usecase.Engine,
	m repository.Metrics, l *logger.Logger) *usecase.Pipeline {
	var stages []usecase.Stage
	if dispatcher != nil {
		stages = append(stages, usecase.NewDistributionStage(dispatcher))
	}
	if engine != nil {
		stages = append(stages, usecase.NewExecutionStage(engine, l))
	}
	return usecase.NewPipeline(usecase.PipelineConfig{
		Workers:           cfg.Scan.Workers,
		CalibrationWindow: cfg.Signal.CalibrationWindow,
	}, provider, scanner, gen, calib, tracker, ledger, status, m, l.With(logger.String("component", "pipeline")), stages...)
}

func ProvideScheduler(cfg *config.Config, p *usecase.Pipeline, l *logger.Logger) *usecase.Scheduler {
	return usecase.NewScheduler(p, cfg.Scan.Interval, cfg.Scan.Grace, l)
}

// ProvideTickPipeline fans streamed marks out to the engine, the tracker and
// the price history.
func ProvideTickPipeline(m repository.Metrics, l *logger.Logger, engine *usecase.Engine,
	tracker *usecase.Tracker, h *features.History) *mid.TickPipeline {
	opts := []mid.PipelineOption{mid.WithSink(tracker.Observe), mid.WithSink(h.Observe)}
	if engine != nil {
		opts = append(opts, mid.WithSink(engine.Mark))
	}
	return mid.NewTickPipeline(m, l.With(logger.String("component", "ticks")), opts...)
}

func ProvideEntitlements(cfg *config.Config, l *logger.Logger) (repository.Entitlements, error) {
	if cfg.Marketplace.JWTSecret == "" {
		l.Warn("di.entitlements closed", logger.String("reason", "no jwt secret configured"))
		return marketplace.Closed{}, nil
	}
	return marketplace.NewEntitlements(cfg.Marketplace.JWTSecret, cfg.Marketplace.Issuer)
}

func ProvideOffering(cfg *config.Config) (models.Offering, error) {
	g := cfg.Gate
	return marketplace.NewOffering(cfg.Marketplace.ServiceName, cfg.Marketplace.ServiceDescr,
		models.TierTerms{Tier: models.TierPro, MinScore: cfg.Signal.SuppressionFloor, DailyQuota: g.Quotas.Pro, Price: g.Prices.Pro},
		models.TierTerms{Tier: models.TierPremium, Latency: g.PremiumLatency, MinScore: g.PremiumFloor, DailyQuota: g.Quotas.Premium, Price: g.Prices.Premium},
		models.TierTerms{Tier: models.TierFree, Latency: g.FreeLatency, MinScore: g.PremiumFloor, DailyQuota: g.Quotas.Free},
	)
}

func ProvideQuota() *ratelimit.Limiter { return ratelimit.New() }

func ProvideAPIHandler(ledger *usecase.Ledger, status *usecase.Status, feed *usecase.Feed,
	ent repository.Entitlements, quota *ratelimit.Limiter, offering models.Offering, c cache.Service,
	l *logger.Logger) *api.Handler {
	return api.NewHandler(ledger, status, feed, ent, quota, offering,
		api.WithCache(c, 30*time.Second), api.WithLogger(l.With(logger.String("component", "api"))))
}

func ProvideHTTPServer(cfg *config.Config, h *api.Handler, l *logger.Logger) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer([]xhttp.Handler{h},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithServerLogger(l.With(logger.String("component", "http"))),
	)
}

func ProvideResolutionHandler(cfg *config.Config, tracker *usecase.Tracker, m repository.Metrics) *usecase.ResolutionHandler {
	return usecase.NewResolutionHandler(cfg.Kafka.ResolutionsTopic, tracker, m)
}

// ProvideKafkaConsumer returns nil when no brokers are configured.
func ProvideKafkaConsumer(cfg *config.Config, rh *usecase.ResolutionHandler, l *logger.Logger) (*pkgkafka.Consumer, error) {
	k := cfg.Kafka
	if len(k.Brokers) == 0 {
		return nil, nil
	}
	cl := l.With(logger.String("component", "kafka_consumer"))
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(k.Brokers),
		pkgkafka.WithConsumerGroupID(k.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(k.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(k.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(k.Consumer.RetryMax, k.Consumer.BackoffMin, k.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(k.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(k.Consumer.MinBytes, k.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(cl),
	)
	if err != nil {
		return nil, models.NewError(models.KindConfiguration, "di.kafka_consumer", "", err)
	}
	consumer.RegisterHandler(rh)
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message) (context.Context, error) {
			return pkgkafka.WithTraceID(ctx, pkgkafka.ExtractTraceID(km)), nil
		},
		After: func(ctx context.Context, topic string, km kafka.Message, err error) {
			if err != nil {
				cl.Warn("kafka.consumer handle_failed", logger.String("topic", topic),
					logger.Int64("offset", km.Offset), logger.String("trace_id", pkgkafka.TraceID(ctx)), logger.Error(err))
			}
		},
	})
	return consumer, nil
}

// ProvideApp assembles the runnable application. Optional components arrive
// as typed nils and are only attached when present.
func ProvideApp(cfg *config.Config, l *logger.Logger, mode models.Mode, status *usecase.Status,
	scheduler *usecase.Scheduler, srv *xhttp.Server, dispatcher *usecase.Dispatcher,
	ticks *mid.TickPipeline, stream *venue.Stream, v *venue.Client, consumer *pkgkafka.Consumer,
	producer *pkgkafka.Producer, store repository.LedgerStore, ch *pkgch.Client, c cache.Service) *server.App {
	opts := []server.Option{server.WithCloser("ledger_store", store), server.WithCloser("cache", c)}
	if dispatcher != nil {
		opts = append(opts, server.WithDispatcher(dispatcher))
	}
	if stream != nil {
		opts = append(opts, server.WithTickStream(ticks, stream, v))
	}
	if consumer != nil {
		opts = append(opts, server.WithConsumer(consumer))
	}
	if producer != nil {
		opts = append(opts, server.WithCloser("kafka_producer", producer))
	}
	if ch != nil {
		opts = append(opts, server.WithCloser("clickhouse", ch))
	}
	return server.New(cfg, l, mode, status, scheduler, srv, opts...)
}
