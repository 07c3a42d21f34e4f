package middleware

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/internal/service/ratelimit"
	"PolySignals/pkg/logger"
)

// Sink receives accepted ticks.
type Sink func(models.PriceTick)

// TickPipeline sits between the price stream and the in-process consumers
// of marks. It validates, throttles per market and fans each tick out.
type TickPipeline struct {
	sinks   []Sink
	limiter *ratelimit.Limiter
	maxRPS  float64
	metrics domrepo.Metrics
	log     *logger.Logger

	accepted  atomic.Int64
	throttled atomic.Int64
	invalid   atomic.Int64
}

type PipelineOption func(*TickPipeline)

// WithMaxRPS caps accepted ticks per market per second. Zero disables the
// throttle.
func WithMaxRPS(n float64) PipelineOption {
	return func(p *TickPipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

func WithSink(s Sink) PipelineOption {
	return func(p *TickPipeline) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

func WithLimiter(l *ratelimit.Limiter) PipelineOption {
	return func(p *TickPipeline) { p.limiter = l }
}

func NewTickPipeline(metrics domrepo.Metrics, l *logger.Logger, opts ...PipelineOption) *TickPipeline {
	if l == nil {
		l = logger.NewNop()
	}
	p := &TickPipeline{
		maxRPS:  5,
		metrics: metrics,
		log:     l,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.limiter == nil {
		p.limiter = ratelimit.New()
	}
	return p
}

// Process validates, throttles and forwards one tick. Throttled ticks are
// dropped without error.
func (p *TickPipeline) Process(t models.PriceTick) error {
	if err := validateTick(t); err != nil {
		p.invalid.Add(1)
		p.metrics.RecordError(string(models.KindDataQuality))
		return err
	}
	if p.maxRPS > 0 && !p.limiter.Allow("tick:"+t.MarketID, p.maxRPS, p.maxRPS) {
		p.throttled.Add(1)
		return nil
	}
	start := time.Now()
	for _, s := range p.sinks {
		s(t)
	}
	p.accepted.Add(1)
	p.metrics.RecordLatency("tick_fanout", time.Since(start).Seconds())
	return nil
}

// Run consumes the stream until ctx ends or the stream closes its channels.
func (p *TickPipeline) Run(ctx context.Context, stream domrepo.PriceStream, markets []string) error {
	if len(markets) == 0 {
		return errors.New("tick pipeline: no markets to subscribe")
	}
	ticks, errs := stream.Subscribe(ctx, markets)
	p.log.Info("ticks.run started", logger.Int("markets", len(markets)))

	prune := time.NewTicker(10 * time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := p.Process(t); err != nil {
				p.log.Debug("ticks.process rejected", logger.String("market_id", t.MarketID), logger.Error(err))
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.metrics.RecordError(kindLabel(err))
			p.log.Warn("ticks.stream error", logger.Error(err))
		case <-prune.C:
			p.limiter.Prune(time.Hour)
		}
	}
}

// Stats returns accepted, throttled and invalid tick counts.
func (p *TickPipeline) Stats() (accepted, throttled, invalid int64) {
	return p.accepted.Load(), p.throttled.Load(), p.invalid.Load()
}

func validateTick(t models.PriceTick) error {
	const op = "ticks.validate"
	switch {
	case t.MarketID == "":
		return models.Errorf(models.KindDataQuality, op, "empty market id")
	case t.At.IsZero():
		return models.NewError(models.KindDataQuality, op, t.MarketID, errors.New("missing timestamp"))
	case math.IsNaN(t.Price) || t.Price <= 0 || t.Price >= 1:
		return models.NewError(models.KindDataQuality, op, t.MarketID, errors.New("price outside (0,1)"))
	}
	return nil
}

func kindLabel(err error) string {
	if k, ok := models.KindOf(err); ok {
		return string(k)
	}
	return "unknown"
}
