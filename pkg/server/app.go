package server

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/internal/middleware"
	"PolySignals/internal/usecase"
	"PolySignals/pkg/config"
	xhttp "PolySignals/pkg/http"
	pkgkafka "PolySignals/pkg/kafka"
	"PolySignals/pkg/logger"
)

const drainInterval = 5 * time.Second

// App owns the long-running components and their shutdown order.
type App struct {
	cfg       *config.Config
	log       *logger.Logger
	mode      models.Mode
	status    *usecase.Status
	scheduler *usecase.Scheduler
	http      *xhttp.Server

	dispatcher *usecase.Dispatcher
	ticks      *middleware.TickPipeline
	stream     domrepo.PriceStream
	venue      domrepo.Venue
	consumer   *pkgkafka.Consumer
	closers    []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

type Option func(*App)

// WithDispatcher runs the delayed-release drain loop.
func WithDispatcher(d *usecase.Dispatcher) Option { return func(a *App) { a.dispatcher = d } }

// WithTickStream feeds streamed marks through p. The venue lists the
// universe when none is configured.
func WithTickStream(p *middleware.TickPipeline, s domrepo.PriceStream, v domrepo.Venue) Option {
	return func(a *App) {
		a.ticks = p
		a.stream = s
		a.venue = v
	}
}

// WithConsumer starts c with its handlers already registered.
func WithConsumer(c *pkgkafka.Consumer) Option { return func(a *App) { a.consumer = c } }

// WithCloser closes c after every loop has stopped, in registration order.
func WithCloser(name string, c io.Closer) Option {
	return func(a *App) {
		if c != nil {
			a.closers = append(a.closers, namedCloser{name: name, c: c})
		}
	}
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *logger.Logger, mode models.Mode, status *usecase.Status,
	scheduler *usecase.Scheduler, srv *xhttp.Server, opts ...Option) *App {
	a := &App{cfg: cfg, log: l, mode: mode, status: status, scheduler: scheduler, http: srv}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts every component and blocks until ctx ends or SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.http.Start(); err != nil {
		return err
	}
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			a.log.Error("app.consumer start_failed", logger.Error(err))
			a.status.Degrade("resolutions", err.Error())
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil {
			a.log.Error("app.scheduler stopped", logger.Error(err))
		}
	}()

	if a.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.dispatcher.Run(ctx, drainInterval)
		}()
	}

	if a.ticks != nil && a.stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runTicks(ctx)
		}()
	}

	a.log.Info("app.run started", logger.String("mode", string(a.mode)),
		logger.Duration("interval", a.cfg.Scan.Interval), logger.Int("port", a.cfg.Server.Port))

	<-ctx.Done()
	a.log.Info("app.run shutdown_signal")
	return a.shutdown(&wg)
}

func (a *App) runTicks(ctx context.Context) {
	markets := a.cfg.Scan.Universe
	if len(markets) == 0 && a.venue != nil {
		snaps, err := a.venue.Markets(ctx, a.cfg.Scan.UniverseLimit)
		if err != nil {
			a.log.Warn("app.ticks universe_failed", logger.Error(err))
			a.status.Degrade("price_stream", "universe unavailable")
			return
		}
		for _, s := range snaps {
			markets = append(markets, s.MarketID)
		}
	}
	if err := a.ticks.Run(ctx, a.stream, markets); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("app.ticks stopped", logger.Error(err))
		a.status.Degrade("price_stream", err.Error())
	}
}

// shutdown stops intake first, then waits for the loops, then releases
// infrastructure.
func (a *App) shutdown(wg *sync.WaitGroup) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.http.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			a.log.Warn("app.shutdown stream_close", logger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("timed out waiting for loops to stop"))
	}

	for _, nc := range a.closers {
		if err := nc.c.Close(); err != nil {
			a.log.Warn("app.shutdown close_failed", logger.String("component", nc.name), logger.Error(err))
		}
	}
	a.log.Info("app.shutdown complete")
	return errors.Join(errs...)
}
