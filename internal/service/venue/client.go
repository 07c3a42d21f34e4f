package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	httpclient "PolySignals/pkg/http"
	"PolySignals/pkg/logger"
	"PolySignals/pkg/retry"
)

const breakerComponent = "venue_breaker"

// HealthReporter receives breaker transitions.
type HealthReporter interface {
	Degrade(component, reason string)
	Recover(component string)
}

type Config struct {
	BaseURL         string
	OrderURL        string
	Credentials     Credentials
	Timeout         time.Duration
	RateLimit       float64 // requests per second
	Burst           int
	RetryMax        int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client talks to the venue's market-data and order REST endpoints.
type Client struct {
	cfg     Config
	http    *httpclient.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
	health  HealthReporter
	log     *logger.Logger
	now     func() time.Time
}

var _ domrepo.Venue = (*Client)(nil)

type Option func(*Client)

func WithHealth(h HealthReporter) Option { return func(c *Client) { c.health = h } }

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHTTPClient replaces the transport client, mainly for tests.
func WithHTTPClient(h *httpclient.Client) Option { return func(c *Client) { c.http = h } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, models.Errorf(models.KindConfiguration, "venue.new", "base url is required")
	}
	if cfg.OrderURL == "" {
		cfg.OrderURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:     logger.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		var hopts []httpclient.ClientOption
		hopts = append(hopts, httpclient.WithTimeout(cfg.Timeout))
		if cfg.Credentials.Key != "" {
			hopts = append(hopts, httpclient.WithSigner(cfg.Credentials.Signer(c.now)))
		}
		c.http = httpclient.NewClient(hopts...)
	}

	c.policy = retry.Policy{
		Attempts:   cfg.RetryMax,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
		Retryable: func(err error) bool {
			return !errors.Is(err, gobreaker.ErrOpenState) &&
				!errors.Is(err, gobreaker.ErrTooManyRequests) &&
				models.IsKind(err, models.KindTransientIO)
		},
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "venue",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport trouble counts towards tripping.
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsKind(err, models.KindTransientIO)
		},
		OnStateChange: c.onStateChange,
	})
	return c, nil
}

func (c *Client) onStateChange(name string, from, to gobreaker.State) {
	c.log.Warn("venue.breaker state_change", logger.String("breaker", name),
		logger.String("from", from.String()), logger.String("to", to.String()))
	if c.health == nil {
		return
	}
	if to == gobreaker.StateClosed {
		c.health.Recover(breakerComponent)
		return
	}
	c.health.Degrade(breakerComponent, fmt.Sprintf("venue circuit %s", to))
}

// BreakerState reports the circuit state.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// call runs one logical request through retry, the breaker and the limiter.
func (c *Client) call(ctx context.Context, op string, policy retry.Policy, fn func(ctx context.Context) error) error {
	_, err := retry.Do(ctx, policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.NewError(models.KindTransientIO, op, "", err)
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.NewError(models.KindTransientIO, op, "", err)
		}
		return err
	})
	return err
}

func (c *Client) Markets(ctx context.Context, limit int) ([]models.MarketSnapshot, error) {
	const op = "venue.markets"
	if limit <= 0 {
		limit = 50
	}
	var raw []gammaMarket
	err := c.call(ctx, op, c.policy, func(ctx context.Context) error {
		raw = nil
		return c.get(ctx, op, c.cfg.BaseURL+"/markets", map[string][]string{
			"active":    {"true"},
			"closed":    {"false"},
			"order":     {"volume24hr"},
			"ascending": {"false"},
			"limit":     {strconv.Itoa(limit)},
		}, &raw)
	})
	if err != nil {
		return nil, err
	}

	at := c.now().UTC()
	out := make([]models.MarketSnapshot, 0, len(raw))
	for _, m := range raw {
		s, err := m.snapshot(at)
		if err != nil {
			c.log.Debug("venue.markets skip", logger.String("market_id", m.ID), logger.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *Client) Snapshot(ctx context.Context, marketID string) (models.MarketSnapshot, error) {
	const op = "venue.snapshot"
	var raw gammaMarket
	err := c.call(ctx, op, c.policy, func(ctx context.Context) error {
		return c.get(ctx, op, c.cfg.BaseURL+"/markets/"+url.PathEscape(marketID), nil, &raw)
	})
	if err != nil {
		return models.MarketSnapshot{}, withMarket(err, marketID)
	}
	return raw.snapshot(c.now().UTC())
}

// SubmitOrder is attempted once. A lost response is resolved by the engine
// through OrderStatus on the idempotency key.
func (c *Client) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	const op = "venue.submit"
	body := orderBody{
		Market:        req.MarketID,
		Side:          string(req.Direction),
		Size:          req.Size.String(),
		Price:         req.LimitPrice.String(),
		ClientOrderID: req.IdempotencyKey,
		ReduceOnly:    req.ReduceOnly,
	}
	var resp orderResponse
	once := c.policy
	once.Attempts = 1
	err := c.call(ctx, op, once, func(ctx context.Context) error {
		return c.send(ctx, op, &httpclient.RequestOptions{
			Method: httpclient.MethodPost,
			URL:    c.cfg.OrderURL + "/order",
			Body:   body,
		}, &resp)
	})
	if err != nil {
		code := httpclient.StatusCode(err)
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return models.OrderResult{Status: models.OrderRejected, Reason: statusBody(err)}, nil
		}
		return models.OrderResult{}, withMarket(err, req.MarketID)
	}
	return resp.result(op, req.MarketID)
}

func (c *Client) OrderStatus(ctx context.Context, key string) (models.OrderResult, error) {
	const op = "venue.order_status"
	var resp orderResponse
	err := c.call(ctx, op, c.policy, func(ctx context.Context) error {
		return c.get(ctx, op, c.cfg.OrderURL+"/order/"+url.PathEscape(key), nil, &resp)
	})
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return models.OrderResult{Status: models.OrderNotFound}, nil
	}
	if err != nil {
		return models.OrderResult{}, err
	}
	return resp.result(op, "")
}

func (c *Client) CancelOrder(ctx context.Context, key string) error {
	const op = "venue.cancel"
	err := c.call(ctx, op, c.policy, func(ctx context.Context) error {
		return c.send(ctx, op, &httpclient.RequestOptions{
			Method: httpclient.MethodDelete,
			URL:    c.cfg.OrderURL + "/order/" + url.PathEscape(key),
		}, nil)
	})
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) get(ctx context.Context, op, u string, q map[string][]string, dest interface{}) error {
	return c.send(ctx, op, &httpclient.RequestOptions{Method: httpclient.MethodGet, URL: u, QueryParams: q}, dest)
}

// send performs the request and classifies the failure.
func (c *Client) send(ctx context.Context, op string, opts *httpclient.RequestOptions, dest interface{}) error {
	start := c.now()
	err := c.http.SendAndParse(ctx, opts, dest)
	took := logger.Duration("took", c.now().Sub(start))
	if err != nil {
		c.log.Warn("venue.request failed", logger.String("op", op), logger.String("method", opts.Method), took, logger.Error(err))
	} else {
		c.log.Debug("venue.request done", logger.String("op", op), logger.String("method", opts.Method), took)
	}
	return classify(op, err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return models.NewError(models.KindTransientIO, op, "", err)
		}
		return models.NewError(models.KindDataQuality, op, "", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.KindTransientIO, op, "", err)
	}
	return models.NewError(models.KindDataQuality, op, "", err)
}

func withMarket(err error, market string) error {
	var e *models.Error
	if errors.As(err, &e) && e.Market == "" {
		return models.NewError(e.Kind, e.Op, market, e.Err)
	}
	return err
}

func statusBody(err error) string {
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.Body != "" {
		return se.Body
	}
	return err.Error()
}
