package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/internal/service/ratelimit"
	"PolySignals/internal/usecase"
	"PolySignals/pkg/cache"
	xhttp "PolySignals/pkg/http"
	"PolySignals/pkg/logger"
)

const secondsPerDay = 24 * 60 * 60

// TrackRecordSource is the read side of the ledger.
type TrackRecordSource interface {
	Aggregate(ctx context.Context, window time.Duration) (models.TrackRecord, error)
	Entries(ctx context.Context, from, to time.Time) ([]models.LedgerEntry, error)
	Verify(ctx context.Context) error
}

type StatusSource interface {
	Snapshot() models.Status
}

// SignalSource serves delivered signals, newest first.
type SignalSource interface {
	Latest(tier models.Tier, n int) []models.Signal
}

// QuotaLimiter is a keyed token bucket.
type QuotaLimiter interface {
	Allow(key string, capacity, refillPerSec float64) bool
}

// Handler serves the public HTTP API.
type Handler struct {
	log          *logger.Logger
	ledger       TrackRecordSource
	status       StatusSource
	feed         SignalSource
	entitlements domrepo.Entitlements
	quota        QuotaLimiter
	offering     models.Offering
	cache        cache.Service
	cacheTTL     time.Duration
	now          func() time.Time
}

var _ xhttp.Handler = (*Handler)(nil)

type Option func(*Handler)

// WithCache caches track-record aggregates for ttl.
func WithCache(c cache.Service, ttl time.Duration) Option {
	return func(h *Handler) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(ledger TrackRecordSource, status StatusSource, feed SignalSource,
	ent domrepo.Entitlements, quota QuotaLimiter, offering models.Offering, opts ...Option) *Handler {
	h := &Handler{
		log:          logger.NewNop(),
		ledger:       ledger,
		status:       status,
		feed:         feed,
		entitlements: ent,
		quota:        quota,
		offering:     offering,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/track-record", h.TrackRecord)
	g.GET("/ledger/entries", h.LedgerEntries)
	g.GET("/ledger/verify", h.VerifyLedger)
	g.GET("/status", h.Status)
	g.GET("/signals", h.Signals)
	g.GET("/signals/latest", h.LatestSignal)
	g.GET("/offering", h.Offering)
}

// TrackRecord serves confirmed outcome stats for ?window= (30d, 12h, all).
func (h *Handler) TrackRecord(c echo.Context) error {
	req := &trackRecordRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	window, err := usecase.ParseWindow(req.Window)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_WINDOW", "window", err.Error(), http.StatusBadRequest))
	}

	ctx := c.Request().Context()
	key := cache.GenerateKey("track-record", usecase.FormatWindow(window))
	var rec models.TrackRecord
	if h.cache != nil {
		if err := h.cache.Get(ctx, key, &rec); err == nil {
			return xhttp.SuccessResponse(c, rec)
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			h.log.Debug("api.track_record cache_get failed", logger.Error(err))
		}
	}

	rec, err = h.ledger.Aggregate(ctx, window)
	if err != nil {
		return h.fail(c, "api.track_record", err)
	}
	if h.cache != nil {
		if err := h.cache.Set(ctx, key, rec, h.cacheTTL); err != nil {
			h.log.Debug("api.track_record cache_set failed", logger.Error(err))
		}
	}
	return xhttp.SuccessResponse(c, rec)
}

// LedgerEntries lists raw chained entries so subscribers can audit the hashes.
func (h *Handler) LedgerEntries(c echo.Context) error {
	req := &entriesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	now := h.now().UTC()
	to := xhttp.ParseTimeDefault(req.To, now)
	from := xhttp.ParseTimeDefault(req.From, to.Add(-24*time.Hour))
	if !from.Before(to) {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_RANGE", "from", "from must be before to", http.StatusBadRequest))
	}

	entries, err := h.ledger.Entries(c.Request().Context(), from, to)
	if err != nil {
		return h.fail(c, "api.ledger_entries", err)
	}
	total := len(entries)
	if total > req.Limit {
		entries = entries[:req.Limit]
	}
	return xhttp.ListResponse(c, entries, int64(total))
}

func (h *Handler) VerifyLedger(c echo.Context) error {
	if err := h.ledger.Verify(c.Request().Context()); err != nil {
		return h.fail(c, "api.ledger_verify", err)
	}
	return xhttp.SuccessResponse(c, verifyResponse{Valid: true, CheckedAt: h.now().UTC()})
}

func (h *Handler) Status(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.status.Snapshot())
}

func (h *Handler) Offering(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.offering)
}

// Signals pulls up to ?count= live signals for ?tier=.
func (h *Handler) Signals(c echo.Context) error {
	req := &signalsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tier := models.Tier(req.Tier)
	if err := h.admit(c, tier); err != nil {
		return h.fail(c, "api.signals", err)
	}

	sigs := h.feed.Latest(tier, req.Count)
	views := make([]models.SignalView, 0, len(sigs))
	for _, s := range sigs {
		views = append(views, s.ViewFor(tier))
	}
	return xhttp.ListResponse(c, views, int64(len(views)))
}

func (h *Handler) LatestSignal(c echo.Context) error {
	req := &latestRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tier := models.Tier(req.Tier)
	if err := h.admit(c, tier); err != nil {
		return h.fail(c, "api.signals_latest", err)
	}

	sigs := h.feed.Latest(tier, 1)
	if len(sigs) == 0 {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no live signal for tier "+string(tier)))
	}
	return xhttp.SuccessResponse(c, sigs[0].ViewFor(tier))
}

// admit checks the entitlement for tier and charges one pull against the
// subscriber's daily quota. Free pulls without a token are keyed by address.
func (h *Handler) admit(c echo.Context, tier models.Tier) error {
	token := xhttp.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	subject := "ip:" + c.RealIP()
	if tier != models.TierFree || token != "" {
		sub, err := h.entitlements.Entitled(c.Request().Context(), token, tier)
		if err != nil {
			return err
		}
		if sub != "" {
			subject = "sub:" + sub
		}
	}

	terms, ok := h.offering.Terms(tier)
	if !ok || terms.DailyQuota < 0 {
		return nil
	}
	if terms.DailyQuota == 0 {
		return xhttp.TooManyRequestsError("tier "+string(tier)+" has no pull allowance", 0)
	}
	capacity, refill := ratelimit.PerDay(terms.DailyQuota)
	if !h.quota.Allow("quota:"+string(tier)+":"+subject, capacity, refill) {
		q := terms.DailyQuota
		after := (secondsPerDay + q - 1) / q
		return xhttp.TooManyRequestsError("daily quota exhausted for tier "+string(tier), after)
	}
	return nil
}

func (h *Handler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if appErr.Status >= 500 {
		h.log.Error(op+" failed", logger.Error(err))
	} else {
		h.log.Debug(op+" rejected", logger.Int("status", appErr.Status), logger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}
