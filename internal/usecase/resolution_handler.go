package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PolySignals/internal/domain/models"
	"PolySignals/internal/domain/repository"
	pkgkafka "PolySignals/pkg/kafka"
)

// ResolutionHandler consumes market settlement events and settles pending
// signal-only outcomes.
type ResolutionHandler struct {
	topic   string
	tracker *Tracker
	metrics repository.Metrics
}

var _ pkgkafka.MessageHandler = (*ResolutionHandler)(nil)

func NewResolutionHandler(topic string, tracker *Tracker, m repository.Metrics) *ResolutionHandler {
	return &ResolutionHandler{topic: topic, tracker: tracker, metrics: m}
}

func (h *ResolutionHandler) Topic() string { return h.topic }

// Handle expects {market_id, final_price, resolved_at}.
func (h *ResolutionHandler) Handle(ctx context.Context, b []byte) error {
	const op = "resolution.handle"
	var ev models.ResolutionEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		h.metrics.RecordError(string(models.KindDataQuality))
		return models.NewError(models.KindDataQuality, op, "", err)
	}
	switch {
	case ev.MarketID == "":
		h.metrics.RecordError(string(models.KindDataQuality))
		return models.Errorf(models.KindDataQuality, op, "empty market id")
	case ev.FinalPrice < 0 || ev.FinalPrice > 1:
		h.metrics.RecordError(string(models.KindDataQuality))
		return models.NewError(models.KindDataQuality, op, ev.MarketID, errors.New("final price outside [0,1]"))
	}
	if !ev.ResolvedAt.IsZero() {
		h.metrics.RecordLatency("resolution_lag", time.Since(ev.ResolvedAt).Seconds())
	}
	h.tracker.OnResolution(ctx, ev)
	return nil
}
