package venue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"PolySignals/internal/domain/models"
)

// gammaMarket is the subset of the market listing the scanner needs.
type gammaMarket struct {
	ID             string      `json:"id"`
	Question       string      `json:"question"`
	OutcomePrices  string      `json:"outcomePrices"` // JSON-encoded string array
	LastTradePrice json.Number `json:"lastTradePrice"`
	Volume24hr     json.Number `json:"volume24hr"`
	LiquidityNum   json.Number `json:"liquidityNum"`
	LiquidityClob  json.Number `json:"liquidityClob"`
	EndDate        string      `json:"endDate"`
}

func (m gammaMarket) snapshot(at time.Time) (models.MarketSnapshot, error) {
	const op = "venue.decode"
	price, err := m.yesPrice()
	if err != nil {
		return models.MarketSnapshot{}, models.NewError(models.KindDataQuality, op, m.ID, err)
	}
	s := models.MarketSnapshot{
		MarketID:  m.ID,
		Question:  m.Question,
		Price:     price,
		Volume24h: number(m.Volume24hr),
		Liquidity: number(m.LiquidityNum),
		Depth:     number(m.LiquidityClob),
		FetchedAt: at,
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			s.EndDate = t.UTC()
		}
	}
	if err := s.Validate(); err != nil {
		return models.MarketSnapshot{}, err
	}
	return s, nil
}

// yesPrice is the first outcome price, falling back to the last trade.
func (m gammaMarket) yesPrice() (float64, error) {
	if m.OutcomePrices != "" {
		var prices []string
		if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil {
			return 0, fmt.Errorf("outcome prices: %w", err)
		}
		if len(prices) > 0 {
			return strconv.ParseFloat(strings.TrimSpace(prices[0]), 64)
		}
	}
	if m.LastTradePrice != "" {
		return m.LastTradePrice.Float64()
	}
	return 0, fmt.Errorf("no price")
}

func number(n json.Number) float64 {
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return f
}

type orderBody struct {
	Market        string `json:"market"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	ClientOrderID string `json:"client_order_id"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
}

type orderResponse struct {
	Status     string `json:"status"`
	FillPrice  string `json:"fill_price"`
	FilledSize string `json:"filled_size"`
	Reason     string `json:"reason"`
}

func (r orderResponse) result(op, market string) (models.OrderResult, error) {
	out := models.OrderResult{Reason: r.Reason}
	switch strings.ToLower(r.Status) {
	case "filled", "matched":
		out.Status = models.OrderFilled
	case "rejected", "canceled", "cancelled":
		out.Status = models.OrderRejected
	case "pending", "live", "open", "delayed":
		out.Status = models.OrderPending
	case "not_found":
		out.Status = models.OrderNotFound
	default:
		return models.OrderResult{}, models.NewError(models.KindDataQuality, op, market,
			fmt.Errorf("unknown order status %q", r.Status))
	}
	var err error
	if r.FillPrice != "" {
		if out.FillPrice, err = decimal.NewFromString(r.FillPrice); err != nil {
			return models.OrderResult{}, models.NewError(models.KindDataQuality, op, market, fmt.Errorf("fill price: %w", err))
		}
	}
	if r.FilledSize != "" {
		if out.FilledSize, err = decimal.NewFromString(r.FilledSize); err != nil {
			return models.OrderResult{}, models.NewError(models.KindDataQuality, op, market, fmt.Errorf("filled size: %w", err))
		}
	}
	return out, nil
}
