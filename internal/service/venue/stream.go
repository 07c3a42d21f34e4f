package venue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PolySignals/internal/domain/models"
	domrepo "PolySignals/internal/domain/repository"
	"PolySignals/pkg/logger"
)

// Stream is a PriceStream over the venue's market websocket. It reconnects
// until the subscription context ends.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialer         *websocket.Dialer
	log            *logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ domrepo.PriceStream = (*Stream)(nil)

func NewStream(url string, reconnectDelay, pingInterval time.Duration, l *logger.Logger) *Stream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		dialer:         websocket.DefaultDialer,
		log:            l,
	}
}

type subscribeMsg struct {
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

// wsEvent covers last_trade_price and price_change frames.
type wsEvent struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	Price     json.Number     `json:"price"`
	Timestamp json.Number     `json:"timestamp"` // unix ms
	Changes   []wsPriceChange `json:"price_changes"`
}

type wsPriceChange struct {
	Price json.Number `json:"price"`
}

// Subscribe streams ticks for the given markets. Both channels close when ctx
// ends or the stream is closed. Connection errors are reported on the error
// channel without blocking and followed by a reconnect.
func (s *Stream) Subscribe(ctx context.Context, markets []string) (<-chan models.PriceTick, <-chan error) {
	ticks := make(chan models.PriceTick, 1024)
	errs := make(chan error, 8)

	go func() {
		defer close(ticks)
		defer close(errs)
		for {
			err := s.session(ctx, markets, ticks)
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			if err != nil {
				s.log.Warn("stream.session ended", logger.Error(err))
				select {
				case errs <- err:
				default:
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.reconnectDelay):
			}
		}
	}()
	return ticks, errs
}

func (s *Stream) session(ctx context.Context, markets []string, ticks chan<- models.PriceTick) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return models.NewError(models.KindTransientIO, "stream.connect", "", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	defer s.drop(conn)

	if err := conn.WriteJSON(subscribeMsg{Type: "market", Markets: markets}); err != nil {
		return models.NewError(models.KindTransientIO, "stream.subscribe", "", err)
	}
	s.log.Info("stream.session connected", logger.Int("markets", len(markets)))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepalive(sctx, conn)
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if sctx.Err() != nil {
				return nil
			}
			return models.NewError(models.KindTransientIO, "stream.read", "", err)
		}
		for _, t := range decodeTicks(b) {
			select {
			case ticks <- t:
			default:
				// consumers only need the newest mark
			}
		}
	}
}

// keepalive pings on the configured interval. WriteControl may run
// concurrently with the other writer.
func (s *Stream) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.pingInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every running subscription.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// decodeTicks accepts a single event or an array of events. Frames that are
// not price events are ignored.
func decodeTicks(b []byte) []models.PriceTick {
	var events []wsEvent
	if err := json.Unmarshal(b, &events); err != nil {
		var one wsEvent
		if err := json.Unmarshal(b, &one); err != nil {
			return nil
		}
		events = []wsEvent{one}
	}
	var out []models.PriceTick
	for _, ev := range events {
		if ev.Market == "" {
			continue
		}
		at := eventTime(ev.Timestamp)
		switch ev.EventType {
		case "last_trade_price":
			if p, err := ev.Price.Float64(); err == nil {
				out = append(out, models.PriceTick{MarketID: ev.Market, Price: p, At: at})
			}
		case "price_change":
			if len(ev.Changes) == 0 {
				if p, err := ev.Price.Float64(); err == nil {
					out = append(out, models.PriceTick{MarketID: ev.Market, Price: p, At: at})
				}
				continue
			}
			last := ev.Changes[len(ev.Changes)-1]
			if p, err := last.Price.Float64(); err == nil {
				out = append(out, models.PriceTick{MarketID: ev.Market, Price: p, At: at})
			}
		}
	}
	return out
}

func eventTime(n json.Number) time.Time {
	ms, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
