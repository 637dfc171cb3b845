package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBybitURL = "wss://stream.bybit.com/v5/public/linear"

	bybitReconnectDelay = 5 * time.Second
	bybitPingInterval   = 20 * time.Second
	bybitWriteTimeout   = 5 * time.Second
)

type BybitConfig struct {
	URL string
	// Quote is appended to a symbol to form the instrument, e.g. BTC -> BTCUSDT.
	Quote string
	// MaxAge bounds how old the last ticker may be before it counts as unknown.
	MaxAge time.Duration
}

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// BybitStream keeps the latest ticker for every instrument it has been asked
// about, fed by a Bybit public websocket subscription. Symbols are subscribed
// lazily on first lookup, so the first cycle for a new symbol reports unknown.
type BybitStream struct {
	cfg    BybitConfig
	logger *zap.Logger
	dialer *websocket.Dialer
	clock  func() time.Time

	reconnectDelay time.Duration
	pingInterval   time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	subsMu sync.Mutex
	subs   map[string]struct{}

	ticksMu sync.RWMutex
	ticks   map[string]tick
}

func NewBybitStream(cfg BybitConfig, logger *zap.Logger) *BybitStream {
	if cfg.URL == "" {
		cfg.URL = DefaultBybitURL
	}
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitStream{
		cfg:            cfg,
		logger:         logger.Named("bybit"),
		dialer:         websocket.DefaultDialer,
		clock:          time.Now,
		reconnectDelay: bybitReconnectDelay,
		pingInterval:   bybitPingInterval,
		subs:           make(map[string]struct{}),
		ticks:          make(map[string]tick),
	}
}

func (s *BybitStream) Name() string { return "bybit" }

func (s *BybitStream) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	inst := s.instrument(symbol)
	if err := s.ensureSubscribed(inst); err != nil {
		return decimal.Zero, fmt.Errorf("bybit subscribe %s: %w", inst, err)
	}

	s.ticksMu.RLock()
	t, ok := s.ticks[inst]
	s.ticksMu.RUnlock()

	if !ok || s.clock().Sub(t.at) > s.cfg.MaxAge {
		return decimal.Zero, fmt.Errorf("bybit %s: %w", inst, ErrNoTicker)
	}
	return t.price, nil
}

// Run maintains the websocket connection until ctx is cancelled.
func (s *BybitStream) Run(ctx context.Context) error {
	s.logger.Info("started", zap.String("url", s.cfg.URL))
	for {
		if err := s.connectAndListen(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("connection lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *BybitStream) instrument(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + s.cfg.Quote
}

// ensureSubscribed records inst only once its subscribe request has been
// written, so a failed write is retried on the next lookup. subsMu is held
// across the write so a concurrent reconnect either sees inst in its
// resubscribe snapshot or the write lands on the new connection.
func (s *BybitStream) ensureSubscribed(inst string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if _, exists := s.subs[inst]; exists {
		return nil
	}
	// no-op while disconnected; connectAndListen resubscribes all of subs
	if err := s.sendSubscribe(inst); err != nil {
		return err
	}
	s.subs[inst] = struct{}{}
	return nil
}

func (s *BybitStream) connectAndListen(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	s.subsMu.Lock()
	insts := make([]string, 0, len(s.subs))
	for inst := range s.subs {
		insts = append(insts, inst)
	}
	s.subsMu.Unlock()
	// one request per instrument: a delisted symbol only rejects itself
	for _, inst := range insts {
		if err := s.sendSubscribe(inst); err != nil {
			return fmt.Errorf("resubscribe %s: %w", inst, err)
		}
	}

	go s.heartbeat(connCtx)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

type bybitMessage struct {
	ReqID   string          `json:"req_id"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

func (s *BybitStream) handleMessage(raw []byte) {
	var msg bybitMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("ignoring malformed message", zap.Error(err))
		return
	}
	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			s.logger.Warn("operation rejected",
				zap.String("op", msg.Op),
				zap.String("req_id", msg.ReqID),
				zap.String("msg", msg.RetMsg))
			// forget the instrument so a later lookup tries again
			if msg.Op == "subscribe" && msg.ReqID != "" {
				s.subsMu.Lock()
				delete(s.subs, msg.ReqID)
				s.subsMu.Unlock()
			}
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || len(msg.Data) == 0 {
		return
	}

	var t bybitTicker
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.logger.Debug("ignoring malformed ticker", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}

	// deltas carry only changed fields
	val := t.LastPrice
	if val == "" {
		val = t.MarkPrice
	}
	if val == "" {
		return
	}
	price, err := decimal.NewFromString(val)
	if err != nil || !price.IsPositive() {
		return
	}

	inst := t.Symbol
	if inst == "" {
		inst = strings.TrimPrefix(msg.Topic, "tickers.")
	}

	s.ticksMu.Lock()
	s.ticks[inst] = tick{price: price, at: s.clock()}
	s.ticksMu.Unlock()
}

func (s *BybitStream) sendSubscribe(inst string) error {
	return s.writeJSON(map[string]any{
		"req_id": inst,
		"op":     "subscribe",
		"args":   []string{"tickers." + inst},
	})
}

func (s *BybitStream) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"op": "ping"}); err != nil {
				s.logger.Warn("ping failed", zap.Error(err))
			}
		}
	}
}

// writeJSON is a no-op while disconnected.
func (s *BybitStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(bybitWriteTimeout))
	return s.conn.WriteJSON(v)
}
