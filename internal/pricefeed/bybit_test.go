package pricefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatimadachari/CryptoWatcher/internal/testutil"
)

// fakeBybit answers subscribe requests with a snapshot per topic. With
// rejectUnknown set, a request naming an instrument without a price is
// rejected as a whole, as the exchange does.
type fakeBybit struct {
	mu            sync.Mutex
	topics        []string
	requests      [][]string
	prices        map[string]string
	rejectUnknown bool
}

func (f *fakeBybit) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req struct {
				ReqID string   `json:"req_id"`
				Op    string   `json:"op"`
				Args  []string `json:"args"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Op != "subscribe" {
				continue
			}

			f.mu.Lock()
			f.requests = append(f.requests, req.Args)
			ok := true
			if f.rejectUnknown {
				for _, topic := range req.Args {
					if f.prices[strings.TrimPrefix(topic, "tickers.")] == "" {
						ok = false
					}
				}
			}
			f.mu.Unlock()

			_ = conn.WriteJSON(map[string]any{"req_id": req.ReqID, "op": "subscribe", "success": ok})
			if !ok {
				continue
			}

			for _, topic := range req.Args {
				f.mu.Lock()
				f.topics = append(f.topics, topic)
				price := f.prices[strings.TrimPrefix(topic, "tickers.")]
				f.mu.Unlock()
				if price == "" {
					continue
				}
				msg, _ := json.Marshal(map[string]any{
					"topic": topic,
					"type":  "snapshot",
					"data": map[string]string{
						"symbol":    strings.TrimPrefix(topic, "tickers."),
						"lastPrice": price,
						"markPrice": "1",
					},
				})
				_ = conn.WriteMessage(websocket.TextMessage, msg)
			}
		}
	}
}

func (s *BybitStream) subscribed(inst string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	_, ok := s.subs[inst]
	return ok
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBybitStream_SubscribesLazilyAndServesPrices(t *testing.T) {
	fake := &fakeBybit{prices: map[string]string{"BTCUSDT": "67123.5"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	stream := NewBybitStream(BybitConfig{URL: wsURL(srv)}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	// first lookup subscribes; price arrives asynchronously
	require.Eventually(t, func() bool {
		price, err := stream.FetchPrice(ctx, "btc")
		return err == nil && price.Equal(testutil.Dec("67123.5"))
	}, 2*time.Second, 10*time.Millisecond)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.topics, "tickers.BTCUSDT")
}

func TestBybitStream_UnknownBeforeFirstTicker(t *testing.T) {
	stream := NewBybitStream(BybitConfig{URL: "ws://127.0.0.1:1"}, nil)
	_, err := stream.FetchPrice(context.Background(), "ETH")
	require.ErrorIs(t, err, ErrNoTicker)
	assert.False(t, IsTransient(err))
}

func TestBybitStream_StaleTickerIsUnknown(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	stream := NewBybitStream(BybitConfig{MaxAge: time.Minute}, nil)
	stream.clock = clock.Now

	stream.handleMessage([]byte(`{"topic":"tickers.SOLUSDT","type":"snapshot","data":{"symbol":"SOLUSDT","lastPrice":"150.25"}}`))

	price, err := stream.FetchPrice(context.Background(), "SOL")
	require.NoError(t, err)
	assert.True(t, price.Equal(testutil.Dec("150.25")))

	clock.Advance(2 * time.Minute)
	_, err = stream.FetchPrice(context.Background(), "SOL")
	require.ErrorIs(t, err, ErrNoTicker)
}

func TestBybitStream_HandleMessage(t *testing.T) {
	stream := NewBybitStream(BybitConfig{}, nil)

	// delta without lastPrice falls back to mark price
	stream.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","type":"delta","data":{"symbol":"ETHUSDT","markPrice":"3001.5"}}`))
	// ignored messages
	stream.handleMessage([]byte(`{"op":"pong"}`))
	stream.handleMessage([]byte(`{"topic":"orderbook.1.ETHUSDT","data":{}}`))
	stream.handleMessage([]byte(`not json`))
	stream.handleMessage([]byte(`{"topic":"tickers.ETHUSDT","data":{"symbol":"ETHUSDT","lastPrice":"-1"}}`))

	price, err := stream.FetchPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, price.Equal(testutil.Dec("3001.5")))
}

func TestBybitStream_FailedSubscribeIsRetried(t *testing.T) {
	srv := httptest.NewServer((&fakeBybit{}).handler(t))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	stream := NewBybitStream(BybitConfig{URL: wsURL(srv)}, nil)
	stream.conn = conn

	_, err = stream.FetchPrice(context.Background(), "BTC")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoTicker)
	assert.False(t, stream.subscribed("BTCUSDT"), "a failed write must not mark the instrument subscribed")

	// disconnected: recorded for the reconnect to pick up
	stream.conn = nil
	_, err = stream.FetchPrice(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrNoTicker)
	assert.True(t, stream.subscribed("BTCUSDT"))
}

func TestBybitStream_ResubscribesPerInstrument(t *testing.T) {
	fake := &fakeBybit{
		prices:        map[string]string{"BTCUSDT": "67000", "ETHUSDT": "3100"},
		rejectUnknown: true,
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	stream := NewBybitStream(BybitConfig{URL: wsURL(srv)}, nil)
	// carried over from a previous connection; NOPE has been delisted
	for _, inst := range []string{"BTCUSDT", "NOPEUSDT", "ETHUSDT"} {
		stream.subs[inst] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	require.Eventually(t, func() bool {
		btc, errBTC := stream.FetchPrice(ctx, "BTC")
		eth, errETH := stream.FetchPrice(ctx, "ETH")
		return errBTC == nil && errETH == nil &&
			btc.Equal(testutil.Dec("67000")) && eth.Equal(testutil.Dec("3100"))
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return !stream.subscribed("NOPEUSDT") },
		2*time.Second, 10*time.Millisecond, "rejected instrument should be forgotten")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, args := range fake.requests {
		assert.Len(t, args, 1)
	}
}
