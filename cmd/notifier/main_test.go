package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatimadachari/CryptoWatcher/internal/config"
	"github.com/fatimadachari/CryptoWatcher/internal/dispatcher"
	"github.com/fatimadachari/CryptoWatcher/internal/domain"
	"github.com/fatimadachari/CryptoWatcher/internal/testutil"
	"github.com/fatimadachari/CryptoWatcher/internal/transport/redisstream"
)

type hookRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.keys = append(h.keys, r.Header.Get(dispatcher.HeaderIdempotencyKey))
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *hookRecorder) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.keys...)
}

func notifierConfig(redisAddr, webhookURL string) config.Config {
	return config.Config{
		StoreDriver:         config.StoreDriverSQLite,
		SQLitePath:          ":memory:",
		DBOpTimeout:         5 * time.Second,
		RedisAddr:           redisAddr,
		RedisStream:         "alerts:triggered",
		NotifierGroup:       "notifier",
		NotifierConsumer:    "test-consumer",
		WebhookURL:          webhookURL,
		WebhookTimeout:      5 * time.Second,
		HTTPShutdownTimeout: time.Second,
		LogLevel:            "error",
		LogFormat:           "json",
	}
}

func TestRun_DeliversAndStopsOnCancel(t *testing.T) {
	hook := &hookRecorder{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := notifierConfig(mr.Addr(), srv.URL)

	event := domain.TriggeredEvent{
		EventID:       uuid.New(),
		AlertID:       11,
		UserID:        2,
		UserEmail:     "trader@example.com",
		Symbol:        "BTC",
		TargetPrice:   testutil.Dec("50000"),
		ObservedPrice: testutil.Dec("49000"),
		Direction:     domain.DirectionBelow,
		TriggeredAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
	pub := redisstream.NewPublisher(client, redisstream.PublisherConfig{Stream: cfg.RedisStream}, nil)
	require.NoError(t, pub.Publish(context.Background(), event))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg) }()

	require.Eventually(t, func() bool { return len(hook.received()) == 1 },
		5*time.Second, 20*time.Millisecond)
	assert.Equal(t, event.IdempotencyKey(), hook.received()[0])

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_RedisUnreachable(t *testing.T) {
	cfg := notifierConfig("127.0.0.1:1", "http://127.0.0.1:1/hook")

	err := run(context.Background(), cfg)
	assert.Error(t, err)
}
