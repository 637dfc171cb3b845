// Command webhook-receiver is a development endpoint for CryptoWatcher
// webhooks. It checks signatures when WEBHOOK_SECRET is set, counts
// redeliveries by idempotency key, and can fail the first attempts of each
// event to exercise retries.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerEventID        = "X-CryptoWatcher-Event-ID"
	headerIdempotencyKey = "X-CryptoWatcher-Idempotency-Key"
	headerTimestamp      = "X-CryptoWatcher-Timestamp"
	headerSignature      = "X-CryptoWatcher-Signature"

	maxSkew   = 5 * time.Minute
	maxStored = 50
)

type request struct {
	Timestamp      string `json:"timestamp"`
	EventID        string `json:"event_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Duplicate      bool   `json:"duplicate"`
	Body           string `json:"body"`
}

type stats struct {
	Count        int64     `json:"count"`
	Unique       int       `json:"unique"`
	Duplicates   int64     `json:"duplicates"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"last_requests"`
	Since        string    `json:"since"`
}

type receiver struct {
	secret    string
	failFirst int
	now       func() time.Time

	mu           sync.Mutex
	count        int64
	duplicates   int64
	rejected     int64
	attempts     map[string]int
	delivered    map[string]bool
	lastRequests []request
	since        time.Time
}

func newReceiver(secret string, failFirst int) *receiver {
	r := &receiver{secret: secret, failFirst: failFirst, now: time.Now}
	r.reset()
	return r
}

func (rc *receiver) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count, rc.duplicates, rc.rejected = 0, 0, 0
	rc.attempts = make(map[string]int)
	rc.delivered = make(map[string]bool)
	rc.lastRequests = nil
	rc.since = rc.now().UTC()
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	failFirst, _ := strconv.Atoi(os.Getenv("FAIL_FIRST"))
	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"), failFirst)

	if rc.secret == "" {
		log.Println("webhook-receiver: WEBHOOK_SECRET not set; signatures are not checked")
	}
	log.Printf("webhook-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, rc.routes()))
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", rc.hookHandler)
	mux.HandleFunc("GET /stats", rc.statsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.reset()
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func (rc *receiver) hookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if msg := rc.verify(r.Header, body); msg != "" {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		log.Printf("hook rejected: %s", msg)
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		http.Error(w, "missing idempotency key", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.attempts[key]++
	if rc.attempts[key] <= rc.failFirst {
		attempt := rc.attempts[key]
		rc.mu.Unlock()
		log.Printf("hook %s: simulated failure on attempt %d", key, attempt)
		http.Error(w, "simulated failure", http.StatusServiceUnavailable)
		return
	}

	rc.count++
	dup := rc.delivered[key]
	if dup {
		rc.duplicates++
	}
	rc.delivered[key] = true
	rc.lastRequests = append(rc.lastRequests, request{
		Timestamp:      rc.now().UTC().Format(time.RFC3339Nano),
		EventID:        r.Header.Get(headerEventID),
		IdempotencyKey: key,
		Duplicate:      dup,
		Body:           string(body),
	})
	if len(rc.lastRequests) > maxStored {
		rc.lastRequests = rc.lastRequests[len(rc.lastRequests)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	if dup {
		log.Printf("hook received #%d (duplicate %s)", current, key)
	} else {
		log.Printf("hook received #%d: %s", current, string(body))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"received":%d,"duplicate":%t}`, current, dup)
}

// verify returns a rejection reason, or "" when the request is acceptable.
func (rc *receiver) verify(h http.Header, body []byte) string {
	if rc.secret == "" {
		return ""
	}
	ts := h.Get(headerTimestamp)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "invalid timestamp"
	}
	if skew := rc.now().Sub(time.Unix(sec, 0)); skew > maxSkew || skew < -maxSkew {
		return "stale timestamp"
	}

	sig := h.Get(headerSignature)
	if !strings.HasPrefix(sig, "sha256=") {
		return "missing signature"
	}
	mac := hmac.New(sha256.New, []byte(rc.secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "bad signature"
	}
	return ""
}

func (rc *receiver) statsHandler(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:        rc.count,
		Unique:       len(rc.delivered),
		Duplicates:   rc.duplicates,
		Rejected:     rc.rejected,
		LastRequests: append([]request(nil), rc.lastRequests...),
		Since:        rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
