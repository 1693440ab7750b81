package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func testLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newLimiter(cfg, clock.Now), clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := testLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})

	key := "test-ip"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := testLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter, clock := testLimiter(Config{RequestsPerMinute: 600, BurstSize: 1})

	key := "test"

	if !limiter.Allow(key) {
		t.Error("First request should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Second immediate request should be denied")
	}

	clock.Advance(100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("Request after 100ms should be allowed")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := testLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	limiter.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected tokens capped at burst 2, got %d", allowed)
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := testLimiter(DefaultConfig())

	limiter.Allow("old")
	clock.Advance(3 * time.Minute)
	limiter.Allow("fresh")

	if n := limiter.evictIdle(); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
}

func TestLimiterStopIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestFromRPM(t *testing.T) {
	tests := []struct {
		rpm       int
		wantRPM   int
		wantBurst int
	}{
		{rpm: 120, wantRPM: 120, wantBurst: 20},
		{rpm: 3, wantRPM: 3, wantBurst: 1},
		{rpm: 0, wantRPM: 60, wantBurst: 10},
	}
	for _, tt := range tests {
		cfg := FromRPM(tt.rpm)
		if cfg.RequestsPerMinute != tt.wantRPM || cfg.BurstSize != tt.wantBurst {
			t.Errorf("FromRPM(%d) = %d/%d, want %d/%d", tt.rpm,
				cfg.RequestsPerMinute, cfg.BurstSize, tt.wantRPM, tt.wantBurst)
		}
	}
}

func TestPartyMiddleware_KeysByParty(t *testing.T) {
	limiter, _ := testLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authPartyID", c.GetHeader("X-Party-ID"))
		c.Next()
	})
	r.Use(limiter.PartyMiddleware())
	r.POST("/escrows", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(party string) int {
		req := httptest.NewRequest(http.MethodPost, "/escrows", nil)
		req.Header.Set("X-Party-ID", party)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("buyer-1"); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if code := send("buyer-1"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for second request from same party, got %d", code)
	}
	if code := send("buyer-2"); code != http.StatusCreated {
		t.Errorf("Expected other party unaffected, got %d", code)
	}
}
