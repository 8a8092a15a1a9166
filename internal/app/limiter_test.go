package app

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	u "carbonshot/internal/utils"
)

// memStore is a fiber.Storage that ignores expiry.
type memStore struct {
	sync.RWMutex
	m map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	return s.m[key], nil
}

func (s *memStore) Set(key string, val []byte, _ time.Duration) error {
	s.Lock()
	s.m[key] = val
	s.Unlock()
	return nil
}

func (s *memStore) Delete(key string) error {
	s.Lock()
	delete(s.m, key)
	s.Unlock()
	return nil
}

func (s *memStore) Reset() error {
	s.Lock()
	s.m = make(map[string][]byte)
	s.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }

func resetLimiters(t *testing.T, interval time.Duration) {
	t.Helper()
	rateLimitStore = newMemStore()
	tokenLimiterCache.Lock()
	tokenLimiterCache.handlers = nil
	tokenLimiterCache.Unlock()

	prev := u.AppConfig
	u.AppConfig.RateLimiter.Interval = interval
	t.Cleanup(func() { u.AppConfig = prev })
}

func limiterApp(cfg u.Config) *fiber.App {
	app := fiber.New()
	app.Use(apiKeyMiddleware())
	app.Use(rateLimitMiddleware())
	app.Use(userRateLimitMiddleware(cfg))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func limiterReq(token string) *http.Request {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "1.2.3.4:5678"
	if token != "" {
		req.Header.Set("X-API-Key", token)
	}
	return req
}

func statuses(t *testing.T, app *fiber.App, token string, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		resp, err := app.Test(limiterReq(token), -1)
		require.NoError(t, err)
		out = append(out, resp.StatusCode)
	}
	return out
}

func TestTokenRateLimit(t *testing.T) {
	resetLimiters(t, time.Hour)
	u.LoadTokensFromMap(map[string]int{"render-key": 2})

	app := limiterApp(u.Config{})
	assert.Equal(t, []int{200, 200, 429}, statuses(t, app, "render-key", 3))
}

func TestUserRateLimit(t *testing.T) {
	resetLimiters(t, time.Hour)

	cfg := u.Config{}
	cfg.RateLimiter.EnableUserLimiter = true
	cfg.RateLimiter.UserLimit = 2
	cfg.RateLimiter.Interval = time.Hour

	app := limiterApp(cfg)
	assert.Equal(t, []int{200, 200, 429}, statuses(t, app, "", 3))
}

func TestUserRateLimitDisabled(t *testing.T) {
	resetLimiters(t, time.Hour)

	app := limiterApp(u.Config{})
	for _, code := range statuses(t, app, "", 5) {
		assert.Equal(t, fiber.StatusOK, code)
	}
}

func TestTokenSkipsUserLimit(t *testing.T) {
	resetLimiters(t, time.Hour)
	u.LoadTokensFromMap(map[string]int{"render-key": 100})

	cfg := u.Config{}
	cfg.RateLimiter.UserLimit = 2
	cfg.RateLimiter.Interval = time.Hour

	app := limiterApp(cfg)
	assert.Equal(t, []int{200, 200, 429}, statuses(t, app, "", 3))
	assert.Equal(t, []int{200}, statuses(t, app, "render-key", 1))
}

func TestAPIKeyRejected(t *testing.T) {
	resetLimiters(t, time.Hour)
	u.LoadTokensFromMap(map[string]int{"render-key": 5})

	app := limiterApp(u.Config{})
	resp, err := app.Test(limiterReq("unknown"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestClientKeyStable(t *testing.T) {
	app := fiber.New()
	var keys []string
	app.Get("/", func(c *fiber.Ctx) error {
		keys = append(keys, clientKey(c))
		return nil
	})
	for i := 0; i < 2; i++ {
		_, err := app.Test(limiterReq(""), -1)
		require.NoError(t, err)
	}
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1])
	assert.Len(t, keys[0], 64)
}
