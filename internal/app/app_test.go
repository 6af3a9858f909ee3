package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/stockledger/testing"
)

func testConfig() *Config {
	return &Config{AppEnv: "test", AppRequestTimeout: time.Second, AppRateLimit: 100}
}

func TestHealthzReportsDegradedDependency(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	redisDown := errors.New("dial tcp: connection refused")
	router := NewRouter(RouterParams{
		Logger: logger,
		Config: testConfig(),
		Health: map[string]Pinger{
			"postgres": PingFunc(func(context.Context) error { return nil }),
			"redis":    PingFunc(func(context.Context) error { return redisDown }),
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "ok", body["postgres"])
	require.Equal(t, "unavailable", body["redis"])
}

func TestHealthzOK(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: testConfig(),
		Health: map[string]Pinger{"postgres": PingFunc(func(context.Context) error { return nil })},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.JSONEq(t, `{"status":"ok","postgres":"ok"}`, rr.Body.String())
}

func TestUnknownRouteReturnsProblem(t *testing.T) {
	router := NewRouter(RouterParams{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Config: testConfig()})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRateLimitRejectsBurst(t *testing.T) {
	cfg := testConfig()
	cfg.AppRateLimit = 1
	router := NewRouter(RouterParams{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Config: cfg})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "60", second.Header().Get("Retry-After"))
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{AppEnv: "staging", LogFormat: "json", LogLevel: "warn"})

	logger.Info("dropped")
	require.Zero(t, buf.Len())

	logger.Warn("kept", slog.Int("attempt", 2))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "kept", entry["msg"])
	require.Equal(t, "stockledger", entry["service"])
	require.Equal(t, "staging", entry["env"])
	require.EqualValues(t, 2, entry["attempt"])
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("TX_MAX_ATTEMPTS", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 3, cfg.TxMaxAttempts)
	require.Equal(t, 5*time.Second, cfg.TxTimeout)
	require.True(t, cfg.KafkaEnabled())
	require.False(t, cfg.IsProduction())

	t.Setenv("IDEMPOTENCY_RETENTION", "10m")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestInTestMode(t *testing.T) {
	require.True(t, InTestMode())

	cases := []struct {
		value string
		want  bool
	}{
		{"0", false},
		{"", false},
		{"yes", false},
		{"true", true},
		{" 1 ", true},
	}
	for _, tc := range cases {
		t.Setenv(testModeEnv, tc.value)
		RefreshTestMode()
		require.Equal(t, tc.want, InTestMode(), "value %q", tc.value)
	}

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
