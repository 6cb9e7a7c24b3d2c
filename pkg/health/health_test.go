package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRunAggregatesWorstStatus(t *testing.T) {
	c := NewChecker()
	c.Register("redis", PingCheck(pingerFunc(func(context.Context) error { return nil }), true))
	c.Register("postgres", PingCheck(pingerFunc(func(context.Context) error { return errors.New("refused") }), false))

	report := c.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["redis"].Status)
	assert.Equal(t, "refused", report.Components["postgres"].Message)

	c.Register("kafka", PingCheck(pingerFunc(func(context.Context) error { return errors.New("down") }), true))
	assert.Equal(t, StatusDown, c.Run(context.Background()).Status)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	c := NewChecker()
	c.Register("lag", ThresholdCheck("lag", func() int64 { return 10 }, 5))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)

	c.Register("cache", PingCheck(nil, true))
	c.Register("db", PingCheck(pingerFunc(func(context.Context) error { return errors.New("x") }), true))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
