package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerRunAllAggregatesStatus(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("ok", func(ctx context.Context) error { return nil })
	c.Register("bad", func(ctx context.Context) error { return errors.New("boom") })

	assert.Equal(t, StatusUnhealthy, c.OverallStatus(context.Background()))
}

func TestCheckerAllHealthyByDefault(t *testing.T) {
	c := NewChecker(time.Second)
	assert.Equal(t, StatusHealthy, c.OverallStatus(context.Background()))

	c.Register("ok", func(ctx context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, c.OverallStatus(context.Background()))
}

func TestCheckerCachesResults(t *testing.T) {
	c := NewChecker(time.Second)
	c.SetCacheTTL(time.Minute)

	calls := 0
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	_, err := c.Run(context.Background(), "counted")
	require.NoError(t, err)
	_, err = c.Run(context.Background(), "counted")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestCheckerRunMissingCheck(t *testing.T) {
	c := NewChecker(time.Second)
	_, err := c.Run(context.Background(), "missing")
	assert.Error(t, err)
}

func TestHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("bad", func(ctx context.Context) error { return errors.New("down") })

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 503, rec.Code)
}

func TestSessionRegistryCheckDetectsOverLimit(t *testing.T) {
	check := SessionRegistryCheck(func() int { return 10 }, 5)
	assert.Error(t, check(context.Background()))

	check = SessionRegistryCheck(func() int { return 2 }, 5)
	assert.NoError(t, check(context.Background()))
}
