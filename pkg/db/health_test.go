package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheck_NilPool(t *testing.T) {
	status := Check(context.Background(), nil)

	assert.False(t, status.Healthy)
	assert.Equal(t, "pool is nil", status.Error)
	assert.Equal(t, "unhealthy: pool is nil", status.String())
}

func TestHealthStatus_String(t *testing.T) {
	status := &HealthStatus{Healthy: true, Latency: 1500 * time.Microsecond, TotalConns: 4, AcquiredConns: 1}
	assert.Equal(t, "healthy (latency 1.5ms, 1/4 conns in use)", status.String())
}

func TestWaitForReady_NilPool(t *testing.T) {
	err := WaitForReady(context.Background(), nil, time.Millisecond)
	assert.EqualError(t, err, "pool is nil")
}
