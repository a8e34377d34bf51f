package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus represents database health and connection pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	TotalConns      int32  `json:"total_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	IdleConns       int32  `json:"idle_conns"`
	MaxConns        int32  `json:"max_conns"`
	EmptyAcquireWait int64 `json:"empty_acquire_wait_ms"`
}

// Health checks database connectivity and returns pool statistics.
func Health(ctx context.Context, pool *pgxpool.Pool) (*HealthStatus, error) {
	start := time.Now()

	if err := pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stat := pool.Stat()
	return &HealthStatus{
		Status:           "healthy",
		ResponseTime:     time.Since(start).Milliseconds(),
		TotalConns:       stat.TotalConns(),
		AcquiredConns:    stat.AcquiredConns(),
		IdleConns:        stat.IdleConns(),
		MaxConns:         stat.MaxConns(),
		EmptyAcquireWait: stat.EmptyAcquireWaitTime().Milliseconds(),
	}, nil
}
