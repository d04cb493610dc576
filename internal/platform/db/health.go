package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is the audit store section of the gateway health report.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
	Error           string `json:"error,omitempty"`
}

func statsFrom(stat *pgxpool.Stat) *PoolStats {
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check pings the pool with a short deadline and reports its statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *PoolStats {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err := pool.Ping(ctx)
	stats := statsFrom(pool.Stat())
	stats.Healthy = err == nil
	if err != nil {
		stats.Error = err.Error()
	}
	return stats
}
