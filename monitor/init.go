// Package monitor assembles the process metrics recorder and the background
// collection loops.
package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/causewayapi/causeway/common/metrics"
	"github.com/causewayapi/causeway/model"
	"github.com/causewayapi/causeway/monitor/prometheus"
)

// InitMonitoring installs the Prometheus recorder as the global one and
// starts the connection pool collector. The /metrics endpoint serves the
// default registry the recorder writes into.
func InitMonitoring(ctx context.Context, version string, startTime time.Time) {
	metrics.GlobalRecorder = &prometheus.Recorder{}
	metrics.GlobalRecorder.InitSystemMetrics(version, runtime.Version(), startTime)

	go collectDBPoolMetrics(ctx)
}

// collectDBPoolMetrics samples the gorm connection pool periodically.
func collectDBPoolMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, ok := model.PoolStats()
			if !ok {
				continue
			}
			metrics.GlobalRecorder.UpdateDBConnectionMetrics(stats.InUse, stats.Idle)
		}
	}
}
