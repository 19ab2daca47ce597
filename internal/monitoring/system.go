package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// StartSystemCollector samples process CPU, RSS and goroutine count on
// the given interval and exports them as gauges. It returns immediately;
// sampling stops when ctx is cancelled.
func StartSystemCollector(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("System metrics collector disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pct, err := proc.CPUPercent(); err == nil {
					processCPUPercent.Set(pct)
				}
				if mem, err := proc.MemoryInfo(); err == nil {
					processMemoryRSS.Set(float64(mem.RSS))
				}
				goroutines.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}
