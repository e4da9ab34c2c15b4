package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arc-self/incident-service/internal/ratelimit"
	"github.com/arc-self/incident-service/internal/spike"
)

// Maintenance runs the low-frequency housekeeping jobs on a cron schedule:
// expired spike-stats purge and rate-limiter client GC.
type Maintenance struct {
	cron     *cron.Cron
	detector *spike.Detector
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewMaintenance creates the scheduler without starting it.
func NewMaintenance(detector *spike.Detector, limiter *ratelimit.Limiter, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cron:     cron.New(),
		detector: detector,
		limiter:  limiter,
		logger:   logger,
	}
}

// Start registers the jobs and starts the scheduler.
func (m *Maintenance) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc("@hourly", func() {
		if err := m.detector.Cleanup(ctx); err != nil {
			m.logger.Warn("scheduled stats cleanup failed", zap.Error(err))
		}
		if removed := m.limiter.Cleanup(); removed > 0 {
			m.logger.Debug("idle rate-limit clients removed", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
