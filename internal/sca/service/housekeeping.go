package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/arcobank/scaflow/internal/sca/store"
)

// HousekeepingService periodically removes expired operations and one-time
// codes so the store doesn't grow without bound.
type HousekeepingService struct {
	Operations store.Operations
	Otps       store.Otps
	Logger     *slog.Logger
	Interval   time.Duration

	// Retention keeps terminal/expired records around for a while so recent
	// operations stay inspectable.
	Retention time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService builds the background cleaner. Interval defaults to
// one hour, retention to 24 hours.
func NewHousekeepingService(operations store.Operations, otps store.Otps, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &HousekeepingService{
		Operations: operations,
		Otps:       otps,
		Logger:     logger,
		Interval:   interval,
		Retention:  24 * time.Hour,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the background worker. Call Stop for a graceful shutdown.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop shuts the worker down and blocks until in-flight cleanup finished.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup deletes in both stores independently, so a failure in one never
// stops the other.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.Retention)

	if n, err := s.Operations.DeleteExpired(ctx, cutoff); err != nil {
		s.Logger.Error("failed to delete expired operations", "error", err)
	} else if n > 0 {
		s.Logger.Info("deleted expired operations", "count", n)
	}

	if n, err := s.Otps.DeleteExpired(ctx, cutoff); err != nil {
		s.Logger.Error("failed to delete expired one-time codes", "error", err)
	} else if n > 0 {
		s.Logger.Info("deleted expired one-time codes", "count", n)
	}
}
