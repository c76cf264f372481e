package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Cai-uniabuja/ESP32-CAM/internal/logger"
	"github.com/Cai-uniabuja/ESP32-CAM/internal/service"
)

// RetentionService runs the retention policy on an interval
type RetentionService struct {
	*service.ServiceBase
	policy   *RetentionPolicy
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRetentionService creates a service that enforces policy every interval
func NewRetentionService(policy *RetentionPolicy, interval time.Duration, log *logger.Logger) *RetentionService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetentionService{
		ServiceBase: service.NewServiceBase("retention", log),
		policy:      policy,
		interval:    interval,
	}
}

// Policy returns the enforced policy
func (s *RetentionService) Policy() *RetentionPolicy {
	return s.policy
}

// Start begins periodic enforcement. Passes with no limits set are no-ops,
// so limits enabled by a config reload take effect without a restart.
func (s *RetentionService) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Retention service started",
		"interval", s.interval,
		"enabled", s.policy.Limits().Enabled(),
	)
	return nil
}

// Stop stops periodic enforcement
func (s *RetentionService) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("Retention service stopped")
	return nil
}

// RunOnce performs a single enforcement pass and publishes what was pruned
func (s *RetentionService) RunOnce(ctx context.Context) (PruneResult, error) {
	result, err := s.policy.Enforce(ctx)
	if err != nil {
		return result, err
	}
	if result.Removed() > 0 {
		s.PublishEvent(service.EventTypeStoragePruned, map[string]interface{}{
			"removed":     result.Removed(),
			"expired":     result.Expired,
			"over_count":  result.OverCount,
			"over_disk":   result.OverDisk,
			"freed_bytes": result.FreedBytes,
		})
	}
	return result, nil
}

func (s *RetentionService) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RetentionService) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrEnforcing) {
		s.LogError("Retention pass failed", err)
	}
}
