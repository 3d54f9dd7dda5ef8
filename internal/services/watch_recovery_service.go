package services

import (
	"context"
	"log/slog"
	"time"
)

// WatchRecoveryService re-registers poll jobs for incomplete tasks that are not watched,
// typically after a restart.
type WatchRecoveryService interface {
	Start(ctx context.Context)
}

type watchRecoveryService struct {
	analysis AnalysisService
	logger   *slog.Logger
	interval time.Duration
}

func NewWatchRecoveryService(analysis AnalysisService, logger *slog.Logger, intervalSeconds int) WatchRecoveryService {
	if intervalSeconds <= 0 {
		intervalSeconds = 300
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &watchRecoveryService{
		analysis: analysis,
		logger:   logger,
		interval: time.Duration(intervalSeconds) * time.Second,
	}
}

// Start runs one recovery pass right away and then one per interval until ctx is done.
func (s *watchRecoveryService) Start(ctx context.Context) {
	s.recover(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recover(ctx)
		}
	}
}

func (s *watchRecoveryService) recover(ctx context.Context) {
	if _, err := s.analysis.RecoverPending(ctx); err != nil {
		s.logger.Warn("watch recovery failed", "err", err)
	}
}
