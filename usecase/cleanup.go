package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
)

// TaskCleanupService expires tasks that were left running, for example by
// a process restart in the middle of a synthesis
type TaskCleanupService struct {
	tasks    repositories.TaskRepository
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewTaskCleanupService creates a new task cleanup service
func NewTaskCleanupService(
	tasks repositories.TaskRepository,
	ttl, interval time.Duration,
	collector *metrics.Collector,
	logger *zap.Logger,
) *TaskCleanupService {
	return &TaskCleanupService{
		tasks:    tasks,
		ttl:      ttl,
		interval: interval,
		metrics:  collector,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *TaskCleanupService) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.cleanupLoop()
	s.logger.Info("Task cleanup service started",
		zap.Duration("ttl", s.ttl),
		zap.Duration("interval", s.interval))
}

// Stop stops the cleanup loop and waits for a running pass to finish
func (s *TaskCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.started.Load() {
			<-s.done
		}
		s.logger.Info("Task cleanup service stopped")
	})
}

func (s *TaskCleanupService) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce expires every running task older than the TTL and returns how
// many were expired
func (s *TaskCleanupService) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.ttl)
	n, err := s.tasks.ExpireStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to expire tasks", zap.Error(err))
		return 0
	}

	s.metrics.RecordExpiredTasks(n)
	if n > 0 {
		s.logger.Info("Task cleanup completed", zap.Int("expired", n))
	}
	return n
}
