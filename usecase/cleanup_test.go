package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CaoMeiYouRen/momei-speech/adapters/memory"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
)

func TestTaskCleanupService_RunOnce(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tasks := memory.NewTaskRepository()
	ctx := context.Background()

	stale := entities.NewSpeechTask("", "user-1", entities.TaskKindTTS, "mock", 3)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	fresh := entities.NewSpeechTask("", "user-1", entities.TaskKindTTS, "mock", 3)
	require.NoError(t, tasks.Create(ctx, stale))
	require.NoError(t, tasks.Create(ctx, fresh))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg, logger)

	service := NewTaskCleanupService(tasks, 10*time.Minute, time.Hour, collector, logger)
	assert.Equal(t, 1, service.RunOnce(ctx))
	assert.Equal(t, 0, service.RunOnce(ctx))

	got, err := tasks.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TaskStatusExpired, got.Status)

	got, err = tasks.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.TaskStatusRunning, got.Status)

	expected := `
# HELP test_speech_tasks_expired_total Total number of running tasks expired by the cleanup service
# TYPE test_speech_tasks_expired_total counter
test_speech_tasks_expired_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_speech_tasks_expired_total"))
}

type failingTasks struct {
	*memory.TaskRepository
}

func (failingTasks) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, errors.New("database unavailable")
}

func TestTaskCleanupService_RepositoryError(t *testing.T) {
	logger := zaptest.NewLogger(t)
	service := NewTaskCleanupService(failingTasks{memory.NewTaskRepository()}, time.Minute, time.Hour, nil, logger)

	assert.Equal(t, 0, service.RunOnce(context.Background()))
}

func TestTaskCleanupService_Loop(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tasks := memory.NewTaskRepository()
	ctx := context.Background()

	stale := entities.NewSpeechTask("", "user-1", entities.TaskKindASR, "mock", 3)
	stale.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, tasks.Create(ctx, stale))

	service := NewTaskCleanupService(tasks, time.Minute, 10*time.Millisecond, nil, logger)
	service.Start()

	assert.Eventually(t, func() bool {
		got, err := tasks.GetByID(ctx, stale.ID)
		return err == nil && got.Status == entities.TaskStatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	service.Stop()
	service.Stop()
}

func TestTaskCleanupService_StopWithoutStart(t *testing.T) {
	service := NewTaskCleanupService(memory.NewTaskRepository(), time.Minute, time.Hour, nil, zaptest.NewLogger(t))
	service.Stop()
}
