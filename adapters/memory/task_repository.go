package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// TaskRepository is an in-memory implementation of repositories.TaskRepository.
// It is used when no MongoDB URI is configured.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*entities.SpeechTask // id -> task mapping
	users map[string][]string             // user_id -> task ids
}

// NewTaskRepository creates a new in-memory task repository
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		tasks: make(map[string]*entities.SpeechTask),
		users: make(map[string][]string),
	}
}

var _ repositories.TaskRepository = (*TaskRepository)(nil)

// Create implements TaskRepository interface
func (m *TaskRepository) Create(ctx context.Context, task *entities.SpeechTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := m.tasks[task.ID]; exists {
		return errors.New("task with this ID already exists")
	}

	taskCopy := *task
	m.tasks[task.ID] = &taskCopy
	m.users[task.UserID] = append(m.users[task.UserID], task.ID)
	return nil
}

// GetByID implements TaskRepository interface
func (m *TaskRepository) GetByID(ctx context.Context, id string) (*entities.SpeechTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[id]
	if !exists {
		return nil, repositories.ErrTaskNotFound
	}

	// Return a copy to prevent external modifications
	taskCopy := *task
	return &taskCopy, nil
}

// Update implements TaskRepository interface
func (m *TaskRepository) Update(ctx context.Context, task *entities.SpeechTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.tasks[task.ID]
	if !exists {
		return repositories.ErrTaskNotFound
	}

	taskCopy := *task
	taskCopy.UserID = existing.UserID
	taskCopy.CreatedAt = existing.CreatedAt
	m.tasks[task.ID] = &taskCopy
	return nil
}

// UsageSince implements TaskRepository interface
func (m *TaskRepository) UsageSince(ctx context.Context, userID string, since time.Time) (entities.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var usage entities.Usage
	for _, id := range m.users[userID] {
		task := m.tasks[id]
		if task.Status != entities.TaskStatusSucceeded || task.CreatedAt.Before(since) {
			continue
		}
		switch task.Kind {
		case entities.TaskKindTTS:
			usage.TTSChars += task.InputSize
		case entities.TaskKindASR:
			usage.ASRSeconds += task.AudioSeconds
		}
	}
	return usage, nil
}

// ExpireStale implements TaskRepository interface
func (m *TaskRepository) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, task := range m.tasks {
		if task.IsStale(cutoff) {
			task.Expire()
			count++
		}
	}
	return count, nil
}

// QuotaRepository is an in-memory implementation of repositories.QuotaRepository
type QuotaRepository struct {
	mu       sync.RWMutex
	quotas   map[string]entities.UserQuota
	defaults entities.UserQuota
}

// NewQuotaRepository creates a quota repository that hands out defaults to
// users without an explicit quota
func NewQuotaRepository(defaults entities.UserQuota) *QuotaRepository {
	return &QuotaRepository{
		quotas:   make(map[string]entities.UserQuota),
		defaults: defaults,
	}
}

var _ repositories.QuotaRepository = (*QuotaRepository)(nil)

// GetQuota implements QuotaRepository interface
func (m *QuotaRepository) GetQuota(ctx context.Context, userID string) (entities.UserQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if quota, exists := m.quotas[userID]; exists {
		return quota, nil
	}
	quota := m.defaults
	quota.UserID = userID
	return quota, nil
}

// SetQuota implements QuotaRepository interface
func (m *QuotaRepository) SetQuota(ctx context.Context, quota entities.UserQuota) error {
	if quota.UserID == "" {
		return errors.New("user ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.quotas[quota.UserID] = quota
	return nil
}
