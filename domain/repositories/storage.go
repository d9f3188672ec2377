package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
)

// ErrTaskNotFound is returned when a task id is unknown to the repository
var ErrTaskNotFound = errors.New("speech task not found")

// TaskRepository defines data access methods for speech tasks
type TaskRepository interface {
	Create(ctx context.Context, task *entities.SpeechTask) error
	GetByID(ctx context.Context, id string) (*entities.SpeechTask, error)
	// Update stores the final state of a task
	Update(ctx context.Context, task *entities.SpeechTask) error
	// UsageSince aggregates the successful usage of a user since the given time
	UsageSince(ctx context.Context, userID string, since time.Time) (entities.Usage, error)
	// ExpireStale marks running tasks created before cutoff as expired
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)
}

// QuotaRepository defines data access methods for user quotas
type QuotaRepository interface {
	// GetQuota returns the quota of a user, falling back to the default quota
	GetQuota(ctx context.Context, userID string) (entities.UserQuota, error)
	SetQuota(ctx context.Context, quota entities.UserQuota) error
}
