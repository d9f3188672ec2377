package entities

import (
	"errors"
	"time"
)

// TaskKind identifies which speech operation a task recorded
type TaskKind string

const (
	TaskKindASR TaskKind = "asr"
	TaskKindTTS TaskKind = "tts"
)

// TaskStatus represents the status of a speech task
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// SpeechTask records one recognition or synthesis call for usage accounting
type SpeechTask struct {
	ID       string     `json:"id" bson:"_id"`
	UserID   string     `json:"user_id" bson:"user_id"`
	Kind     TaskKind   `json:"kind" bson:"kind"`
	Provider string     `json:"provider" bson:"provider"`
	Status   TaskStatus `json:"status" bson:"status"`

	// InputSize is characters for synthesis and audio bytes for recognition.
	InputSize int `json:"input_size" bson:"input_size"`
	// OutputSize is audio bytes for synthesis and characters for recognition.
	OutputSize   int     `json:"output_size" bson:"output_size"`
	AudioSeconds float64 `json:"audio_seconds" bson:"audio_seconds"`
	Error        string  `json:"error,omitempty" bson:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// NewSpeechTask creates a running task for a user
func NewSpeechTask(id, userID string, kind TaskKind, provider string, inputSize int) *SpeechTask {
	return &SpeechTask{
		ID:        id,
		UserID:    userID,
		Kind:      kind,
		Provider:  provider,
		Status:    TaskStatusRunning,
		InputSize: inputSize,
		CreatedAt: time.Now(),
	}
}

// Complete marks the task as succeeded with its measured output
func (t *SpeechTask) Complete(outputSize int, audioSeconds float64) {
	now := time.Now()
	t.Status = TaskStatusSucceeded
	t.OutputSize = outputSize
	t.AudioSeconds = audioSeconds
	t.CompletedAt = &now
}

// Fail marks the task as failed. Output produced before the failure is kept.
func (t *SpeechTask) Fail(outputSize int, err error) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.OutputSize = outputSize
	if err != nil {
		t.Error = err.Error()
	}
	t.CompletedAt = &now
}

// Expire marks a task that never finished
func (t *SpeechTask) Expire() {
	now := time.Now()
	t.Status = TaskStatusExpired
	t.CompletedAt = &now
}

// IsStale reports whether a running task started before cutoff
func (t *SpeechTask) IsStale(cutoff time.Time) bool {
	return t.Status == TaskStatusRunning && t.CreatedAt.Before(cutoff)
}

// Validate validates the task data
func (t *SpeechTask) Validate() error {
	if t.UserID == "" {
		return errors.New("user_id is required")
	}

	if t.Kind != TaskKindASR && t.Kind != TaskKindTTS {
		return errors.New("invalid task kind")
	}

	switch t.Status {
	case TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusExpired:
	default:
		return errors.New("invalid task status")
	}

	return nil
}
