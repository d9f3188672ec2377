package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// TestRepositories_Integration requires a running MongoDB instance
// (skipped if MONGODB_URI is not set)
func TestRepositories_Integration(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewClient(ctx, mongoURI, "momei_speech_test", logger)
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		_ = client.Database.Drop(ctx)
		_ = client.Close(ctx)
	}()

	tasks := NewTaskRepository(client.Database, logger)
	quotas := NewQuotaRepository(client.Database, entities.UserQuota{DailyTTSChars: 500}, logger)

	t.Run("CreateAndGetTask", func(t *testing.T) {
		task := entities.NewSpeechTask("", "user-001", entities.TaskKindTTS, "volcengine", 12)
		if err := tasks.Create(ctx, task); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		if task.ID == "" {
			t.Fatal("Expected generated task ID")
		}

		retrieved, err := tasks.GetByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if retrieved.Status != entities.TaskStatusRunning {
			t.Errorf("Expected status %s, got %s", entities.TaskStatusRunning, retrieved.Status)
		}
	})

	t.Run("GetUnknownTask", func(t *testing.T) {
		_, err := tasks.GetByID(ctx, "missing")
		if !errors.Is(err, repositories.ErrTaskNotFound) {
			t.Errorf("Expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("UsageSince", func(t *testing.T) {
		since := time.Now().Add(-time.Minute)

		tts := entities.NewSpeechTask("", "user-002", entities.TaskKindTTS, "volcengine", 40)
		asr := entities.NewSpeechTask("", "user-002", entities.TaskKindASR, "volcengine", 9000)
		failed := entities.NewSpeechTask("", "user-002", entities.TaskKindTTS, "volcengine", 100)
		for _, task := range []*entities.SpeechTask{tts, asr, failed} {
			if err := tasks.Create(ctx, task); err != nil {
				t.Fatalf("Failed to create task: %v", err)
			}
		}
		tts.Complete(2048, 0)
		asr.Complete(11, 1.5)
		failed.Fail(0, errors.New("boom"))
		for _, task := range []*entities.SpeechTask{tts, asr, failed} {
			if err := tasks.Update(ctx, task); err != nil {
				t.Fatalf("Failed to update task: %v", err)
			}
		}

		usage, err := tasks.UsageSince(ctx, "user-002", since)
		if err != nil {
			t.Fatalf("Failed to aggregate usage: %v", err)
		}
		if usage.TTSChars != 40 {
			t.Errorf("Expected 40 chars, got %d", usage.TTSChars)
		}
		if usage.ASRSeconds != 1.5 {
			t.Errorf("Expected 1.5 seconds, got %f", usage.ASRSeconds)
		}
	})

	t.Run("ExpireStale", func(t *testing.T) {
		task := entities.NewSpeechTask("", "user-003", entities.TaskKindASR, "volcengine", 10)
		task.CreatedAt = time.Now().Add(-2 * time.Hour)
		if err := tasks.Create(ctx, task); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}

		n, err := tasks.ExpireStale(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("Failed to expire tasks: %v", err)
		}
		if n < 1 {
			t.Errorf("Expected at least one expired task, got %d", n)
		}

		expired, err := tasks.GetByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("Failed to get expired task: %v", err)
		}
		if expired.Status != entities.TaskStatusExpired {
			t.Errorf("Expected status %s, got %s", entities.TaskStatusExpired, expired.Status)
		}
	})

	t.Run("QuotaDefaultsAndOverride", func(t *testing.T) {
		quota, err := quotas.GetQuota(ctx, "user-004")
		if err != nil {
			t.Fatalf("Failed to get quota: %v", err)
		}
		if quota.DailyTTSChars != 500 || quota.UserID != "user-004" {
			t.Errorf("Expected default quota for user-004, got %+v", quota)
		}

		if err := quotas.SetQuota(ctx, entities.UserQuota{UserID: "user-004", DailyTTSChars: 10}); err != nil {
			t.Fatalf("Failed to set quota: %v", err)
		}
		quota, err = quotas.GetQuota(ctx, "user-004")
		if err != nil {
			t.Fatalf("Failed to get quota: %v", err)
		}
		if quota.DailyTTSChars != 10 {
			t.Errorf("Expected 10 chars, got %d", quota.DailyTTSChars)
		}
	})
}
