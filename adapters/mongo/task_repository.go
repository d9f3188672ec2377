package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// TaskRepository implements repositories.TaskRepository using MongoDB
type TaskRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewTaskRepository creates a new MongoDB task repository
func NewTaskRepository(db *mongo.Database, logger *zap.Logger) *TaskRepository {
	collection := db.Collection("speech_tasks")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// usage aggregation per user and day
		userIndex := mongo.IndexModel{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		}

		// stale task cleanup
		statusIndex := mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: 1},
			},
		}

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{userIndex, statusIndex})
		if err != nil {
			logger.Error("Failed to create task indexes", zap.Error(err))
		} else {
			logger.Info("Task indexes created successfully")
		}
	}()

	return &TaskRepository{
		collection: collection,
		logger:     logger,
	}
}

// Ensure TaskRepository implements the repository interface
var _ repositories.TaskRepository = (*TaskRepository)(nil)

// Create stores a new task
func (r *TaskRepository) Create(ctx context.Context, task *entities.SpeechTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if _, err := r.collection.InsertOne(ctx, task); err != nil {
		r.logger.Error("Failed to create task", zap.Error(err), zap.String("userID", task.UserID))
		return fmt.Errorf("failed to create task: %w", err)
	}

	r.logger.Debug("Task created",
		zap.String("taskID", task.ID),
		zap.String("kind", string(task.Kind)))
	return nil
}

// GetByID retrieves a task by its ID
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*entities.SpeechTask, error) {
	var task entities.SpeechTask
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrTaskNotFound
		}
		r.logger.Error("Failed to get task by ID", zap.Error(err), zap.String("taskID", id))
		return nil, err
	}
	return &task, nil
}

// Update replaces the stored state of a task
func (r *TaskRepository) Update(ctx context.Context, task *entities.SpeechTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		r.logger.Error("Failed to update task", zap.Error(err), zap.String("taskID", task.ID))
		return fmt.Errorf("failed to update task: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrTaskNotFound
	}

	r.logger.Debug("Task updated",
		zap.String("taskID", task.ID),
		zap.String("status", string(task.Status)))
	return nil
}

// usageRow is one line of the usage aggregation
type usageRow struct {
	Kind         entities.TaskKind `bson:"_id"`
	Chars        int               `bson:"chars"`
	AudioSeconds float64           `bson:"audio_seconds"`
}

// UsageSince sums successful usage of a user since the given time
func (r *TaskRepository) UsageSince(ctx context.Context, userID string, since time.Time) (entities.Usage, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"user_id":    userID,
			"status":     entities.TaskStatusSucceeded,
			"created_at": bson.M{"$gte": since},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":           "$kind",
			"chars":         bson.M{"$sum": "$input_size"},
			"audio_seconds": bson.M{"$sum": "$audio_seconds"},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		r.logger.Error("Failed to aggregate usage", zap.Error(err), zap.String("userID", userID))
		return entities.Usage{}, err
	}
	defer cursor.Close(ctx)

	var usage entities.Usage
	for cursor.Next(ctx) {
		var row usageRow
		if err := cursor.Decode(&row); err != nil {
			r.logger.Error("Failed to decode usage row", zap.Error(err))
			continue
		}
		switch row.Kind {
		case entities.TaskKindTTS:
			usage.TTSChars += row.Chars
		case entities.TaskKindASR:
			usage.ASRSeconds += row.AudioSeconds
		}
	}
	if err := cursor.Err(); err != nil {
		return entities.Usage{}, err
	}
	return usage, nil
}

// ExpireStale marks running tasks created before cutoff as expired
func (r *TaskRepository) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	filter := bson.M{
		"status":     entities.TaskStatusRunning,
		"created_at": bson.M{"$lt": cutoff},
	}
	update := bson.M{
		"$set": bson.M{
			"status":       entities.TaskStatusExpired,
			"completed_at": time.Now(),
		},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		r.logger.Error("Failed to expire tasks", zap.Error(err))
		return 0, err
	}

	if result.ModifiedCount > 0 {
		r.logger.Info("Expired stale tasks", zap.Int64("count", result.ModifiedCount))
	}
	return int(result.ModifiedCount), nil
}
