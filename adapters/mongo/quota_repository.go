package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// QuotaRepository implements repositories.QuotaRepository using MongoDB.
// Users without a stored document get the default quota.
type QuotaRepository struct {
	collection *mongo.Collection
	defaults   entities.UserQuota
	logger     *zap.Logger
}

// NewQuotaRepository creates a new MongoDB quota repository
func NewQuotaRepository(db *mongo.Database, defaults entities.UserQuota, logger *zap.Logger) *QuotaRepository {
	return &QuotaRepository{
		collection: db.Collection("user_quotas"),
		defaults:   defaults,
		logger:     logger,
	}
}

var _ repositories.QuotaRepository = (*QuotaRepository)(nil)

// GetQuota returns the stored quota of a user or the default one
func (r *QuotaRepository) GetQuota(ctx context.Context, userID string) (entities.UserQuota, error) {
	var quota entities.UserQuota
	err := r.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&quota)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			quota = r.defaults
			quota.UserID = userID
			return quota, nil
		}
		r.logger.Error("Failed to get quota", zap.Error(err), zap.String("userID", userID))
		return entities.UserQuota{}, err
	}
	return quota, nil
}

// SetQuota stores the quota of a user
func (r *QuotaRepository) SetQuota(ctx context.Context, quota entities.UserQuota) error {
	if quota.UserID == "" {
		return errors.New("user ID cannot be empty")
	}

	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": quota.UserID}, quota, options.Replace().SetUpsert(true))
	if err != nil {
		r.logger.Error("Failed to set quota", zap.Error(err), zap.String("userID", quota.UserID))
		return err
	}
	return nil
}
