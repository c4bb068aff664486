package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// MongoService stores instances in a mongodb collection and implements
// Resolver.
type MongoService struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoService creates an instance service over db.
func NewMongoService(db *mongo.Database, logger *zap.Logger) *MongoService {
	return &MongoService{
		collection: db.Collection("instances"),
		logger:     logger,
	}
}

// Create registers a new instance backed by a fresh document id.
func (s *MongoService) Create(ctx context.Context, toolType, ownerUserID string) (*Instance, error) {
	inst := &Instance{
		ID:          uuid.NewString(),
		ToolType:    toolType,
		DocID:       uuid.NewString(),
		OwnerUserID: ownerUserID,
		CreatedAt:   time.Now(),
	}
	if _, err := s.collection.InsertOne(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	s.logger.Info("Instance created",
		zap.String("instance_id", inst.ID),
		zap.String("tool_type", toolType),
		zap.String("doc_id", inst.DocID))
	return inst, nil
}

// GetDocByInstanceID implements Resolver. Archived instances resolve to
// (nil, nil).
func (s *MongoService) GetDocByInstanceID(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := s.collection.FindOne(ctx, bson.M{
		"_id":         instanceID,
		"archived_at": bson.M{"$exists": false},
	}).Decode(&inst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance %s: %w", instanceID, err)
	}
	return &inst, nil
}

// Archive marks an instance archived.
func (s *MongoService) Archive(ctx context.Context, instanceID string) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": instanceID},
		bson.M{"$set": bson.M{"archived_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to archive instance %s: %w", instanceID, err)
	}
	return nil
}
