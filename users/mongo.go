package users

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoDirectory resolves users from a mongodb collection.
type MongoDirectory struct {
	collection *mongo.Collection
}

// NewMongoDirectory creates a directory over db.
func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{collection: db.Collection("users")}
}

// GetByID implements Directory.
func (d *MongoDirectory) GetByID(ctx context.Context, userID string) (*User, error) {
	var u User
	err := d.collection.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user %s: %w", userID, err)
	}
	return &u, nil
}
