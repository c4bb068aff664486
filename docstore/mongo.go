package docstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoStore is the MongoDB implementation of Store. Documents, snapshots,
// and updates live in three collections; snapshots and updates carry a
// unique compound (doc_id, seq) index.
type MongoStore struct {
	documents *mongo.Collection
	snapshots *mongo.Collection
	updates   *mongo.Collection
	client    *mongo.Client
	logger    *zap.Logger
}

// NewMongoStore creates a MongoStore on the given database and ensures its
// indexes exist. The mongo client's lifecycle stays with the caller.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string, logger *zap.Logger) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		documents: db.Collection("documents"),
		snapshots: db.Collection("document_snapshots"),
		updates:   db.Collection("document_updates"),
		client:    client,
		logger:    logger,
	}

	compound := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "doc_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := s.snapshots.Indexes().CreateMany(ctx, compound); err != nil {
		return nil, fmt.Errorf("failed to create snapshot indexes: %w", err)
	}
	if _, err := s.updates.Indexes().CreateMany(ctx, compound); err != nil {
		return nil, fmt.Errorf("failed to create update indexes: %w", err)
	}

	return s, nil
}

// CreateWithSnapshot atomically registers the document and its initial
// snapshot at sequence 0 in one transaction.
func (s *MongoStore) CreateWithSnapshot(ctx context.Context, docID, toolType string, snapshot []byte) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		now := time.Now()
		if _, err := s.documents.InsertOne(sc, &DocumentRecord{
			ID:        docID,
			ToolType:  toolType,
			CreatedAt: now,
		}); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDocumentExists
			}
			return nil, fmt.Errorf("failed to insert document: %w", err)
		}
		if _, err := s.snapshots.InsertOne(sc, &SnapshotRecord{
			DocID:     docID,
			Seq:       0,
			Snapshot:  snapshot,
			CreatedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("failed to insert initial snapshot: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Document registered",
		zap.String("doc_id", docID),
		zap.String("tool_type", toolType))
	return nil
}

// GetDocument returns the registration row for docID, or nil.
func (s *MongoStore) GetDocument(ctx context.Context, docID string) (*DocumentRecord, error) {
	var record DocumentRecord
	err := s.documents.FindOne(ctx, bson.M{"_id": docID}).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return &record, nil
}

// AppendUpdate durably appends one update at seq.
func (s *MongoStore) AppendUpdate(ctx context.Context, docID string, seq int64, update []byte) error {
	_, err := s.updates.InsertOne(ctx, &UpdateRecord{
		DocID:     docID,
		Seq:       seq,
		Update:    update,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}

	s.logger.Debug("Update appended",
		zap.String("doc_id", docID),
		zap.Int64("seq", seq),
		zap.Int("size", len(update)))
	return nil
}

// InsertSnapshot durably writes a full snapshot at seq.
func (s *MongoStore) InsertSnapshot(ctx context.Context, docID string, seq int64, snapshot []byte) error {
	_, err := s.snapshots.InsertOne(ctx, &SnapshotRecord{
		DocID:     docID,
		Seq:       seq,
		Snapshot:  snapshot,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	s.logger.Info("Snapshot created",
		zap.String("doc_id", docID),
		zap.Int64("seq", seq),
		zap.Int("size", len(snapshot)))
	return nil
}

// LatestSnapshot returns the snapshot with the highest seq, or nil.
func (s *MongoStore) LatestSnapshot(ctx context.Context, docID string) (*SnapshotRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})

	var record SnapshotRecord
	err := s.snapshots.FindOne(ctx, bson.M{"doc_id": docID}, opts).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find snapshot: %w", err)
	}
	return &record, nil
}

// UpdatesAfter returns all updates with seq > afterSeq in ascending order.
func (s *MongoStore) UpdatesAfter(ctx context.Context, docID string, afterSeq int64) ([]*UpdateRecord, error) {
	filter := bson.M{
		"doc_id": docID,
		"seq":    bson.M{"$gt": afterSeq},
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})

	cursor, err := s.updates.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find updates: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*UpdateRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return records, nil
}

// SnapshotSeqs returns the snapshot sequence numbers for docID, descending.
func (s *MongoStore) SnapshotSeqs(ctx context.Context, docID string) ([]int64, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetProjection(bson.M{"seq": 1})

	cursor, err := s.snapshots.Find(ctx, bson.M{"doc_id": docID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var seqs []int64
	for cursor.Next(ctx) {
		var row struct {
			Seq int64 `bson:"seq"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot row: %w", err)
		}
		seqs = append(seqs, row.Seq)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return seqs, nil
}

// CompactAfterSnapshot deletes updates covered by the snapshot at
// snapshotSeq and prunes snapshots beyond the keepSnapshots newest, in one
// transaction.
func (s *MongoStore) CompactAfterSnapshot(ctx context.Context, docID string, snapshotSeq int64, keepSnapshots int) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		deleted, err := s.updates.DeleteMany(sc, bson.M{
			"doc_id": docID,
			"seq":    bson.M{"$lte": snapshotSeq},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to delete updates: %w", err)
		}

		seqs, err := s.SnapshotSeqs(sc, docID)
		if err != nil {
			return nil, err
		}
		if len(seqs) < keepSnapshots {
			s.logger.Debug("Compaction finished",
				zap.String("doc_id", docID),
				zap.Int64("deleted_updates", deleted.DeletedCount))
			return nil, nil
		}

		cutoff := seqs[keepSnapshots-1]
		pruned, err := s.snapshots.DeleteMany(sc, bson.M{
			"doc_id": docID,
			"seq":    bson.M{"$lt": cutoff},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to delete snapshots: %w", err)
		}

		s.logger.Info("Compaction finished",
			zap.String("doc_id", docID),
			zap.Int64("snapshot_seq", snapshotSeq),
			zap.Int64("deleted_updates", deleted.DeletedCount),
			zap.Int64("deleted_snapshots", pruned.DeletedCount))
		return nil, nil
	})
	return err
}

// Close is a no-op: the mongo client is managed by the caller.
func (s *MongoStore) Close(ctx context.Context) error {
	return nil
}
