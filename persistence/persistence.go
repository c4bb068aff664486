// Package persistence loads and stores CRDT documents on top of the update
// log: a document is reconstructed by replaying the newest snapshot plus
// every later update, and stays loadable in bounded time because snapshots
// are followed by compaction.
package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"collabengine/crdt"
	"collabengine/docstore"
)

// DefaultKeepSnapshots is the number of snapshots retained per document
// after compaction.
const DefaultKeepSnapshots = 5

// LoadResult is a reconstructed document and the highest sequence number
// applied to it.
type LoadResult struct {
	Doc *crdt.Document
	Seq int64
}

// Service persists documents as snapshots plus incremental updates.
type Service struct {
	store         docstore.Store
	keepSnapshots int
	logger        *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithKeepSnapshots overrides the snapshot retention count.
func WithKeepSnapshots(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.keepSnapshots = n
		}
	}
}

// NewService creates a persistence service over the given store.
func NewService(store docstore.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		keepSnapshots: DefaultKeepSnapshots,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadDocument reconstructs docID from its newest snapshot and subsequent
// updates. Returns nil when no snapshot exists (the document was never
// persisted).
func (s *Service) LoadDocument(ctx context.Context, docID string) (*LoadResult, error) {
	snapshot, err := s.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, nil
	}

	records, err := s.store.UpdatesAfter(ctx, docID, snapshot.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to load updates: %w", err)
	}

	updates := make([][]byte, len(records))
	seq := snapshot.Seq
	for i, record := range records {
		updates[i] = record.Update
		seq = record.Seq
	}

	doc, err := crdt.LoadDocument(snapshot.Snapshot, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct document %s: %w", docID, err)
	}

	s.logger.Debug("Document loaded",
		zap.String("doc_id", docID),
		zap.Int64("snapshot_seq", snapshot.Seq),
		zap.Int("replayed_updates", len(records)),
		zap.Int64("seq", seq))

	return &LoadResult{Doc: doc, Seq: seq}, nil
}

// PersistInitialSnapshot registers the document and writes its initial
// snapshot at sequence 0 atomically.
func (s *Service) PersistInitialSnapshot(ctx context.Context, docID, toolType string, doc *crdt.Document) error {
	if err := s.store.CreateWithSnapshot(ctx, docID, toolType, doc.EncodeFullState()); err != nil {
		return fmt.Errorf("failed to persist initial snapshot: %w", err)
	}
	return nil
}

// GetDocument returns the document record for docID, or nil when the
// document was never created.
func (s *Service) GetDocument(ctx context.Context, docID string) (*docstore.DocumentRecord, error) {
	return s.store.GetDocument(ctx, docID)
}

// AppendUpdate durably appends one update at seq. Callers serialize
// appends per document and never reuse a sequence number.
func (s *Service) AppendUpdate(ctx context.Context, docID string, seq int64, update []byte) error {
	return s.store.AppendUpdate(ctx, docID, seq, update)
}

// CreateSnapshot writes a full snapshot of doc at seq and compacts the
// update log behind it.
func (s *Service) CreateSnapshot(ctx context.Context, docID string, seq int64, doc *crdt.Document) error {
	if err := s.store.InsertSnapshot(ctx, docID, seq, doc.EncodeFullState()); err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := s.CompactAfterSnapshot(ctx, docID, seq, s.keepSnapshots); err != nil {
		return err
	}
	return nil
}

// CompactAfterSnapshot deletes updates covered by the snapshot at
// snapshotSeq and prunes old snapshots beyond keepSnapshots. Idempotent.
func (s *Service) CompactAfterSnapshot(ctx context.Context, docID string, snapshotSeq int64, keepSnapshots int) error {
	if err := s.store.CompactAfterSnapshot(ctx, docID, snapshotSeq, keepSnapshots); err != nil {
		return fmt.Errorf("failed to compact after snapshot: %w", err)
	}
	return nil
}
