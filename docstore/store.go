// Package docstore is the durable update log: append-only binary updates
// and full snapshots keyed by (document id, sequence number), plus one
// registration row per document. Any engine with transactional multi-row
// writes and range queries can implement Store; the production
// implementation is MongoDB, and a memory implementation backs tests and
// single-binary runs.
package docstore

import (
	"context"
	"errors"
	"time"
)

// ErrDocumentExists is returned when registering an already known document.
var ErrDocumentExists = errors.New("document already exists")

// DocumentRecord registers a document's existence and owning tool type.
type DocumentRecord struct {
	ID        string    `bson:"_id"`
	ToolType  string    `bson:"tool_type"`
	CreatedAt time.Time `bson:"created_at"`
}

// SnapshotRecord is one immutable full encoding of a document's state as of
// a sequence number.
type SnapshotRecord struct {
	DocID     string    `bson:"doc_id"`
	Seq       int64     `bson:"seq"`
	Snapshot  []byte    `bson:"snapshot"`
	CreatedAt time.Time `bson:"created_at"`
}

// UpdateRecord is one immutable incremental update at a sequence number.
type UpdateRecord struct {
	DocID     string    `bson:"doc_id"`
	Seq       int64     `bson:"seq"`
	Update    []byte    `bson:"update"`
	CreatedAt time.Time `bson:"created_at"`
}

// Store is the durable storage contract. Lookup methods return nil (not an
// error) when nothing matches.
type Store interface {
	// CreateWithSnapshot atomically registers a document and writes its
	// initial snapshot at sequence 0. Either both rows exist afterwards or
	// neither does.
	CreateWithSnapshot(ctx context.Context, docID, toolType string, snapshot []byte) error

	// GetDocument returns the registration row for docID, or nil.
	GetDocument(ctx context.Context, docID string) (*DocumentRecord, error)

	// AppendUpdate durably appends one update. The caller guarantees seq
	// strictly increases per document and is never reused.
	AppendUpdate(ctx context.Context, docID string, seq int64, update []byte) error

	// InsertSnapshot durably writes a full snapshot at seq.
	InsertSnapshot(ctx context.Context, docID string, seq int64, snapshot []byte) error

	// LatestSnapshot returns the snapshot with the highest seq, or nil.
	LatestSnapshot(ctx context.Context, docID string) (*SnapshotRecord, error)

	// UpdatesAfter returns all updates with seq > afterSeq, ascending.
	UpdatesAfter(ctx context.Context, docID string, afterSeq int64) ([]*UpdateRecord, error)

	// SnapshotSeqs returns the sequence numbers of all snapshots for docID,
	// descending.
	SnapshotSeqs(ctx context.Context, docID string) ([]int64, error)

	// CompactAfterSnapshot deletes, in one transaction, every update with
	// seq <= snapshotSeq and every snapshot older than the keepSnapshots-th
	// newest. Safe to retry: re-running with the same arguments deletes
	// nothing additional.
	CompactAfterSnapshot(ctx context.Context, docID string, snapshotSeq int64, keepSnapshots int) error

	// Close releases the store's resources.
	Close(ctx context.Context) error
}
