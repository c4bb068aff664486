package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same transactional semantics
// as the MongoDB implementation. It backs tests and single-binary runs.
type MemoryStore struct {
	mu        sync.Mutex
	documents map[string]*DocumentRecord
	snapshots map[string][]*SnapshotRecord
	updates   map[string][]*UpdateRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*DocumentRecord),
		snapshots: make(map[string][]*SnapshotRecord),
		updates:   make(map[string][]*UpdateRecord),
	}
}

// CreateWithSnapshot registers the document and its initial snapshot at
// sequence 0; both or neither.
func (s *MemoryStore) CreateWithSnapshot(ctx context.Context, docID, toolType string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[docID]; exists {
		return ErrDocumentExists
	}

	now := time.Now()
	s.documents[docID] = &DocumentRecord{ID: docID, ToolType: toolType, CreatedAt: now}
	s.snapshots[docID] = append(s.snapshots[docID], &SnapshotRecord{
		DocID:     docID,
		Seq:       0,
		Snapshot:  append([]byte(nil), snapshot...),
		CreatedAt: now,
	})
	return nil
}

// GetDocument returns the registration row for docID, or nil.
func (s *MemoryStore) GetDocument(ctx context.Context, docID string) (*DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.documents[docID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// AppendUpdate appends one update at seq.
func (s *MemoryStore) AppendUpdate(ctx context.Context, docID string, seq int64, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates[docID] = append(s.updates[docID], &UpdateRecord{
		DocID:     docID,
		Seq:       seq,
		Update:    append([]byte(nil), update...),
		CreatedAt: time.Now(),
	})
	return nil
}

// InsertSnapshot writes a full snapshot at seq.
func (s *MemoryStore) InsertSnapshot(ctx context.Context, docID string, seq int64, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[docID] = append(s.snapshots[docID], &SnapshotRecord{
		DocID:     docID,
		Seq:       seq,
		Snapshot:  append([]byte(nil), snapshot...),
		CreatedAt: time.Now(),
	})
	return nil
}

// LatestSnapshot returns the snapshot with the highest seq, or nil.
func (s *MemoryStore) LatestSnapshot(ctx context.Context, docID string) (*SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.snapshots[docID]
	if len(records) == 0 {
		return nil, nil
	}

	latest := records[0]
	for _, record := range records[1:] {
		if record.Seq > latest.Seq {
			latest = record
		}
	}
	copied := *latest
	return &copied, nil
}

// UpdatesAfter returns all updates with seq > afterSeq in ascending order.
func (s *MemoryStore) UpdatesAfter(ctx context.Context, docID string, afterSeq int64) ([]*UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UpdateRecord
	for _, record := range s.updates[docID] {
		if record.Seq > afterSeq {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SnapshotSeqs returns the snapshot sequence numbers for docID, descending.
func (s *MemoryStore) SnapshotSeqs(ctx context.Context, docID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make([]int64, 0, len(s.snapshots[docID]))
	for _, record := range s.snapshots[docID] {
		seqs = append(seqs, record.Seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	return seqs, nil
}

// CompactAfterSnapshot deletes updates with seq <= snapshotSeq and retains
// only the keepSnapshots newest snapshots.
func (s *MemoryStore) CompactAfterSnapshot(ctx context.Context, docID string, snapshotSeq int64, keepSnapshots int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*UpdateRecord
	for _, record := range s.updates[docID] {
		if record.Seq > snapshotSeq {
			kept = append(kept, record)
		}
	}
	s.updates[docID] = kept

	records := s.snapshots[docID]
	if len(records) < keepSnapshots {
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq > records[j].Seq })
	cutoff := records[keepSnapshots-1].Seq

	var survivors []*SnapshotRecord
	for _, record := range records {
		if record.Seq >= cutoff {
			survivors = append(survivors, record)
		}
	}
	s.snapshots[docID] = survivors
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
