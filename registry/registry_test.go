package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabengine/crdt"
	"collabengine/docstore"
	"collabengine/persistence"
	"collabengine/tool"
)

type counterTool struct {
	policy tool.SnapshotPolicy
}

func (c *counterTool) Type() string { return "counter" }

func (c *counterTool) InitDocument(ctx context.Context) (*crdt.Document, error) {
	doc := crdt.NewDocument()
	err := doc.Update(func(d *automerge.Doc) error {
		return d.Path("n").Set(int64(0))
	}, nil)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *counterTool) SnapshotPolicy() tool.SnapshotPolicy { return c.policy }

func newTestRegistry(t *testing.T, policy tool.SnapshotPolicy, opts ...Option) (*Registry, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	svc := persistence.NewService(store, zap.NewNop())
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(&counterTool{policy: policy}))
	r := NewRegistry(svc, tools, zap.NewNop(), opts...)
	t.Cleanup(r.Close)
	return r, store
}

func loosePolicy() tool.SnapshotPolicy {
	return tool.SnapshotPolicy{MaxUpdates: 1000, MaxInterval: time.Hour}
}

func setCounter(t *testing.T, doc *crdt.Document, v int64) {
	t.Helper()
	err := doc.Update(func(d *automerge.Doc) error {
		return d.Path("n").Set(v)
	}, nil)
	require.NoError(t, err)
}

func readCounter(t *testing.T, doc *crdt.Document) int64 {
	t.Helper()
	var v int64
	err := doc.Read(func(d *automerge.Doc) error {
		got, err := automerge.As[int64](d.Path("n").Get())
		v = got
		return err
	})
	require.NoError(t, err)
	return v
}

func TestAcquire_CreatesDocumentWithInitialSnapshot(t *testing.T) {
	r, store := newTestRegistry(t, loosePolicy())
	ctx := context.Background()

	session, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)
	defer r.Release("doc-1")

	assert.Equal(t, "counter", session.ToolType)

	record, err := store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "counter", record.ToolType)

	snapshot, err := store.LatestSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(0), snapshot.Seq)
}

func TestAcquire_UnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t, loosePolicy())

	_, err := r.Acquire(context.Background(), "doc-1", "nope")
	assert.ErrorIs(t, err, tool.ErrUnknownTool)
}

func TestAcquire_ConcurrentFirstAcquireSharesOneInstance(t *testing.T) {
	r, store := newTestRegistry(t, loosePolicy())
	ctx := context.Background()

	const n = 16
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Acquire(ctx, "doc-1", "counter")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, sessions[0].Doc, sessions[i].Doc)
		assert.Same(t, sessions[0].Awareness, sessions[i].Awareness)
	}

	snapshot, err := store.LatestSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(0), snapshot.Seq)

	for i := 0; i < n; i++ {
		r.Release("doc-1")
	}
}

func TestMutationsAppendInOrder(t *testing.T) {
	r, store := newTestRegistry(t, loosePolicy())
	ctx := context.Background()

	session, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)
	defer r.Release("doc-1")

	for i := int64(1); i <= 5; i++ {
		setCounter(t, session.Doc, i)
	}
	r.Flush("doc-1")

	records, err := store.UpdatesAfter(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, record := range records {
		assert.Equal(t, int64(i+1), record.Seq)
	}
}

func TestEviction_RespectsRefCountAndIdleTimeout(t *testing.T) {
	r, _ := newTestRegistry(t, loosePolicy(), WithEvictionTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)

	// Held documents survive the sweep no matter how old.
	time.Sleep(80 * time.Millisecond)
	r.EvictIdleDocs()
	_, ok := r.GetSession("doc-1")
	assert.True(t, ok)

	// Release resets the idle clock.
	r.Release("doc-1")
	r.EvictIdleDocs()
	_, ok = r.GetSession("doc-1")
	assert.True(t, ok)

	time.Sleep(80 * time.Millisecond)
	r.EvictIdleDocs()
	_, ok = r.GetSession("doc-1")
	assert.False(t, ok)
}

func TestEviction_FinalSnapshotAndReload(t *testing.T) {
	r, store := newTestRegistry(t, loosePolicy(), WithEvictionTimeout(30*time.Millisecond))
	ctx := context.Background()

	session, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)
	setCounter(t, session.Doc, 42)
	r.Release("doc-1")

	time.Sleep(60 * time.Millisecond)
	r.EvictIdleDocs()

	snapshot, err := store.LatestSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(1), snapshot.Seq)

	reloaded, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)
	defer r.Release("doc-1")

	assert.NotSame(t, session.Doc, reloaded.Doc)
	assert.Equal(t, int64(42), readCounter(t, reloaded.Doc))
}

func TestSnapshotPolicy_TriggersSnapshotAndCompaction(t *testing.T) {
	r, store := newTestRegistry(t, tool.SnapshotPolicy{MaxUpdates: 3, MaxInterval: time.Hour})
	ctx := context.Background()

	session, err := r.Acquire(ctx, "doc-1", "counter")
	require.NoError(t, err)
	defer r.Release("doc-1")

	for i := int64(1); i <= 3; i++ {
		setCounter(t, session.Doc, i)
	}
	r.Flush("doc-1")

	seqs, err := store.SnapshotSeqs(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 0}, seqs)

	records, err := store.UpdatesAfter(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClose_RejectsFurtherAcquires(t *testing.T) {
	r, _ := newTestRegistry(t, loosePolicy())
	r.Close()

	_, err := r.Acquire(context.Background(), "doc-1", "counter")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestValidateAndCompileUnsupported(t *testing.T) {
	r, _ := newTestRegistry(t, loosePolicy())
	ctx := context.Background()

	_, err := r.ValidateDocument(ctx, "doc-1", "counter")
	assert.ErrorIs(t, err, ErrNotValidatable)

	_, err = r.CompileDocument(ctx, "doc-1", "counter")
	assert.ErrorIs(t, err, ErrNotCompilable)
}
