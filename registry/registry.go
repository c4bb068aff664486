// Package registry keeps the single authoritative in-memory instance of each
// open document. Connections acquire and release documents by reference
// count; idle documents are snapshotted and evicted. Every mutation flows
// through a per-document write chain so the update log observes mutations in
// order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"collabengine/awareness"
	"collabengine/crdt"
	"collabengine/docstore"
	"collabengine/persistence"
	"collabengine/tool"
)

// ErrClosed is returned when the registry has been shut down.
var ErrClosed = errors.New("registry is closed")

// ErrNotValidatable is returned when a tool has no validation step.
var ErrNotValidatable = errors.New("tool does not support validation")

// ErrNotCompilable is returned when a tool has no compile step.
var ErrNotCompilable = errors.New("tool does not support compilation")

// Session is a live handle to an open document. It stays valid until the
// matching Release.
type Session struct {
	DocID     string
	ToolType  string
	Doc       *crdt.Document
	Awareness *awareness.Awareness
}

// writeTask is one unit of the per-document write chain. update nil marks a
// barrier: the worker closes done once everything before it is persisted.
type writeTask struct {
	seq      int64
	update   []byte
	snapshot bool
	done     chan struct{}
}

// writeQueue is an unbounded FIFO feeding one write worker. Pushes never
// block, so a mutation callback holding the document lock cannot deadlock
// against a worker that needs that lock to encode a snapshot.
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*writeTask
	closed bool
}

func newWriteQueue() *writeQueue {
	q := &writeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a task; reports false when the queue is closed.
func (q *writeQueue) push(t *writeTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available; reports false once the queue is
// closed and drained.
func (q *writeQueue) pop() (*writeTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

type entry struct {
	docID    string
	toolType string
	doc      *crdt.Document
	aw       *awareness.Awareness
	policy   tool.SnapshotPolicy

	// seq is the last assigned sequence number. Assigned under the document
	// lock, so enqueue order equals mutation order.
	seq              atomic.Int64
	lastSnapshotSeq  atomic.Int64
	lastSnapshotNano atomic.Int64
	snapshotPending  atomic.Bool

	writes     *writeQueue
	workerDone chan struct{}

	mu           sync.Mutex
	refCount     int
	lastAccessed time.Time
	evicting     bool
	evicted      chan struct{}
	unsubscribe  func()
}

// attach subscribes the write chain to document mutations. Sequence numbers
// are assigned inside the callback, which runs under the document lock.
func (e *entry) attach() {
	e.unsubscribe = e.doc.OnUpdate(func(update []byte, origin interface{}) {
		seq := e.seq.Add(1)
		e.writes.push(&writeTask{seq: seq, update: update, snapshot: e.snapshotDue(seq)})
	})
}

// snapshotDue reports whether seq should carry a snapshot. At most one
// snapshot is in flight per document.
func (e *entry) snapshotDue(seq int64) bool {
	byCount := e.policy.MaxUpdates > 0 && seq-e.lastSnapshotSeq.Load() >= e.policy.MaxUpdates
	byAge := e.policy.MaxInterval > 0 &&
		time.Since(time.Unix(0, e.lastSnapshotNano.Load())) >= e.policy.MaxInterval
	if !byCount && !byAge {
		return false
	}
	return e.snapshotPending.CompareAndSwap(false, true)
}

func (e *entry) markSnapshot(seq int64) {
	e.lastSnapshotSeq.Store(seq)
	e.lastSnapshotNano.Store(time.Now().UnixNano())
	e.snapshotPending.Store(false)
}

// Options tunes the registry.
type Options struct {
	// EvictionTimeout is how long a document must stay at refcount zero
	// before it becomes evictable.
	EvictionTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// WriteTimeout bounds each store operation issued by a write worker.
	WriteTimeout time.Duration
}

// Option overrides one registry setting.
type Option func(*Options)

// WithEvictionTimeout sets the idle time before eviction.
func WithEvictionTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.EvictionTimeout = d
		}
	}
}

// WithSweepInterval sets how often idle documents are checked.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SweepInterval = d
		}
	}
}

// WithWriteTimeout bounds individual store writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.WriteTimeout = d
		}
	}
}

func defaultOptions() Options {
	return Options{
		EvictionTimeout: 60 * time.Second,
		SweepInterval:   10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Registry is the authoritative document registry.
type Registry struct {
	persistence *persistence.Service
	tools       *tool.Registry
	logger      *zap.Logger
	opts        Options

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	started bool

	group singleflight.Group

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewRegistry creates a registry over the given persistence service and
// tool registry.
func NewRegistry(svc *persistence.Service, tools *tool.Registry, logger *zap.Logger, opts ...Option) *Registry {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Registry{
		persistence: svc,
		tools:       tools,
		logger:      logger,
		opts:        options,
		entries:     make(map[string]*entry),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.EvictIdleDocs()
			case <-r.stopSweep:
				return
			}
		}
	}()
}

// Acquire returns a session for docID, loading or creating the document as
// needed. Concurrent first acquires share one load. Every Acquire must be
// paired with a Release.
func (r *Registry) Acquire(ctx context.Context, docID, toolType string) (*Session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := r.entries[docID]; ok {
			e.mu.Lock()
			if e.evicting {
				evicted := e.evicted
				e.mu.Unlock()
				r.mu.Unlock()
				// Eviction in progress; wait for it to settle, then retry.
				select {
				case <-evicted:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			e.refCount++
			e.lastAccessed = time.Now()
			e.mu.Unlock()
			r.mu.Unlock()
			return &Session{DocID: docID, ToolType: e.toolType, Doc: e.doc, Awareness: e.aw}, nil
		}
		r.mu.Unlock()

		_, err, _ := r.group.Do(docID, func() (interface{}, error) {
			return nil, r.loadOrCreate(ctx, docID, toolType)
		})
		if err != nil {
			return nil, err
		}
	}
}

// loadOrCreate materializes an entry for docID in the registry. Runs inside
// singleflight so at most one load per document is in flight.
func (r *Registry) loadOrCreate(ctx context.Context, docID, toolType string) error {
	r.mu.Lock()
	if _, ok := r.entries[docID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	res, err := r.persistence.LoadDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", docID, err)
	}

	var doc *crdt.Document
	var seq int64
	if res != nil {
		doc = res.Doc
		seq = res.Seq
		if record, err := r.persistence.GetDocument(ctx, docID); err == nil && record != nil {
			toolType = record.ToolType
		}
	} else {
		def, err := r.tools.Get(toolType)
		if err != nil {
			return err
		}
		doc, err = def.InitDocument(ctx)
		if err != nil {
			return fmt.Errorf("failed to init document %s: %w", docID, err)
		}
		err = r.persistence.PersistInitialSnapshot(ctx, docID, toolType, doc)
		if errors.Is(err, docstore.ErrDocumentExists) {
			// Another node won the creation race; load its state instead.
			doc.Destroy()
			res, err = r.persistence.LoadDocument(ctx, docID)
			if err != nil {
				return fmt.Errorf("failed to load document %s: %w", docID, err)
			}
			if res == nil {
				return fmt.Errorf("document %s exists but has no snapshot", docID)
			}
			doc = res.Doc
			seq = res.Seq
		} else if err != nil {
			doc.Destroy()
			return err
		}
		r.logger.Info("Document created",
			zap.String("doc_id", docID),
			zap.String("tool_type", toolType))
	}

	def, err := r.tools.Get(toolType)
	if err != nil {
		doc.Destroy()
		return err
	}

	e := &entry{
		docID:        docID,
		toolType:     toolType,
		doc:          doc,
		aw:           awareness.New(),
		policy:       def.SnapshotPolicy(),
		writes:       newWriteQueue(),
		workerDone:   make(chan struct{}),
		lastAccessed: time.Now(),
		evicted:      make(chan struct{}),
	}
	e.seq.Store(seq)
	e.lastSnapshotSeq.Store(seq)
	e.lastSnapshotNano.Store(time.Now().UnixNano())
	e.attach()
	go r.runWriter(e)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.shutdownEntry(e, false)
		return ErrClosed
	}
	r.entries[docID] = e
	r.mu.Unlock()

	r.logger.Debug("Document opened",
		zap.String("doc_id", docID),
		zap.String("tool_type", toolType),
		zap.Int64("seq", seq))
	return nil
}

// Release drops one reference to docID. The document stays resident until
// the idle sweep evicts it.
func (r *Registry) Release(docID string) {
	r.mu.Lock()
	e, ok := r.entries[docID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.refCount > 0 {
		e.refCount--
	}
	e.lastAccessed = time.Now()
	e.mu.Unlock()
}

// GetSession returns the live session for an already resident document
// without touching its reference count.
func (r *Registry) GetSession(docID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[docID]
	if !ok {
		return nil, false
	}
	return &Session{DocID: docID, ToolType: e.toolType, Doc: e.doc, Awareness: e.aw}, true
}

// Flush blocks until every mutation of docID made before the call is
// persisted.
func (r *Registry) Flush(docID string) {
	r.mu.Lock()
	e, ok := r.entries[docID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	evicting := e.evicting
	e.mu.Unlock()
	if evicting {
		return
	}
	r.flushEntry(e)
}

func (r *Registry) flushEntry(e *entry) {
	done := make(chan struct{})
	if !e.writes.push(&writeTask{done: done}) {
		return
	}
	<-done
}

// closeWrites shuts the write chain down and waits for the worker to drain.
func (e *entry) closeWrites() {
	e.writes.close()
	<-e.workerDone
}

// runWriter drains one document's write chain in order.
func (r *Registry) runWriter(e *entry) {
	defer close(e.workerDone)
	for {
		task, ok := e.writes.pop()
		if !ok {
			return
		}
		if task.update == nil {
			close(task.done)
			continue
		}
		r.persistTask(e, task)
	}
}

func (r *Registry) persistTask(e *entry, task *writeTask) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
	defer cancel()

	if err := r.persistence.AppendUpdate(ctx, e.docID, task.seq, task.update); err != nil {
		// The sequence number is consumed either way; the next snapshot
		// makes the log whole again.
		r.logger.Error("Failed to append update",
			zap.String("doc_id", e.docID),
			zap.Int64("seq", task.seq),
			zap.Error(err))
	}

	if !task.snapshot {
		return
	}
	if err := r.persistence.CreateSnapshot(ctx, e.docID, task.seq, e.doc); err != nil {
		r.logger.Error("Failed to create snapshot",
			zap.String("doc_id", e.docID),
			zap.Int64("seq", task.seq),
			zap.Error(err))
		e.snapshotPending.Store(false)
		return
	}
	e.markSnapshot(task.seq)
	r.logger.Debug("Snapshot created",
		zap.String("doc_id", e.docID),
		zap.Int64("seq", task.seq))
}

// EvictIdleDocs snapshots and removes every document that has been at
// refcount zero for at least the eviction timeout.
func (r *Registry) EvictIdleDocs() {
	now := time.Now()

	r.mu.Lock()
	var victims []*entry
	for _, e := range r.entries {
		e.mu.Lock()
		if e.refCount == 0 && !e.evicting && now.Sub(e.lastAccessed) >= r.opts.EvictionTimeout {
			e.evicting = true
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	for _, e := range victims {
		r.evictEntry(e)
	}
}

// evictEntry finalizes one idle document: flush the write chain, snapshot
// any unsnapshotted tail, and drop the entry. A failed final snapshot defers
// eviction so no acknowledged update is lost.
func (r *Registry) evictEntry(e *entry) {
	e.unsubscribe()
	r.flushEntry(e)

	if e.lastSnapshotSeq.Load() < e.seq.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err := r.persistence.CreateSnapshot(ctx, e.docID, e.seq.Load(), e.doc)
		cancel()
		if err != nil {
			r.logger.Error("Failed to snapshot document at eviction, deferring",
				zap.String("doc_id", e.docID),
				zap.Error(err))
			e.attach()
			e.mu.Lock()
			e.evicting = false
			e.lastAccessed = time.Now()
			close(e.evicted)
			e.evicted = make(chan struct{})
			e.mu.Unlock()
			return
		}
		e.markSnapshot(e.seq.Load())
	}

	e.closeWrites()
	e.doc.Destroy()
	e.aw.Destroy()

	r.mu.Lock()
	delete(r.entries, e.docID)
	r.mu.Unlock()

	e.mu.Lock()
	close(e.evicted)
	e.mu.Unlock()

	r.logger.Info("Document evicted",
		zap.String("doc_id", e.docID),
		zap.Int64("seq", e.seq.Load()))
}

// shutdownEntry flushes and tears down an entry without registry bookkeeping.
func (r *Registry) shutdownEntry(e *entry, snapshot bool) {
	e.unsubscribe()
	r.flushEntry(e)

	if snapshot && e.lastSnapshotSeq.Load() < e.seq.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		if err := r.persistence.CreateSnapshot(ctx, e.docID, e.seq.Load(), e.doc); err != nil {
			r.logger.Error("Failed to snapshot document at shutdown",
				zap.String("doc_id", e.docID),
				zap.Error(err))
		}
		cancel()
	}

	e.closeWrites()
	e.doc.Destroy()
	e.aw.Destroy()
}

// Close stops the sweeper, flushes every resident document and snapshots
// unsnapshotted tails. After Close, Acquire fails with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	started := r.started
	remaining := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		remaining = append(remaining, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	close(r.stopSweep)
	if started {
		<-r.sweepDone
	}

	for _, e := range remaining {
		r.shutdownEntry(e, true)
	}
	r.logger.Info("Registry closed", zap.Int("documents", len(remaining)))
}

// ValidateDocument runs the tool's validation step against the current
// state of docID.
func (r *Registry) ValidateDocument(ctx context.Context, docID, toolType string) (tool.Result, error) {
	session, err := r.Acquire(ctx, docID, toolType)
	if err != nil {
		return tool.Result{}, err
	}
	defer r.Release(docID)

	def, err := r.tools.Get(session.ToolType)
	if err != nil {
		return tool.Result{}, err
	}
	validator, ok := def.(tool.Validator)
	if !ok {
		return tool.Result{}, fmt.Errorf("%w: %s", ErrNotValidatable, session.ToolType)
	}
	return validator.Validate(session.Doc), nil
}

// CompileDocument runs the tool's compile step against the current state of
// docID.
func (r *Registry) CompileDocument(ctx context.Context, docID, toolType string) (interface{}, error) {
	session, err := r.Acquire(ctx, docID, toolType)
	if err != nil {
		return nil, err
	}
	defer r.Release(docID)

	def, err := r.tools.Get(session.ToolType)
	if err != nil {
		return nil, err
	}
	compiler, ok := def.(tool.Compiler)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotCompilable, session.ToolType)
	}
	return compiler.Compile(session.Doc)
}
