// Package crdt wraps the automerge CRDT engine behind the narrow document
// capability the rest of the engine depends on: apply binary updates, encode
// full state, run local transactions, and observe mutations.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// ErrDestroyed is returned when a document is used after Destroy.
var ErrDestroyed = errors.New("document is destroyed")

// UpdateFunc is invoked with the binary delta produced by one mutation.
// The origin identifies the source of the mutation (e.g. a connection) so
// observers can avoid reprocessing their own writes. Callbacks run while the
// document lock is held and must not call back into the document.
type UpdateFunc func(update []byte, origin interface{})

// Document is a mutable CRDT document. All access goes through its methods;
// the underlying automerge doc is never shared unlocked.
type Document struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	listeners map[int]UpdateFunc
	nextID    int
	destroyed bool
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		doc:       automerge.New(),
		listeners: make(map[int]UpdateFunc),
	}
}

// LoadDocument reconstructs a document from a full snapshot followed by
// incremental updates applied in order.
func LoadDocument(snapshot []byte, updates [][]byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	for i, update := range updates {
		if err := doc.LoadIncremental(update); err != nil {
			return nil, fmt.Errorf("failed to apply update %d: %w", i, err)
		}
	}
	// Reset the incremental-save cursor so the next emitted delta contains
	// only changes made after loading.
	doc.Save()
	return &Document{
		doc:       doc,
		listeners: make(map[int]UpdateFunc),
	}, nil
}

// ApplyUpdate merges an encoded update into the document and emits the
// resulting delta to registered listeners.
func (d *Document) ApplyUpdate(update []byte, origin interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	d.emit(origin)
	return nil
}

// Update runs fn against the underlying document as one local transaction
// and emits the resulting delta. fn must not retain the *automerge.Doc.
func (d *Document) Update(fn func(doc *automerge.Doc) error, origin interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}
	if err := fn(d.doc); err != nil {
		return err
	}
	d.emit(origin)
	return nil
}

// Read runs fn against the underlying document under the document lock.
// fn must not mutate the document.
func (d *Document) Read(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return ErrDestroyed
	}
	return fn(d.doc)
}

// EncodeFullState returns the full binary encoding of the current state.
// The encoding is itself a valid update: applying it to any replica merges.
func (d *Document) EncodeFullState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil
	}
	return d.doc.Save()
}

// OnUpdate registers a mutation listener and returns its unsubscribe
// function. After unsubscribe returns, the listener will not be invoked.
func (d *Document) OnUpdate(fn UpdateFunc) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.listeners[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

// Destroy detaches all listeners and marks the document unusable. It does
// not touch persisted state.
func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.destroyed = true
	d.listeners = make(map[int]UpdateFunc)
}

// emit captures the delta since the previous emit and notifies listeners.
// Caller holds d.mu, which guarantees deltas are observed in mutation order.
func (d *Document) emit(origin interface{}) {
	delta := d.doc.SaveIncremental()
	if len(delta) == 0 {
		return
	}
	for _, fn := range d.listeners {
		fn(delta, origin)
	}
}
