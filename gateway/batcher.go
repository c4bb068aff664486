package gateway

import (
	"sync"
	"time"
)

// fireFunc receives one coalesced awareness batch: the affected client ids
// and the origin of the most recent change in the batch.
type fireFunc func(docID string, clientIDs []int64, origin interface{})

type batch struct {
	ids    map[int64]bool
	origin interface{}
	timer  *time.Timer
}

// awarenessBatcher coalesces awareness changes per document: the first
// change arms a timer, further changes within the window merge into the
// same batch, and the batch is emitted once when the timer fires.
type awarenessBatcher struct {
	window time.Duration
	fire   fireFunc

	mu      sync.Mutex
	pending map[string]*batch
	stopped bool
}

func newAwarenessBatcher(window time.Duration, fire fireFunc) *awarenessBatcher {
	return &awarenessBatcher{
		window:  window,
		fire:    fire,
		pending: make(map[string]*batch),
	}
}

// Add merges client ids into docID's pending batch, arming the flush timer
// if the batch is new. origin replaces any previous batch origin.
func (b *awarenessBatcher) Add(docID string, clientIDs []int64, origin interface{}) {
	if len(clientIDs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	pending, ok := b.pending[docID]
	if !ok {
		pending = &batch{ids: make(map[int64]bool)}
		pending.timer = time.AfterFunc(b.window, func() { b.flush(docID) })
		b.pending[docID] = pending
	}
	for _, id := range clientIDs {
		pending.ids[id] = true
	}
	pending.origin = origin
}

func (b *awarenessBatcher) flush(docID string) {
	b.mu.Lock()
	pending, ok := b.pending[docID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, docID)
	b.mu.Unlock()

	ids := make([]int64, 0, len(pending.ids))
	for id := range pending.ids {
		ids = append(ids, id)
	}
	b.fire(docID, ids, pending.origin)
}

// Cancel drops docID's pending batch without emitting it.
func (b *awarenessBatcher) Cancel(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pending, ok := b.pending[docID]; ok {
		pending.timer.Stop()
		delete(b.pending, docID)
	}
}

// Stop drops every pending batch and rejects further adds.
func (b *awarenessBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	for docID, pending := range b.pending {
		pending.timer.Stop()
		delete(b.pending, docID)
	}
}
