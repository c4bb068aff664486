// Package awareness tracks ephemeral per-participant presence state shared
// alongside a collaborative document. States are never persisted; they exist
// only while the owning document entry is live.
package awareness

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrDestroyed is returned when an awareness object is used after Destroy.
var ErrDestroyed = errors.New("awareness is destroyed")

// Entry is the wire representation of one client's presence record. A nil
// State marks the client as departed.
type Entry struct {
	ClientID int64           `json:"clientId"`
	Clock    int64           `json:"clock"`
	State    json.RawMessage `json:"state,omitempty"`
}

// Change lists the client ids affected by one applied update.
type Change struct {
	Added   []int64
	Updated []int64
	Removed []int64
}

// ClientIDs returns every id touched by the change.
func (c Change) ClientIDs() []int64 {
	ids := make([]int64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	ids = append(ids, c.Removed...)
	return ids
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// UpdateFunc observes applied awareness changes. Callbacks run while the
// awareness lock is held and must not call back into the awareness object.
type UpdateFunc func(change Change, origin interface{})

// Awareness holds the presence states of all clients connected to one
// document, keyed by a client-assigned numeric id. Each entry carries a
// clock; updates with a clock not greater than the known one are stale and
// ignored.
type Awareness struct {
	mu        sync.Mutex
	states    map[int64]json.RawMessage
	clocks    map[int64]int64
	listeners map[int]UpdateFunc
	nextID    int
	destroyed bool
}

// New creates an empty awareness object.
func New() *Awareness {
	return &Awareness{
		states:    make(map[int64]json.RawMessage),
		clocks:    make(map[int64]int64),
		listeners: make(map[int]UpdateFunc),
	}
}

// ApplyUpdate merges an encoded presence update and notifies listeners of
// the effective change. The returned Change reports which client ids were
// added, updated, or removed by this payload.
func (a *Awareness) ApplyUpdate(payload []byte, origin interface{}) (Change, error) {
	var entries []Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return Change{}, fmt.Errorf("failed to decode awareness update: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return Change{}, ErrDestroyed
	}

	var change Change
	for _, entry := range entries {
		known, seen := a.clocks[entry.ClientID]
		if seen && entry.Clock <= known {
			continue // stale
		}
		a.clocks[entry.ClientID] = entry.Clock

		_, present := a.states[entry.ClientID]
		if isNullState(entry.State) {
			if present {
				delete(a.states, entry.ClientID)
				change.Removed = append(change.Removed, entry.ClientID)
			}
			continue
		}
		a.states[entry.ClientID] = entry.State
		if present {
			change.Updated = append(change.Updated, entry.ClientID)
		} else {
			change.Added = append(change.Added, entry.ClientID)
		}
	}

	if !change.empty() {
		a.notify(change, origin)
	}
	return change, nil
}

// EncodeUpdate encodes the current records of the given client ids. Departed
// clients are encoded with a nil state so receivers apply the removal.
// A nil ids slice encodes every live client.
func (a *Awareness) EncodeUpdate(ids []int64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return nil, ErrDestroyed
	}

	if ids == nil {
		ids = make([]int64, 0, len(a.states))
		for id := range a.states {
			ids = append(ids, id)
		}
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		clock, seen := a.clocks[id]
		if !seen {
			continue
		}
		entries = append(entries, Entry{
			ClientID: id,
			Clock:    clock,
			State:    a.states[id],
		})
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode awareness update: %w", err)
	}
	return payload, nil
}

// States returns a copy of all live presence states.
func (a *Awareness) States() map[int64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int64]json.RawMessage, len(a.states))
	for id, state := range a.states {
		out[id] = state
	}
	return out
}

// RemoveStates removes the given clients, bumping their clocks so the
// removal supersedes any in-flight update. Used when a connection closes.
func (a *Awareness) RemoveStates(ids []int64, origin interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	var change Change
	for _, id := range ids {
		if _, present := a.states[id]; !present {
			continue
		}
		delete(a.states, id)
		a.clocks[id]++
		change.Removed = append(change.Removed, id)
	}

	if !change.empty() {
		a.notify(change, origin)
	}
}

// OnUpdate registers a change listener and returns its unsubscribe function.
func (a *Awareness) OnUpdate(fn UpdateFunc) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextID
	a.nextID++
	a.listeners[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Destroy removes all states, detaches listeners, and marks the object
// unusable.
func (a *Awareness) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.destroyed = true
	a.states = make(map[int64]json.RawMessage)
	a.clocks = make(map[int64]int64)
	a.listeners = make(map[int]UpdateFunc)
}

func (a *Awareness) notify(change Change, origin interface{}) {
	for _, fn := range a.listeners {
		fn(change, origin)
	}
}

func isNullState(state json.RawMessage) bool {
	return len(state) == 0 || string(state) == "null"
}
