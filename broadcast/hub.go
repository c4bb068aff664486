// Package broadcast fans encoded frames out to the connections joined to a
// document, locally and across engine nodes via redis pub/sub.
package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is the sending side of one websocket connection.
type Conn interface {
	// ID is the connection's unique identifier.
	ID() int64

	// UserID is the authenticated user behind the connection.
	UserID() string

	// Send writes one frame to the peer.
	Send(data []byte) error
}

// Broadcaster delivers a frame to every connection joined to a document,
// except the one identified by exceptID (0 excludes nobody).
type Broadcaster interface {
	Broadcast(docID string, data []byte, exceptID int64)
}

// Hub tracks which connections are joined to which document and delivers
// frames to them.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[int64]Conn
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[int64]Conn),
		logger: logger,
	}
}

// Join adds c to docID's group and returns the group size after joining.
func (h *Hub) Join(docID string, c Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[docID]
	if !ok {
		group = make(map[int64]Conn)
		h.groups[docID] = group
	}
	group[c.ID()] = c
	return len(group)
}

// Leave removes connID from docID's group and returns the remaining size.
func (h *Hub) Leave(docID string, connID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[docID]
	if !ok {
		return 0
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, docID)
		return 0
	}
	return len(group)
}

// Size returns the number of connections joined to docID.
func (h *Hub) Size(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[docID])
}

// Conns returns the connections currently joined to docID.
func (h *Hub) Conns(docID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group := h.groups[docID]
	conns := make([]Conn, 0, len(group))
	for _, c := range group {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends data to every connection in docID's group except exceptID.
// A failed send only affects that connection.
func (h *Hub) Broadcast(docID string, data []byte, exceptID int64) {
	for _, c := range h.Conns(docID) {
		if c.ID() == exceptID {
			continue
		}
		if err := c.Send(data); err != nil {
			h.logger.Debug("Failed to send frame",
				zap.String("doc_id", docID),
				zap.Int64("conn_id", c.ID()),
				zap.Error(err))
		}
	}
}
