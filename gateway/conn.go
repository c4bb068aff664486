package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"collabengine/awareness"
)

// conn is one live websocket connection joined to a document. Writes are
// serialized with a mutex because gorilla/websocket allows only one
// concurrent writer.
type conn struct {
	id     int64
	userID string
	docID  string

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu        sync.Mutex
	clientIDs map[int64]bool
	closed    bool
}

func newConn(id int64, userID, docID string, ws *websocket.Conn) *conn {
	return &conn{
		id:        id,
		userID:    userID,
		docID:     docID,
		ws:        ws,
		clientIDs: make(map[int64]bool),
	}
}

func (c *conn) ID() int64      { return c.id }
func (c *conn) UserID() string { return c.userID }

// Send writes one binary frame to the peer.
func (c *conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// trackAwareness records which awareness client ids this connection has
// announced, so their states can be withdrawn on disconnect.
func (c *conn) trackAwareness(change awareness.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range change.Added {
		c.clientIDs[id] = true
	}
	for _, id := range change.Updated {
		c.clientIDs[id] = true
	}
	for _, id := range change.Removed {
		delete(c.clientIDs, id)
	}
}

// awarenessClients returns the client ids still announced by this
// connection.
func (c *conn) awarenessClients() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int64, 0, len(c.clientIDs))
	for id := range c.clientIDs {
		ids = append(ids, id)
	}
	return ids
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.ws.Close()
}
