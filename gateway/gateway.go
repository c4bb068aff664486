// Package gateway is the websocket edge of the engine: it authenticates
// connections, resolves instances to documents, and relays sync and
// awareness traffic between peers on the same document.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabengine/broadcast"
	"collabengine/instance"
	"collabengine/protocol"
	"collabengine/registry"
	"collabengine/users"
)

// ErrInvalidToken is returned by credential verifiers for bad tokens.
var ErrInvalidToken = errors.New("invalid token")

// CredentialVerifier authenticates connection tokens.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// PassthroughVerifier treats the token itself as the user id. For local
// development only.
type PassthroughVerifier struct{}

// Verify implements CredentialVerifier.
func (PassthroughVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

// DefaultCoalesceWindow is how long awareness changes are accumulated
// before one merged frame is broadcast.
const DefaultCoalesceWindow = 25 * time.Millisecond

// Options tunes the gateway.
type Options struct {
	// CoalesceWindow is the awareness batching window.
	CoalesceWindow time.Duration

	// ReadLimit bounds inbound frame size in bytes.
	ReadLimit int64
}

// Option overrides one gateway setting.
type Option func(*Options)

// WithCoalesceWindow sets the awareness batching window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.CoalesceWindow = d
		}
	}
}

// WithReadLimit bounds inbound frame size.
func WithReadLimit(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.ReadLimit = n
		}
	}
}

// Gateway serves the sync websocket endpoint.
type Gateway struct {
	registry    *registry.Registry
	resolver    instance.Resolver
	users       users.Directory
	hub         *broadcast.Hub
	broadcaster broadcast.Broadcaster
	verifier    CredentialVerifier
	logger      *zap.Logger
	opts        Options

	node     *snowflake.Node
	upgrader websocket.Upgrader
	batcher  *awarenessBatcher
}

// New creates a gateway. broadcaster may equal hub for single-node runs or
// wrap it with a relay for multi-node runs.
func New(
	reg *registry.Registry,
	resolver instance.Resolver,
	directory users.Directory,
	hub *broadcast.Hub,
	broadcaster broadcast.Broadcaster,
	verifier CredentialVerifier,
	logger *zap.Logger,
	opts ...Option,
) (*Gateway, error) {
	options := Options{
		CoalesceWindow: DefaultCoalesceWindow,
		ReadLimit:      1 << 20,
	}
	for _, opt := range opts {
		opt(&options)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		registry:    reg,
		resolver:    resolver,
		users:       directory,
		hub:         hub,
		broadcaster: broadcaster,
		verifier:    verifier,
		logger:      logger,
		opts:        options,
		node:        node,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.batcher = newAwarenessBatcher(options.CoalesceWindow, g.fireAwareness)
	return g, nil
}

// Close stops background work. Live connections are closed by the server
// shutdown.
func (g *Gateway) Close() {
	g.batcher.Stop()
}

// ServeHTTP handles one sync connection. Credentials and the instance are
// validated before the websocket upgrade so failures surface as plain HTTP
// status codes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	instanceID := r.URL.Query().Get("instanceId")
	token := r.URL.Query().Get("token")

	if instanceID == "" {
		http.Error(w, "missing instanceId", http.StatusBadRequest)
		return
	}

	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	inst, err := g.resolver.GetDocByInstanceID(ctx, instanceID)
	if err != nil {
		g.logger.Error("Failed to resolve instance",
			zap.String("instance_id", instanceID),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if inst == nil {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	ws.SetReadLimit(g.opts.ReadLimit)

	g.handleConnection(ws, userID, inst)
}

func (g *Gateway) handleConnection(ws *websocket.Conn, userID string, inst *instance.Instance) {
	c := newConn(g.node.Generate().Int64(), userID, inst.DocID, ws)
	defer c.close()

	session, err := g.registry.Acquire(context.Background(), inst.DocID, inst.ToolType)
	if err != nil {
		g.logger.Error("Failed to open document",
			zap.String("doc_id", inst.DocID),
			zap.Error(err))
		return
	}

	g.hub.Join(inst.DocID, c)
	g.logger.Info("Connection joined",
		zap.Int64("conn_id", c.ID()),
		zap.String("user_id", userID),
		zap.String("doc_id", inst.DocID))

	defer g.disconnect(c, session)

	if err := g.sendHandshake(c, session); err != nil {
		g.logger.Warn("Failed to send handshake",
			zap.Int64("conn_id", c.ID()),
			zap.Error(err))
		return
	}
	g.broadcastViewers(session.DocID)

	g.readLoop(c, session)
}

// sendHandshake brings a fresh connection up to date: the document's full
// state as a sync offer, the live awareness states, then the ready marker.
func (g *Gateway) sendHandshake(c *conn, session *registry.Session) error {
	if err := c.Send(protocol.EncodeSync(protocol.SyncStep1, session.Doc.EncodeFullState())); err != nil {
		return err
	}

	if len(session.Awareness.States()) > 0 {
		payload, err := session.Awareness.EncodeUpdate(nil)
		if err == nil {
			if err := c.Send(protocol.EncodeAwareness(payload)); err != nil {
				return err
			}
		}
	}

	ready, err := protocol.EncodeJSON(protocol.MessageReady, protocol.ReadyPayload{
		DocID:    session.DocID,
		ToolType: session.ToolType,
	})
	if err != nil {
		return err
	}
	return c.Send(ready)
}

func (g *Gateway) readLoop(c *conn, session *registry.Session) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("Connection read error",
					zap.Int64("conn_id", c.ID()),
					zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			g.logger.Warn("Dropping malformed frame",
				zap.Int64("conn_id", c.ID()),
				zap.Error(err))
			continue
		}

		switch msg.Type {
		case protocol.MessageSync:
			g.handleSync(c, session, msg, data)
		case protocol.MessageAwareness:
			g.handleAwareness(c, session, msg.Payload)
		default:
			// Unknown frames are dropped without failing the connection.
		}
	}
}

// handleSync applies an inbound sync frame and relays it. The raw frame is
// rebroadcast unchanged to everyone else on the document; the sender never
// receives its own frame back.
func (g *Gateway) handleSync(c *conn, session *registry.Session, msg *protocol.Message, raw []byte) {
	switch msg.SyncType {
	case protocol.SyncStep1:
		// The peer offered its state and wants ours.
		if len(msg.Payload) > 0 {
			if err := session.Doc.ApplyUpdate(msg.Payload, c); err != nil {
				g.logger.Warn("Failed to apply sync offer",
					zap.Int64("conn_id", c.ID()),
					zap.String("doc_id", session.DocID),
					zap.Error(err))
				return
			}
			g.broadcaster.Broadcast(session.DocID, raw, c.ID())
		}
		if err := c.Send(protocol.EncodeSync(protocol.SyncStep2, session.Doc.EncodeFullState())); err != nil {
			g.logger.Debug("Failed to answer sync offer",
				zap.Int64("conn_id", c.ID()),
				zap.Error(err))
		}
	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := session.Doc.ApplyUpdate(msg.Payload, c); err != nil {
			g.logger.Warn("Failed to apply update",
				zap.Int64("conn_id", c.ID()),
				zap.String("doc_id", session.DocID),
				zap.Error(err))
			return
		}
		g.broadcaster.Broadcast(session.DocID, raw, c.ID())
	}
}

// handleAwareness applies a presence update and schedules the coalesced
// rebroadcast.
func (g *Gateway) handleAwareness(c *conn, session *registry.Session, payload []byte) {
	change, err := session.Awareness.ApplyUpdate(payload, c)
	if err != nil {
		g.logger.Warn("Dropping malformed awareness update",
			zap.Int64("conn_id", c.ID()),
			zap.Error(err))
		return
	}
	c.trackAwareness(change)
	g.batcher.Add(session.DocID, change.ClientIDs(), c)
}

// fireAwareness is the batcher callback: encode the current records of the
// accumulated client ids and broadcast one frame, skipping the most recent
// sender.
func (g *Gateway) fireAwareness(docID string, clientIDs []int64, origin interface{}) {
	session, ok := g.registry.GetSession(docID)
	if !ok {
		return
	}
	payload, err := session.Awareness.EncodeUpdate(clientIDs)
	if err != nil {
		return
	}

	var exceptID int64
	if c, ok := origin.(*conn); ok {
		exceptID = c.ID()
	}
	g.broadcaster.Broadcast(docID, protocol.EncodeAwareness(payload), exceptID)
}

// disconnect withdraws a connection's presence, leaves the group and
// releases the document reference.
func (g *Gateway) disconnect(c *conn, session *registry.Session) {
	if ids := c.awarenessClients(); len(ids) > 0 {
		session.Awareness.RemoveStates(ids, c)
		g.batcher.Add(session.DocID, ids, c)
	}

	remaining := g.hub.Leave(session.DocID, c.ID())
	g.registry.Release(session.DocID)

	if remaining > 0 {
		g.broadcastViewers(session.DocID)
	} else {
		g.batcher.Cancel(session.DocID)
	}

	g.logger.Info("Connection left",
		zap.Int64("conn_id", c.ID()),
		zap.String("doc_id", session.DocID),
		zap.Int("remaining", remaining))
}

// broadcastViewers recomputes the distinct identities on a document and
// pushes the summary to the whole group, including the newcomer.
func (g *Gateway) broadcastViewers(docID string) {
	conns := g.hub.Conns(docID)

	seen := make(map[string]bool, len(conns))
	userIDs := make([]string, 0, len(conns))
	for _, c := range conns {
		if !seen[c.UserID()] {
			seen[c.UserID()] = true
			userIDs = append(userIDs, c.UserID())
		}
	}
	sort.Strings(userIDs)

	viewers := make([]protocol.Viewer, 0, len(userIDs))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, userID := range userIDs {
		user, err := g.users.GetByID(ctx, userID)
		if err != nil || user == nil {
			viewers = append(viewers, protocol.Viewer{
				UserID:    userID,
				AvatarURL: users.AvatarURL(userID),
			})
			continue
		}
		viewers = append(viewers, protocol.Viewer{
			UserID:    user.ID,
			AvatarURL: users.AvatarURL(user.AvatarSeed),
		})
	}

	frame, err := protocol.EncodeJSON(protocol.MessageViewers, protocol.ViewersPayload{Viewers: viewers})
	if err != nil {
		g.logger.Error("Failed to encode viewers frame", zap.Error(err))
		return
	}
	g.broadcaster.Broadcast(docID, frame, 0)
}
