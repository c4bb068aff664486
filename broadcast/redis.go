package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const channelPrefix = "collab:doc:"

// envelope is the wire form of a relayed frame. Node identifies the
// publishing engine node so it can skip its own messages.
type envelope struct {
	Node string `json:"node"`
	Data []byte `json:"data"`
}

// RedisRelay extends a local hub across engine nodes: every broadcast is
// also published to redis, and frames published by other nodes are replayed
// into the local hub.
type RedisRelay struct {
	hub    *Hub
	client redis.UniversalClient
	nodeID string
	logger *zap.Logger

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay creates a relay over hub using the given redis client.
func NewRedisRelay(hub *Hub, client redis.UniversalClient, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		hub:    hub,
		client: client,
		nodeID: uuid.NewString(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start subscribes to the document channel pattern and begins replaying
// remote frames.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.pubsub = r.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := r.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		defer close(r.done)
		for msg := range r.pubsub.Channel() {
			r.handleMessage(msg)
		}
	}()

	r.logger.Info("Redis relay started", zap.String("node_id", r.nodeID))
	return nil
}

func (r *RedisRelay) handleMessage(msg *redis.Message) {
	docID := strings.TrimPrefix(msg.Channel, channelPrefix)

	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("Failed to decode relayed frame",
			zap.String("doc_id", docID),
			zap.Error(err))
		return
	}
	if env.Node == r.nodeID {
		return
	}
	r.hub.Broadcast(docID, env.Data, 0)
}

// Broadcast delivers data locally and publishes it for other nodes.
func (r *RedisRelay) Broadcast(docID string, data []byte, exceptID int64) {
	r.hub.Broadcast(docID, data, exceptID)

	payload, err := json.Marshal(envelope{Node: r.nodeID, Data: data})
	if err != nil {
		r.logger.Error("Failed to encode relay frame", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), channelPrefix+docID, payload).Err(); err != nil {
		r.logger.Warn("Failed to publish relay frame",
			zap.String("doc_id", docID),
			zap.Error(err))
	}
}

// Close stops the relay and waits for the replay loop to exit.
func (r *RedisRelay) Close() error {
	if r.pubsub == nil {
		return nil
	}
	err := r.pubsub.Close()
	<-r.done
	return err
}
