// Package instance maps tool instances, the user-facing unit of work, to
// the documents backing them. The gateway resolves an instance id to a
// document id and tool type before opening a sync session.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Instance is one user-facing tool instance.
type Instance struct {
	ID          string     `bson:"_id" json:"id"`
	ToolType    string     `bson:"tool_type" json:"toolType"`
	DocID       string     `bson:"doc_id" json:"docId"`
	OwnerUserID string     `bson:"owner_user_id" json:"ownerUserId"`
	CreatedAt   time.Time  `bson:"created_at" json:"createdAt"`
	ArchivedAt  *time.Time `bson:"archived_at,omitempty" json:"archivedAt,omitempty"`
}

// Resolver resolves instance ids for the gateway. Unknown or archived
// instances resolve to (nil, nil).
type Resolver interface {
	GetDocByInstanceID(ctx context.Context, instanceID string) (*Instance, error)
}

// MemoryResolver is an in-memory Resolver for tests and single-process runs.
type MemoryResolver struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewMemoryResolver creates an empty resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{instances: make(map[string]*Instance)}
}

// Create registers a new instance backed by a fresh document id.
func (r *MemoryResolver) Create(toolType, ownerUserID string) *Instance {
	inst := &Instance{
		ID:          uuid.NewString(),
		ToolType:    toolType,
		DocID:       uuid.NewString(),
		OwnerUserID: ownerUserID,
		CreatedAt:   time.Now(),
	}
	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
	return inst
}

// Add registers an existing instance.
func (r *MemoryResolver) Add(inst *Instance) {
	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
}

// GetDocByInstanceID implements Resolver.
func (r *MemoryResolver) GetDocByInstanceID(ctx context.Context, instanceID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[instanceID]
	if !ok || inst.ArchivedAt != nil {
		return nil, nil
	}
	copied := *inst
	return &copied, nil
}

// Archive marks an instance archived; it no longer resolves.
func (r *MemoryResolver) Archive(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceID]; ok && inst.ArchivedAt == nil {
		now := time.Now()
		inst.ArchivedAt = &now
	}
}
