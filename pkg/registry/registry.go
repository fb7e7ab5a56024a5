// Package registry tracks workers and their status in the workers table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/corerr"
	"agentcore/pkg/logx"
	"agentcore/pkg/persistence"
)

// Worker is a registry entry.
type Worker = persistence.Worker

// Spec describes a worker to register. An empty ID is generated.
type Spec struct {
	ID           string
	Type         string
	Name         string
	Capabilities []string
}

// Registry persists workers. Status writes are serialized per worker id, never globally.
type Registry struct {
	db     *persistence.DB
	logger *logx.Logger
	now    func() time.Time
	locks  sync.Map // worker id -> *sync.Mutex
}

// New creates a registry over db.
func New(db *persistence.DB) *Registry {
	return &Registry{
		db:     db,
		logger: logx.NewLogger("registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) lock(id string) func() {
	v, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
	mu.Lock()
	return mu.Unlock
}

func mapErr(op, id string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return corerr.Wrap(corerr.KindNotFound, op, err, fmt.Sprintf("worker %s not found", id))
	}
	return corerr.Wrap(corerr.KindPersistence, op, err, fmt.Sprintf("worker %s", id))
}

// ValidStatus reports whether s is a known worker status.
func ValidStatus(s string) bool {
	switch s {
	case persistence.WorkerActive, persistence.WorkerBusy, persistence.WorkerInactive, persistence.WorkerError:
		return true
	}
	return false
}

// Register adds an active worker.
func (r *Registry) Register(ctx context.Context, spec Spec) (*Worker, error) {
	const op = "registry.Register"
	if strings.TrimSpace(spec.Type) == "" {
		return nil, corerr.New(corerr.KindValidation, op, "worker type is required")
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := spec.Name
	if name == "" {
		name = id
	}
	caps := spec.Capabilities
	if caps == nil {
		caps = []string{}
	}

	unlock := r.lock(id)
	defer unlock()

	if _, err := r.db.Ops().GetWorker(ctx, id); err == nil {
		return nil, corerr.Newf(corerr.KindValidation, op, "worker %s is already registered", id)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, mapErr(op, id, err)
	}

	now := r.now()
	w := &Worker{
		ID:           id,
		Type:         spec.Type,
		Name:         name,
		Capabilities: caps,
		Status:       persistence.WorkerActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.db.Ops().InsertWorker(ctx, w); err != nil {
		return nil, mapErr(op, id, err)
	}
	r.logger.Info("Registered worker %s (%s)", id, spec.Type)
	return w, nil
}

// Get returns a worker.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	w, err := r.db.Reads().GetWorker(ctx, id)
	if err != nil {
		return nil, mapErr("registry.Get", id, err)
	}
	return w, nil
}

// Exists reports whether id is registered and not removed.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	w, err := r.Get(ctx, id)
	if corerr.IsKind(err, corerr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return w.Status != persistence.WorkerInactive, nil
}

// List returns all workers, removed ones included, oldest first.
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	workers, err := r.db.Reads().ListWorkers(ctx)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindPersistence, "registry.List", err, "failed to list workers")
	}
	return workers, nil
}

// SetStatus updates a worker's status.
func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	const op = "registry.SetStatus"
	if !ValidStatus(status) {
		return corerr.Newf(corerr.KindValidation, op, "unknown worker status %q", status)
	}

	unlock := r.lock(id)
	defer unlock()

	if err := r.db.Ops().UpdateWorkerStatus(ctx, id, status, r.now()); err != nil {
		return mapErr(op, id, err)
	}
	logx.Debug(ctx, "registry", "worker %s status -> %s", id, status)
	return nil
}

// Remove marks a worker inactive. The entry stays for audit.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.SetStatus(ctx, id, persistence.WorkerInactive); err != nil {
		return err
	}
	r.logger.Info("Removed worker %s", id)
	return nil
}
