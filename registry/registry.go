// Package registry implements the share registry: an external collaborator
// the core consults to decide which bus ids are exported and to serialize
// attach/detach against concurrent sessions. Share records are persisted;
// attach state is transient.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"

	"github.com/benmcmorran/usbipd-win/metrics"
)

var (
	ErrShareNotFound   = errors.New("bus id is not shared")
	ErrAlreadyShared   = errors.New("bus id is already shared")
	ErrAlreadyAttached = errors.New("bus id is already attached")
)

// ShareRecord is a persisted bind, keyed by a stable GUID independent of
// the bus id, which can change across reboots.
type ShareRecord struct {
	BusID        string
	GUID         string
	FriendlyName string
}

// attachState is the transient, process-wide half of a ShareRecord's
// lifecycle; never persisted, since an unclean shutdown always leaves every
// bus id detached.
type attachState struct {
	clientAddr string
	attachedAt time.Time
}

// Store is the persistence boundary for ShareRecords, implemented by the
// GORM/SQLite-backed store in store.go.
type Store interface {
	Create(ctx context.Context, rec ShareRecord) error
	Delete(ctx context.Context, busID string) error
	Get(ctx context.Context, busID string) (*ShareRecord, error)
	List(ctx context.Context) ([]ShareRecord, error)
}

// Registry is the core's C6 contract plus the CLI-facing bind/unbind
// operations that populate it.
type Registry struct {
	store   Store
	metrics *metrics.Metrics

	mu       sync.RWMutex
	attached map[string]attachState
}

func New(store Store) *Registry {
	return &Registry{store: store, attached: make(map[string]attachState), metrics: metrics.Nop()}
}

// SetMetrics attaches m so Bind/Unbind keep the shared-device gauge
// accurate; optional, defaults to a set of unregistered collectors.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		r.metrics = m
	}
}

// IsShared reports whether busID has a persisted ShareRecord.
func (r *Registry) IsShared(ctx context.Context, busID string) (bool, error) {
	_, err := r.store.Get(ctx, busID)
	if errors.Is(err, ErrShareNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AllShared returns every persisted ShareRecord.
func (r *Registry) AllShared(ctx context.Context) ([]ShareRecord, error) {
	return r.store.List(ctx)
}

// MarkAttached records that clientAddr now holds busID; it fails with
// ErrAlreadyAttached if another attachment already holds it. The registry
// is the only process-wide shared state in the core, so this single mutex
// is the sole serialization point for two sessions racing the same bus id.
func (r *Registry) MarkAttached(busID, clientAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, attached := r.attached[busID]; attached {
		return ErrAlreadyAttached
	}
	r.attached[busID] = attachState{clientAddr: clientAddr, attachedAt: time.Now()}
	return nil
}

// MarkDetached clears any attach state for busID. Safe to call even if
// busID was never attached (Session teardown calls this unconditionally).
func (r *Registry) MarkDetached(busID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, busID)
}

// AttachedTo returns the client address holding busID, if any.
func (r *Registry) AttachedTo(busID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.attached[busID]
	return st.clientAddr, ok
}

// Preseed binds every record in recs that isn't already shared, skipping
// (rather than failing) any that are, so restarting with the same config
// file is idempotent. Used at startup to apply a config-declared share
// list on top of whatever the store already persisted.
func (r *Registry) Preseed(ctx context.Context, recs []ShareRecord) error {
	for _, rec := range recs {
		shared, err := r.IsShared(ctx, rec.BusID)
		if err != nil {
			return err
		}
		if shared {
			continue
		}
		guid := rec.GUID
		if guid == "" {
			guid = uuid.NewString()
		}
		if err := r.store.Create(ctx, ShareRecord{
			BusID:        rec.BusID,
			GUID:         guid,
			FriendlyName: rec.FriendlyName,
		}); err != nil {
			return err
		}
	}
	r.refreshSharedGauge(ctx)
	return nil
}

// Bind creates a new ShareRecord for busID, generating its GUID.
func (r *Registry) Bind(ctx context.Context, busID, friendlyName string) error {
	shared, err := r.IsShared(ctx, busID)
	if err != nil {
		return err
	}
	if shared {
		return ErrAlreadyShared
	}
	if err := r.store.Create(ctx, ShareRecord{
		BusID:        busID,
		GUID:         uuid.NewString(),
		FriendlyName: friendlyName,
	}); err != nil {
		return err
	}
	r.refreshSharedGauge(ctx)
	return nil
}

// Unbind removes busID's ShareRecord. Callers must ensure it is not
// currently attached; the core itself only calls this outside CMD_MODE.
func (r *Registry) Unbind(ctx context.Context, busID string) error {
	if err := r.store.Delete(ctx, busID); err != nil {
		return err
	}
	r.refreshSharedGauge(ctx)
	return nil
}

// UnbindByGUID resolves guid to a bus id and removes its ShareRecord,
// supporting `unbind -g` from the CLI surface.
func (r *Registry) UnbindByGUID(ctx context.Context, guid string) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.GUID == guid {
			if err := r.store.Delete(ctx, rec.BusID); err != nil {
				return err
			}
			r.refreshSharedGauge(ctx)
			return nil
		}
	}
	return ErrShareNotFound
}

func (r *Registry) refreshSharedGauge(ctx context.Context) {
	all, err := r.store.List(ctx)
	if err != nil {
		return
	}
	r.metrics.SharedDevices.Set(float64(len(all)))
}
