package registrar

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry is the single source of truth for which implementation
// currently backs which named component. It is a pure bookkeeping and
// authorization layer: it never calls out to the implementations it
// points at, so its correctness is independent of any business-module
// behavior.
//
// Mutations are serialized per registry; queries run concurrently and
// return copies, so readers never observe a partially-updated record.
type Registry struct {
	*subject

	owner      string
	clock      Clock
	logger     Logger
	store      Store
	upgraders  *RoleSet
	mu         sync.RWMutex
	components map[string]*ComponentRecord
	order      []string
}

// RegistryOption configures optional registry collaborators.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for record timestamps.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithRegistryLogger sets the structured logger.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRegistryStore sets the durable store. Existing components and the
// upgrader set are restored from it during construction.
func WithRegistryStore(store Store) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// NewRegistry creates a registry administered by the given owning
// authority. The owner is implicitly privileged to swap implementations
// and manage the upgrader set; it is not itself a member of the set.
func NewRegistry(owner string, opts ...RegistryOption) (*Registry, error) {
	if owner == "" {
		return nil, ErrOwnerEmpty
	}

	r := &Registry{
		owner:      owner,
		clock:      SystemClock(),
		logger:     NopLogger{},
		store:      NewMemoryStore(),
		upgraders:  NewRoleSet(RoleUpgrader),
		components: make(map[string]*ComponentRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.subject = newSubject("registry", r.clock, r.logger)

	state, err := r.store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("restoring registry state: %w", err)
	}
	for i := range state.Components {
		rec := state.Components[i]
		r.components[rec.Name] = &rec
		r.order = append(r.order, rec.Name)
	}
	r.upgraders.replace(state.Upgraders)

	return r, nil
}

// Owner returns the owning authority principal.
func (r *Registry) Owner() string { return r.owner }

// Install registers a new named component with its instance handle and
// initial implementation. A name is claimed for the lifetime of its
// instance: re-installation under an existing name is rejected even
// after deactivation. An empty instanceHandle is replaced by a
// generated UUID.
func (r *Registry) Install(ctx context.Context, name, instanceHandle, implementationRef, version, caller string) (ComponentRecord, error) {
	if name == "" {
		return ComponentRecord{}, ErrComponentNameEmpty
	}
	if implementationRef == "" {
		return ComponentRecord{}, ErrImplementationEmpty
	}
	if version == "" {
		return ComponentRecord{}, ErrVersionEmpty
	}
	if instanceHandle == "" {
		instanceHandle = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.components[name]; exists {
		return ComponentRecord{}, fmt.Errorf("%w: %s", ErrComponentExists, name)
	}

	now := r.clock.Now()
	rec := ComponentRecord{
		Name:              name,
		InstanceHandle:    instanceHandle,
		ImplementationRef: implementationRef,
		Version:           version,
		CreatedAt:         now,
		LastUpgradedAt:    now,
		Active:            true,
	}

	if err := r.store.SaveComponent(ctx, rec); err != nil {
		return ComponentRecord{}, fmt.Errorf("persisting component %q: %w", name, err)
	}

	r.components[name] = &rec
	r.order = append(r.order, name)

	r.logger.Info("Component installed", "component", name, "implementation", implementationRef, "version", version, "actor", caller)
	r.emit(ctx, EventTypeComponentInstalled, map[string]interface{}{
		"name":              name,
		"instanceHandle":    instanceHandle,
		"implementationRef": implementationRef,
		"version":           version,
	}, caller)

	return rec, nil
}

// SwapImplementation atomically repoints an active component at a new
// implementation. The caller must be an authorized upgrader or the
// owning authority. ImplementationRef, Version and LastUpgradedAt
// change together; the instance handle is untouched.
func (r *Registry) SwapImplementation(ctx context.Context, name, newImplementationRef, newVersion, caller string) error {
	if newImplementationRef == "" {
		return ErrImplementationEmpty
	}
	if newVersion == "" {
		return ErrVersionEmpty
	}
	if caller != r.owner && !r.upgraders.Contains(caller) {
		return fmt.Errorf("%w: %s", ErrNotUpgrader, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.components[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}
	if !rec.Active {
		return fmt.Errorf("%w: %s", ErrComponentInactive, name)
	}

	updated := *rec
	updated.ImplementationRef = newImplementationRef
	updated.Version = newVersion
	updated.LastUpgradedAt = r.clock.Now()

	if err := r.store.SaveComponent(ctx, updated); err != nil {
		return fmt.Errorf("persisting component %q: %w", name, err)
	}

	*rec = updated

	r.logger.Info("Implementation swapped", "component", name, "implementation", newImplementationRef, "version", newVersion, "actor", caller)
	r.emit(ctx, EventTypeComponentSwapped, map[string]interface{}{
		"name":              name,
		"implementationRef": newImplementationRef,
		"version":           newVersion,
	}, caller)

	return nil
}

// Deactivate permanently excludes a component from further upgrades.
// The instance keeps operating against its last implementation. Owning
// authority only; there is no reactivation.
func (r *Registry) Deactivate(ctx context.Context, name, caller string) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.components[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}
	if !rec.Active {
		return fmt.Errorf("%w: %s", ErrComponentInactive, name)
	}

	updated := *rec
	updated.Active = false

	if err := r.store.SaveComponent(ctx, updated); err != nil {
		return fmt.Errorf("persisting component %q: %w", name, err)
	}

	*rec = updated

	r.logger.Info("Component deactivated", "component", name, "actor", caller)
	r.emit(ctx, EventTypeComponentDeactivated, map[string]interface{}{
		"name": name,
	}, caller)

	return nil
}

// Query returns a copy of the record for name. It is read-only and
// always available; the only failure is an unknown name.
func (r *Registry) Query(name string) (ComponentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.components[name]
	if !exists {
		return ComponentRecord{}, fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}
	return *rec, nil
}

// List returns component names in installation order. The result is
// stable between installs and safe for the caller to retain.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// AuthorizeUpgrader grants the upgrader capability to identity. Owning
// authority only. Authorizing an already-authorized identity is a no-op
// success.
func (r *Registry) AuthorizeUpgrader(ctx context.Context, identity, caller string) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}
	if identity == "" {
		return ErrIdentityEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.upgraders.Contains(identity) {
		return nil
	}

	members := append(r.upgraders.Members(), identity)
	if err := r.store.SaveRoles(ctx, RoleUpgrader, members); err != nil {
		return fmt.Errorf("persisting upgrader set: %w", err)
	}
	r.upgraders.Add(identity)

	r.logger.Info("Upgrader authorized", "identity", identity, "actor", caller)
	r.emit(ctx, EventTypeUpgraderAuthorized, map[string]interface{}{
		"identity": identity,
	}, caller)

	return nil
}

// RevokeUpgrader removes the upgrader capability from identity. Owning
// authority only. Revoking an identity that isn't authorized is a no-op
// success.
func (r *Registry) RevokeUpgrader(ctx context.Context, identity, caller string) error {
	if caller != r.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}
	if identity == "" {
		return ErrIdentityEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.upgraders.Contains(identity) {
		return nil
	}

	members := make([]string, 0, r.upgraders.Len()-1)
	for _, m := range r.upgraders.Members() {
		if m != identity {
			members = append(members, m)
		}
	}
	if err := r.store.SaveRoles(ctx, RoleUpgrader, members); err != nil {
		return fmt.Errorf("persisting upgrader set: %w", err)
	}
	r.upgraders.Remove(identity)

	r.logger.Info("Upgrader revoked", "identity", identity, "actor", caller)
	r.emit(ctx, EventTypeUpgraderRevoked, map[string]interface{}{
		"identity": identity,
	}, caller)

	return nil
}

// IsUpgrader reports whether identity may swap implementations
// directly. The owning authority is implicitly privileged and reports
// true without being a set member.
func (r *Registry) IsUpgrader(identity string) bool {
	return identity == r.owner || r.upgraders.Contains(identity)
}

// Upgraders returns the explicit upgrader set, sorted. The owning
// authority is not a member by default.
func (r *Registry) Upgraders() []string {
	return r.upgraders.Members()
}
