package registrar

import (
	"sort"
	"sync"
)

// Role kinds used for persistence and audit events.
const (
	RoleUpgrader = "upgrader"
	RoleProposer = "proposer"
	RoleApprover = "approver"
)

// RoleSet is a first-class set of principal identities holding one
// capability. Each owning component holds its role sets by reference
// rather than consulting ambient global state, so authorization
// decisions are always attributable to a specific set instance.
//
// Add and Remove are idempotent: granting an already-held role or
// revoking an absent one succeeds without effect.
type RoleSet struct {
	kind    string
	members map[string]struct{}
	mu      sync.RWMutex
}

// NewRoleSet creates an empty role set of the given kind.
func NewRoleSet(kind string) *RoleSet {
	return &RoleSet{
		kind:    kind,
		members: make(map[string]struct{}),
	}
}

// Kind returns the role kind this set governs.
func (r *RoleSet) Kind() string { return r.kind }

// Add grants the role to identity. Returns true if the identity was
// newly added, false if it already held the role.
func (r *RoleSet) Add(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.members[identity]; held {
		return false
	}
	r.members[identity] = struct{}{}
	return true
}

// Remove revokes the role from identity. Returns true if the identity
// held the role, false otherwise.
func (r *RoleSet) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.members[identity]; !held {
		return false
	}
	delete(r.members, identity)
	return true
}

// Contains reports whether identity holds the role.
func (r *RoleSet) Contains(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, held := r.members[identity]
	return held
}

// Len returns the number of identities holding the role.
func (r *RoleSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns the identities holding the role, sorted for stable
// output.
func (r *RoleSet) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// replace swaps the full membership, used when restoring from a store.
func (r *RoleSet) replace(identities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[string]struct{}, len(identities))
	for _, id := range identities {
		r.members[id] = struct{}{}
	}
}
