package registrar

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage. It is the
// default store and the one unit tests run against. State does not
// survive process restart; use SQLiteStore for durability.
type MemoryStore struct {
	mu         sync.RWMutex
	components map[string]ComponentRecord
	order      []string
	proposals  map[uint64]UpgradeProposal
	propOrder  []uint64
	roles      map[string][]string
	timelock   time.Duration
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		components: make(map[string]ComponentRecord),
		proposals:  make(map[uint64]UpgradeProposal),
		roles:      make(map[string][]string),
	}
}

// SaveComponent inserts or updates one component record.
func (s *MemoryStore) SaveComponent(ctx context.Context, record ComponentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, exists := s.components[record.Name]; !exists {
		s.order = append(s.order, record.Name)
	}
	s.components[record.Name] = record
	return nil
}

// SaveRoles replaces the membership of one role set.
func (s *MemoryStore) SaveRoles(ctx context.Context, kind string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	switch kind {
	case RoleUpgrader, RoleProposer, RoleApprover:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRoleKind, kind)
	}

	s.roles[kind] = append([]string(nil), members...)
	return nil
}

// SaveProposal inserts or updates one proposal.
func (s *MemoryStore) SaveProposal(ctx context.Context, proposal UpgradeProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, exists := s.proposals[proposal.ID]; !exists {
		s.propOrder = append(s.propOrder, proposal.ID)
	}
	proposal.Approvals = append([]string(nil), proposal.Approvals...)
	s.proposals[proposal.ID] = proposal
	return nil
}

// SaveTimelock persists the governance timelock duration.
func (s *MemoryStore) SaveTimelock(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.timelock = d
	return nil
}

// Load returns the full persisted state in insertion order.
func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	state := &State{
		Upgraders:        append([]string(nil), s.roles[RoleUpgrader]...),
		Proposers:        append([]string(nil), s.roles[RoleProposer]...),
		Approvers:        append([]string(nil), s.roles[RoleApprover]...),
		TimelockDuration: s.timelock,
	}
	for _, name := range s.order {
		state.Components = append(state.Components, s.components[name])
	}
	for _, id := range s.propOrder {
		p := s.proposals[id]
		p.Approvals = append([]string(nil), p.Approvals...)
		state.Proposals = append(state.Proposals, p)
	}
	return state, nil
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
