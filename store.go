package registrar

import (
	"context"
	"time"
)

// State is a full snapshot of registry and governance state as loaded
// from a Store. Components and Proposals are in installation/creation
// order.
type State struct {
	Components       []ComponentRecord `json:"components"`
	Upgraders        []string          `json:"upgraders"`
	Proposals        []UpgradeProposal `json:"proposals"`
	Proposers        []string          `json:"proposers"`
	Approvers        []string          `json:"approvers"`
	TimelockDuration time.Duration     `json:"timelockDuration"`
}

// Store persists registry and governance state. Mutating operations
// write through to the store before updating in-memory state, so a
// store failure aborts the operation with no partial mutation; Load
// restores everything at construction so records and their invariants
// survive a restart.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveComponent inserts or updates one component record.
	// Installation order is preserved across updates: a record keeps
	// the position of its first insert.
	SaveComponent(ctx context.Context, record ComponentRecord) error

	// SaveRoles replaces the membership of one role set. Kind is one of
	// RoleUpgrader, RoleProposer, RoleApprover.
	SaveRoles(ctx context.Context, kind string, members []string) error

	// SaveProposal inserts or updates one proposal.
	SaveProposal(ctx context.Context, proposal UpgradeProposal) error

	// SaveTimelock persists the governance timelock duration.
	SaveTimelock(ctx context.Context, d time.Duration) error

	// Load returns the full persisted state. A fresh store returns an
	// empty State with TimelockDuration zero (callers fall back to
	// their configured default).
	Load(ctx context.Context) (*State, error)

	// Close releases underlying resources. Further calls fail with
	// ErrStoreClosed.
	Close() error
}
