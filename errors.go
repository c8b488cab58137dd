package registrar

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every failure returned by the registry or governance
// wraps exactly one of these kinds, so callers can distinguish "retry
// later" (timelock not elapsed) from "will never succeed as submitted"
// (unauthorized, not found) with errors.Is.
var (
	ErrUnauthorized    = errors.New("caller lacks required role")
	ErrNotFound        = errors.New("referenced name or id not found")
	ErrAlreadyExists   = errors.New("name already registered and active")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("operation not permitted in current state")
)

// Registry errors
var (
	ErrComponentNameEmpty  = fmt.Errorf("%w: component name must not be empty", ErrInvalidArgument)
	ErrImplementationEmpty = fmt.Errorf("%w: implementation reference must not be empty", ErrInvalidArgument)
	ErrVersionEmpty        = fmt.Errorf("%w: version must not be empty", ErrInvalidArgument)
	ErrComponentExists     = fmt.Errorf("%w: component name claimed for the lifetime of its instance", ErrAlreadyExists)
	ErrComponentNotFound   = fmt.Errorf("%w: component not registered", ErrNotFound)
	ErrComponentInactive   = fmt.Errorf("%w: component deactivated", ErrInvalidState)
	ErrNotUpgrader         = fmt.Errorf("%w: caller is not an authorized upgrader", ErrUnauthorized)
	ErrNotOwningAuthority  = fmt.Errorf("%w: caller is not the owning authority", ErrUnauthorized)
	ErrIdentityEmpty       = fmt.Errorf("%w: identity must not be empty", ErrInvalidArgument)
)

// Governance errors
var (
	ErrNotProposer         = fmt.Errorf("%w: caller is not an authorized proposer", ErrUnauthorized)
	ErrNotApprover         = fmt.Errorf("%w: caller is not an authorized approver", ErrUnauthorized)
	ErrProposalNotFound    = fmt.Errorf("%w: proposal not registered", ErrNotFound)
	ErrProposalExecuted    = fmt.Errorf("%w: proposal already executed", ErrInvalidState)
	ErrProposalNotApproved = fmt.Errorf("%w: proposal not yet approved", ErrInvalidState)
	ErrTimelockNotElapsed  = fmt.Errorf("%w: timelock not yet elapsed", ErrInvalidState)
	ErrProposalExpired     = fmt.Errorf("%w: proposal past its expiry window", ErrInvalidState)
	ErrTimelockOutOfBounds = fmt.Errorf("%w: timelock duration outside configured bounds", ErrInvalidArgument)
	ErrQuorumTooLow        = fmt.Errorf("%w: approval quorum must be at least one", ErrInvalidArgument)
)

// Construction errors
var (
	ErrRegistryNil       = errors.New("registry is nil")
	ErrGovernanceNil     = errors.New("governance is nil")
	ErrTimelockBoundsBad = errors.New("timelock bounds must be positive and min <= max")
	ErrOwnerEmpty        = errors.New("owning authority must not be empty")
)

// Store errors
var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrUnknownRoleKind = errors.New("unknown role kind")
)
