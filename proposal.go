package registrar

import "time"

// ProposalStatus is the derived lifecycle state of a proposal.
type ProposalStatus string

// Proposal lifecycle states. Proposed and Approved are non-terminal;
// Executed is terminal and guarded against re-execution.
const (
	ProposalStatusProposed ProposalStatus = "proposed"
	ProposalStatusApproved ProposalStatus = "approved"
	ProposalStatusExecuted ProposalStatus = "executed"
)

// UpgradeProposal is one governance request to swap a component's
// implementation. The payload fields are immutable once created; only
// the approval and execution state advances.
type UpgradeProposal struct {
	// ID is a monotonically increasing sequence number, unique within
	// one governance instance.
	ID uint64 `json:"id"`

	// TargetComponent names the component to upgrade. It need not exist
	// at proposal time; existence is validated at execution.
	TargetComponent string `json:"targetComponent"`

	// NewImplementationRef and NewVersion describe the intended change.
	NewImplementationRef string `json:"newImplementationRef"`
	NewVersion           string `json:"newVersion"`

	// Description is free-form operator context for the change.
	Description string `json:"description"`

	// Proposer is the identity that submitted the proposal.
	Proposer string `json:"proposer"`

	// ProposedAt is the submission timestamp.
	ProposedAt time.Time `json:"proposedAt"`

	// EarliestExecution is ProposedAt plus the timelock duration in
	// effect at proposal time. Execute before this instant is rejected.
	EarliestExecution time.Time `json:"earliestExecution"`

	// Approvals holds the distinct approver identities that have
	// approved, in approval order.
	Approvals []string `json:"approvals"`

	// Approved flips true once the approval set reaches the configured
	// quorum. With the default quorum of one, any single qualifying
	// approval suffices.
	Approved bool `json:"approved"`

	// Executed is terminal once true; the proposal can never run again.
	Executed bool `json:"executed"`

	// ExecutedAt is set when the proposal is executed.
	ExecutedAt time.Time `json:"executedAt,omitempty"`
}

// Status derives the lifecycle state from the flag fields.
func (p *UpgradeProposal) Status() ProposalStatus {
	switch {
	case p.Executed:
		return ProposalStatusExecuted
	case p.Approved:
		return ProposalStatusApproved
	default:
		return ProposalStatusProposed
	}
}

// approvedBy reports whether identity already approved this proposal.
func (p *UpgradeProposal) approvedBy(identity string) bool {
	for _, a := range p.Approvals {
		if a == identity {
			return true
		}
	}
	return false
}

// clone returns a deep copy so readers never alias governance-owned
// state.
func (p *UpgradeProposal) clone() *UpgradeProposal {
	cp := *p
	cp.Approvals = append([]string(nil), p.Approvals...)
	return &cp
}
