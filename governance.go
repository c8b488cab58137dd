package registrar

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ImplementationSwapper is the narrow registry surface governance
// drives. *Registry satisfies it.
type ImplementationSwapper interface {
	SwapImplementation(ctx context.Context, name, newImplementationRef, newVersion, caller string) error
}

// GovernanceConfig carries the tunable governance parameters. The zero
// value is usable; unset fields fall back to the documented defaults.
type GovernanceConfig struct {
	// Identity is the principal governance presents to the registry
	// when executing swaps. Grant it the upgrader capability to funnel
	// all implementation changes through governance.
	Identity string `yaml:"identity" toml:"identity" env:"IDENTITY"`

	// TimelockDuration is the minimum delay between a proposal's
	// creation and its allowed execution. Default 24h.
	TimelockDuration time.Duration `yaml:"timelockDuration" toml:"timelockDuration" env:"TIMELOCK_DURATION"`

	// MinTimelock and MaxTimelock bound SetTimelockDuration, preventing
	// degenerate instant-execution or permanently-frozen
	// configurations. Defaults 1m and 720h.
	MinTimelock time.Duration `yaml:"minTimelock" toml:"minTimelock" env:"MIN_TIMELOCK"`
	MaxTimelock time.Duration `yaml:"maxTimelock" toml:"maxTimelock" env:"MAX_TIMELOCK"`

	// ApprovalQuorum is the number of distinct approvers required
	// before a proposal becomes executable. Default 1, matching
	// single-approval-suffices semantics.
	ApprovalQuorum int `yaml:"approvalQuorum" toml:"approvalQuorum" env:"APPROVAL_QUORUM"`

	// ProposalExpiry, when positive, rejects execution after
	// ProposedAt+ProposalExpiry. Zero disables expiry: approved
	// proposals remain pending indefinitely.
	ProposalExpiry time.Duration `yaml:"proposalExpiry" toml:"proposalExpiry" env:"PROPOSAL_EXPIRY"`
}

func (c *GovernanceConfig) applyDefaults() {
	if c.Identity == "" {
		c.Identity = "governance"
	}
	if c.TimelockDuration == 0 {
		c.TimelockDuration = 24 * time.Hour
	}
	if c.MinTimelock == 0 {
		c.MinTimelock = time.Minute
	}
	if c.MaxTimelock == 0 {
		c.MaxTimelock = 720 * time.Hour
	}
	if c.ApprovalQuorum == 0 {
		c.ApprovalQuorum = 1
	}
}

// Validate checks the configuration for internal consistency.
func (c *GovernanceConfig) Validate() error {
	if c.ApprovalQuorum < 1 {
		return fmt.Errorf("%w: got %d", ErrQuorumTooLow, c.ApprovalQuorum)
	}
	if c.MinTimelock <= 0 || c.MaxTimelock <= 0 || c.MinTimelock > c.MaxTimelock {
		return fmt.Errorf("%w: min %s max %s", ErrTimelockBoundsBad, c.MinTimelock, c.MaxTimelock)
	}
	if c.TimelockDuration < c.MinTimelock || c.TimelockDuration > c.MaxTimelock {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrTimelockOutOfBounds, c.TimelockDuration, c.MinTimelock, c.MaxTimelock)
	}
	return nil
}

// Governance mediates implementation swaps behind a propose, approve,
// timelock, execute protocol so no single proposer or approver can
// unilaterally and instantly change a live component. It owns its
// proposer and approver role sets, distinct from the registry's
// upgrader set, and holds a fixed reference to the registry it governs.
type Governance struct {
	*subject

	owner     string
	identity  string
	registry  ImplementationSwapper
	clock     Clock
	logger    Logger
	store     Store
	proposers *RoleSet
	approvers *RoleSet

	mu        sync.RWMutex
	proposals map[uint64]*UpgradeProposal
	order     []uint64
	nextID    uint64
	timelock  time.Duration
	minLock   time.Duration
	maxLock   time.Duration
	quorum    int
	expiry    time.Duration
}

// GovernanceOption configures optional governance collaborators.
type GovernanceOption func(*Governance)

// WithGovernanceClock overrides the clock feeding all "now" reads,
// including the timelock gate.
func WithGovernanceClock(clock Clock) GovernanceOption {
	return func(g *Governance) { g.clock = clock }
}

// WithGovernanceLogger sets the structured logger.
func WithGovernanceLogger(logger Logger) GovernanceOption {
	return func(g *Governance) { g.logger = logger }
}

// WithGovernanceStore sets the durable store. Proposals, role sets and
// the timelock duration are restored from it during construction.
func WithGovernanceStore(store Store) GovernanceOption {
	return func(g *Governance) { g.store = store }
}

// NewGovernance creates a governance instance administered by owner and
// bound to the given registry. The registry reference is fixed for the
// governance instance's lifetime.
func NewGovernance(owner string, registry ImplementationSwapper, cfg GovernanceConfig, opts ...GovernanceOption) (*Governance, error) {
	if owner == "" {
		return nil, ErrOwnerEmpty
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Governance{
		owner:     owner,
		identity:  cfg.Identity,
		registry:  registry,
		clock:     SystemClock(),
		logger:    NopLogger{},
		store:     NewMemoryStore(),
		proposers: NewRoleSet(RoleProposer),
		approvers: NewRoleSet(RoleApprover),
		proposals: make(map[uint64]*UpgradeProposal),
		nextID:    1,
		timelock:  cfg.TimelockDuration,
		minLock:   cfg.MinTimelock,
		maxLock:   cfg.MaxTimelock,
		quorum:    cfg.ApprovalQuorum,
		expiry:    cfg.ProposalExpiry,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.subject = newSubject("governance", g.clock, g.logger)

	state, err := g.store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("restoring governance state: %w", err)
	}
	for i := range state.Proposals {
		p := state.Proposals[i]
		g.proposals[p.ID] = &p
		g.order = append(g.order, p.ID)
		if p.ID >= g.nextID {
			g.nextID = p.ID + 1
		}
	}
	g.proposers.replace(state.Proposers)
	g.approvers.replace(state.Approvers)
	if state.TimelockDuration != 0 {
		if state.TimelockDuration < g.minLock || state.TimelockDuration > g.maxLock {
			g.logger.Warn("Persisted timelock outside configured bounds, keeping default",
				"persisted", state.TimelockDuration, "default", g.timelock)
		} else {
			g.timelock = state.TimelockDuration
		}
	}

	return g, nil
}

// Owner returns the owning authority principal.
func (g *Governance) Owner() string { return g.owner }

// Identity returns the principal governance presents to the registry.
func (g *Governance) Identity() string { return g.identity }

// TimelockDuration returns the timelock applied to new proposals.
func (g *Governance) TimelockDuration() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timelock
}

// ApprovalQuorum returns the number of distinct approvals required.
func (g *Governance) ApprovalQuorum() int { return g.quorum }

// Propose submits an upgrade request and returns its proposal id. The
// caller must hold the proposer role. The target component need not
// exist yet; existence is validated at execution time so proposals can
// be prepared ahead of a component's installation.
func (g *Governance) Propose(ctx context.Context, targetComponent, newImplementationRef, newVersion, description, caller string) (uint64, error) {
	if targetComponent == "" {
		return 0, ErrComponentNameEmpty
	}
	if newImplementationRef == "" {
		return 0, ErrImplementationEmpty
	}
	if newVersion == "" {
		return 0, ErrVersionEmpty
	}
	if !g.proposers.Contains(caller) {
		return 0, fmt.Errorf("%w: %s", ErrNotProposer, caller)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	p := &UpgradeProposal{
		ID:                   g.nextID,
		TargetComponent:      targetComponent,
		NewImplementationRef: newImplementationRef,
		NewVersion:           newVersion,
		Description:          description,
		Proposer:             caller,
		ProposedAt:           now,
		EarliestExecution:    now.Add(g.timelock),
	}

	if err := g.store.SaveProposal(ctx, *p); err != nil {
		return 0, fmt.Errorf("persisting proposal: %w", err)
	}

	g.proposals[p.ID] = p
	g.order = append(g.order, p.ID)
	g.nextID++

	g.logger.Info("Proposal created", "proposal", p.ID, "component", targetComponent, "version", newVersion, "actor", caller)
	g.emit(ctx, EventTypeProposalCreated, map[string]interface{}{
		"id":                p.ID,
		"targetComponent":   targetComponent,
		"newVersion":        newVersion,
		"earliestExecution": p.EarliestExecution,
	}, caller)

	return p.ID, nil
}

// Approve records the caller's approval of a proposal. The caller must
// hold the approver role and the proposal must not be executed.
// Approval flips once the distinct-approver count reaches the quorum;
// further approvals are harmless no-ops.
func (g *Governance) Approve(ctx context.Context, proposalID uint64, caller string) error {
	if !g.approvers.Contains(caller) {
		return fmt.Errorf("%w: %s", ErrNotApprover, caller)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.proposals[proposalID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	if p.Executed {
		return fmt.Errorf("%w: %d", ErrProposalExecuted, proposalID)
	}
	if p.approvedBy(caller) {
		return nil
	}

	updated := p.clone()
	updated.Approvals = append(updated.Approvals, caller)
	if len(updated.Approvals) >= g.quorum {
		updated.Approved = true
	}

	if err := g.store.SaveProposal(ctx, *updated); err != nil {
		return fmt.Errorf("persisting proposal %d: %w", proposalID, err)
	}

	*p = *updated

	g.logger.Info("Proposal approved", "proposal", proposalID, "approvals", len(p.Approvals), "quorum", g.quorum, "actor", caller)
	g.emit(ctx, EventTypeProposalApproved, map[string]interface{}{
		"id":        proposalID,
		"approvals": len(p.Approvals),
		"approved":  p.Approved,
	}, caller)

	return nil
}

// Execute runs an approved proposal once its timelock has elapsed,
// swapping the target component's implementation through the registry
// under the governance identity. The caller must hold the approver
// role. Execution is guarded against re-entry and concurrent calls: the
// proposal is marked executed before the registry call, and the mark is
// rolled back if the swap fails, so the executed flag and the
// registry's new implementation either both land or neither does.
func (g *Governance) Execute(ctx context.Context, proposalID uint64, caller string) error {
	if !g.approvers.Contains(caller) {
		return fmt.Errorf("%w: %s", ErrNotApprover, caller)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, exists := g.proposals[proposalID]
	if !exists {
		return fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	if p.Executed {
		return fmt.Errorf("%w: %d", ErrProposalExecuted, proposalID)
	}
	if !p.Approved {
		return fmt.Errorf("%w: %d", ErrProposalNotApproved, proposalID)
	}

	now := g.clock.Now()
	if now.Before(p.EarliestExecution) {
		return fmt.Errorf("%w: proposal %d executable at %s", ErrTimelockNotElapsed, proposalID, p.EarliestExecution.Format(time.RFC3339))
	}
	if g.expiry > 0 && now.After(p.ProposedAt.Add(g.expiry)) {
		return fmt.Errorf("%w: %d", ErrProposalExpired, proposalID)
	}

	// Mark before the downstream call so a re-entrant Execute observes
	// the terminal state; roll back on swap failure.
	p.Executed = true
	p.ExecutedAt = now

	if err := g.registry.SwapImplementation(ctx, p.TargetComponent, p.NewImplementationRef, p.NewVersion, g.identity); err != nil {
		p.Executed = false
		p.ExecutedAt = time.Time{}
		return fmt.Errorf("executing proposal %d: %w", proposalID, err)
	}

	if err := g.store.SaveProposal(ctx, *p); err != nil {
		// The swap is already applied; keep the executed mark so the
		// proposal cannot run twice in this process, and surface the
		// persistence failure loudly.
		g.logger.Error("Failed to persist executed proposal", "proposal", proposalID, "error", err)
	}

	g.logger.Info("Proposal executed", "proposal", proposalID, "component", p.TargetComponent, "version", p.NewVersion, "actor", caller)
	g.emit(ctx, EventTypeProposalExecuted, map[string]interface{}{
		"id":                proposalID,
		"targetComponent":   p.TargetComponent,
		"implementationRef": p.NewImplementationRef,
		"version":           p.NewVersion,
	}, caller)

	return nil
}

// SetTimelockDuration updates the timelock applied to future proposals.
// Owning authority only; the duration must fall inside the configured
// [min, max] bounds. Existing proposals keep the earliest-execution
// instant computed when they were submitted.
func (g *Governance) SetTimelockDuration(ctx context.Context, d time.Duration, caller string) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}
	if d < g.minLock || d > g.maxLock {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrTimelockOutOfBounds, d, g.minLock, g.maxLock)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.SaveTimelock(ctx, d); err != nil {
		return fmt.Errorf("persisting timelock: %w", err)
	}
	g.timelock = d

	g.logger.Info("Timelock updated", "duration", d, "actor", caller)
	g.emit(ctx, EventTypeTimelockUpdated, map[string]interface{}{
		"duration": d.String(),
	}, caller)

	return nil
}

// AddProposer grants the proposer role. Owning authority only;
// idempotent.
func (g *Governance) AddProposer(ctx context.Context, identity, caller string) error {
	return g.grantRole(ctx, g.proposers, identity, caller)
}

// RemoveProposer revokes the proposer role. Owning authority only;
// idempotent.
func (g *Governance) RemoveProposer(ctx context.Context, identity, caller string) error {
	return g.revokeRole(ctx, g.proposers, identity, caller)
}

// AddApprover grants the approver role. Owning authority only;
// idempotent.
func (g *Governance) AddApprover(ctx context.Context, identity, caller string) error {
	return g.grantRole(ctx, g.approvers, identity, caller)
}

// RemoveApprover revokes the approver role. Owning authority only;
// idempotent.
func (g *Governance) RemoveApprover(ctx context.Context, identity, caller string) error {
	return g.revokeRole(ctx, g.approvers, identity, caller)
}

// Proposers returns the proposer role membership, sorted.
func (g *Governance) Proposers() []string { return g.proposers.Members() }

// Approvers returns the approver role membership, sorted.
func (g *Governance) Approvers() []string { return g.approvers.Members() }

// GetProposal returns a copy of the proposal with the given id.
func (g *Governance) GetProposal(proposalID uint64) (UpgradeProposal, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, exists := g.proposals[proposalID]
	if !exists {
		return UpgradeProposal{}, fmt.Errorf("%w: %d", ErrProposalNotFound, proposalID)
	}
	return *p.clone(), nil
}

// ListProposals returns copies of all proposals in creation order.
func (g *Governance) ListProposals() []UpgradeProposal {
	g.mu.RLock()
	defer g.mu.RUnlock()

	proposals := make([]UpgradeProposal, 0, len(g.order))
	for _, id := range g.order {
		proposals = append(proposals, *g.proposals[id].clone())
	}
	return proposals
}

func (g *Governance) grantRole(ctx context.Context, set *RoleSet, identity, caller string) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}
	if identity == "" {
		return ErrIdentityEmpty
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if set.Contains(identity) {
		return nil
	}

	members := append(set.Members(), identity)
	if err := g.store.SaveRoles(ctx, set.Kind(), members); err != nil {
		return fmt.Errorf("persisting %s set: %w", set.Kind(), err)
	}
	set.Add(identity)

	g.logger.Info("Role granted", "role", set.Kind(), "identity", identity, "actor", caller)
	g.emit(ctx, EventTypeRoleGranted, map[string]interface{}{
		"role":     set.Kind(),
		"identity": identity,
	}, caller)

	return nil
}

func (g *Governance) revokeRole(ctx context.Context, set *RoleSet, identity, caller string) error {
	if caller != g.owner {
		return fmt.Errorf("%w: %s", ErrNotOwningAuthority, caller)
	}
	if identity == "" {
		return ErrIdentityEmpty
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !set.Contains(identity) {
		return nil
	}

	members := make([]string, 0, set.Len()-1)
	for _, m := range set.Members() {
		if m != identity {
			members = append(members, m)
		}
	}
	if err := g.store.SaveRoles(ctx, set.Kind(), members); err != nil {
		return fmt.Errorf("persisting %s set: %w", set.Kind(), err)
	}
	set.Remove(identity)

	g.logger.Info("Role revoked", "role", set.Kind(), "identity", identity, "actor", caller)
	g.emit(ctx, EventTypeRoleRevoked, map[string]interface{}{
		"role":     set.Kind(),
		"identity": identity,
	}, caller)

	return nil
}
