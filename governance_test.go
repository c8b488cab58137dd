package registrar

import (
	"context"
	"errors"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type govFixture struct {
	clock      *ManualClock
	registry   *Registry
	governance *Governance
}

// newGovFixture wires a registry and governance sharing one manual
// clock, with proposer "pat", approvers "amy" and "ann", and the
// governance identity granted the upgrader capability.
func newGovFixture(t *testing.T, cfg GovernanceConfig, opts ...GovernanceOption) *govFixture {
	t.Helper()
	ctx := context.Background()

	clock := NewManualClock(testEpoch)
	reg, err := NewRegistry(testOwner, WithRegistryClock(clock))
	require.NoError(t, err)

	opts = append([]GovernanceOption{WithGovernanceClock(clock)}, opts...)
	gov, err := NewGovernance(testOwner, reg, cfg, opts...)
	require.NoError(t, err)

	require.NoError(t, reg.AuthorizeUpgrader(ctx, gov.Identity(), testOwner))
	require.NoError(t, gov.AddProposer(ctx, "pat", testOwner))
	require.NoError(t, gov.AddApprover(ctx, "amy", testOwner))
	require.NoError(t, gov.AddApprover(ctx, "ann", testOwner))

	return &govFixture{clock: clock, registry: reg, governance: gov}
}

func TestNewGovernanceValidation(t *testing.T) {
	reg, err := NewRegistry(testOwner)
	require.NoError(t, err)

	_, err = NewGovernance("", reg, GovernanceConfig{})
	require.ErrorIs(t, err, ErrOwnerEmpty)

	_, err = NewGovernance(testOwner, nil, GovernanceConfig{})
	require.ErrorIs(t, err, ErrRegistryNil)

	_, err = NewGovernance(testOwner, reg, GovernanceConfig{ApprovalQuorum: -1})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewGovernance(testOwner, reg, GovernanceConfig{MinTimelock: time.Hour, MaxTimelock: time.Minute})
	require.ErrorIs(t, err, ErrTimelockBoundsBad)

	_, err = NewGovernance(testOwner, reg, GovernanceConfig{TimelockDuration: time.Second, MinTimelock: time.Minute, MaxTimelock: time.Hour})
	require.ErrorIs(t, err, ErrTimelockOutOfBounds)
}

func TestGovernanceDefaults(t *testing.T) {
	fix := newGovFixture(t, GovernanceConfig{})
	assert.Equal(t, 24*time.Hour, fix.governance.TimelockDuration())
	assert.Equal(t, 1, fix.governance.ApprovalQuorum())
	assert.Equal(t, "governance", fix.governance.Identity())
}

func TestProposeAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	id1, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "first", "pat")
	require.NoError(t, err)
	id2, err := fix.governance.Propose(ctx, "FeeSplitter", "impl5", "2.0.0", "second", "pat")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	p, err := fix.governance.GetProposal(id1)
	require.NoError(t, err)
	assert.Equal(t, "pat", p.Proposer)
	assert.Equal(t, testEpoch, p.ProposedAt)
	assert.Equal(t, testEpoch.Add(24*time.Hour), p.EarliestExecution)
	assert.Equal(t, ProposalStatusProposed, p.Status())
}

func TestProposeAuthorizationAndValidation(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	_, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "mallory")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = fix.governance.Propose(ctx, "", "impl2", "1.1.0", "", "pat")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = fix.governance.Propose(ctx, "AssetRegistry", "", "1.1.0", "", "pat")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = fix.governance.Propose(ctx, "AssetRegistry", "impl2", "", "", "pat")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)

	require.ErrorIs(t, fix.governance.Approve(ctx, id, "mallory"), ErrUnauthorized)
	require.ErrorIs(t, fix.governance.Approve(ctx, 99, "amy"), ErrNotFound)

	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))
	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.True(t, p.Approved)
	assert.Equal(t, ProposalStatusApproved, p.Status())

	// Re-approval by others is a harmless no-op.
	require.NoError(t, fix.governance.Approve(ctx, id, "ann"))
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))
	p, err = fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"amy", "ann"}, p.Approvals)
}

func TestApprovalQuorum(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{ApprovalQuorum: 2})

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)

	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))
	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.Approved)

	// The same approver cannot count twice toward quorum.
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))
	p, err = fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.Approved)

	require.NoError(t, fix.governance.Approve(ctx, id, "ann"))
	p, err = fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.True(t, p.Approved)
}

func TestExecutePreconditions(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)

	require.ErrorIs(t, fix.governance.Execute(ctx, id, "mallory"), ErrUnauthorized)
	require.ErrorIs(t, fix.governance.Execute(ctx, 99, "amy"), ErrNotFound)

	// Not yet approved.
	fix.clock.Advance(25 * time.Hour)
	require.ErrorIs(t, fix.governance.Execute(ctx, id, "amy"), ErrProposalNotApproved)
	require.ErrorIs(t, fix.governance.Execute(ctx, id, "amy"), ErrInvalidState)
}

func TestExecuteTimelockBoundary(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)

	// One second shy of the earliest execution instant fails.
	fix.clock.Set(p.EarliestExecution.Add(-time.Second))
	require.ErrorIs(t, fix.governance.Execute(ctx, id, "amy"), ErrTimelockNotElapsed)

	// Exactly at the boundary succeeds.
	fix.clock.Set(p.EarliestExecution)
	require.NoError(t, fix.governance.Execute(ctx, id, "amy"))

	got, err := fix.registry.Query("AssetRegistry")
	require.NoError(t, err)
	assert.Equal(t, "impl2", got.ImplementationRef)
	assert.Equal(t, "1.1.0", got.Version)
}

func TestExecuteExactlyOnce(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	fix.clock.Advance(25 * time.Hour)
	require.NoError(t, fix.governance.Execute(ctx, id, "amy"))

	// The second execution always fails and leaves the registry
	// untouched.
	err = fix.governance.Execute(ctx, id, "ann")
	require.ErrorIs(t, err, ErrProposalExecuted)
	require.ErrorIs(t, err, ErrInvalidState)

	got, err := fix.registry.Query("AssetRegistry")
	require.NoError(t, err)
	assert.Equal(t, "impl2", got.ImplementationRef)

	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, ProposalStatusExecuted, p.Status())
	assert.Equal(t, fix.clock.Now(), p.ExecutedAt)
}

func TestExecuteRollsBackOnSwapFailure(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	// Target deliberately not installed: the registry rejects the swap
	// and the executed mark must be rolled back.
	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	fix.clock.Advance(25 * time.Hour)
	err = fix.governance.Execute(ctx, id, "amy")
	require.ErrorIs(t, err, ErrNotFound)

	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.Executed)
	assert.True(t, p.ExecutedAt.IsZero())

	// Once the component exists the same proposal executes cleanly.
	_, err = fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)
	require.NoError(t, fix.governance.Execute(ctx, id, "amy"))

	got, err := fix.registry.Query("AssetRegistry")
	require.NoError(t, err)
	assert.Equal(t, "impl2", got.ImplementationRef)
}

func TestExecuteRollsBackWhenGovernanceUnauthorized(t *testing.T) {
	ctx := context.Background()

	clock := NewManualClock(testEpoch)
	reg, err := NewRegistry(testOwner, WithRegistryClock(clock))
	require.NoError(t, err)
	gov, err := NewGovernance(testOwner, reg, GovernanceConfig{}, WithGovernanceClock(clock))
	require.NoError(t, err)
	require.NoError(t, gov.AddProposer(ctx, "pat", testOwner))
	require.NoError(t, gov.AddApprover(ctx, "amy", testOwner))

	_, err = reg.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	// Governance identity was never granted the upgrader capability.
	id, err := gov.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, gov.Approve(ctx, id, "amy"))
	clock.Advance(25 * time.Hour)

	err = gov.Execute(ctx, id, "amy")
	require.ErrorIs(t, err, ErrUnauthorized)

	p, err := gov.GetProposal(id)
	require.NoError(t, err)
	assert.False(t, p.Executed)

	// Wiring up the capability makes the retry succeed.
	require.NoError(t, reg.AuthorizeUpgrader(ctx, gov.Identity(), testOwner))
	require.NoError(t, gov.Execute(ctx, id, "amy"))
}

func TestProposalExpiry(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{ProposalExpiry: 48 * time.Hour})

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	fix.clock.Advance(49 * time.Hour)
	err = fix.governance.Execute(ctx, id, "amy")
	require.ErrorIs(t, err, ErrProposalExpired)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSetTimelockDuration(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	require.ErrorIs(t, fix.governance.SetTimelockDuration(ctx, time.Hour, "mallory"), ErrUnauthorized)

	// Bounds are enforced to prevent instant-execution or frozen
	// configurations.
	err := fix.governance.SetTimelockDuration(ctx, time.Second, testOwner)
	require.ErrorIs(t, err, ErrTimelockOutOfBounds)
	err = fix.governance.SetTimelockDuration(ctx, 10000*time.Hour, testOwner)
	require.ErrorIs(t, err, ErrTimelockOutOfBounds)

	require.NoError(t, fix.governance.SetTimelockDuration(ctx, 48*time.Hour, testOwner))
	assert.Equal(t, 48*time.Hour, fix.governance.TimelockDuration())

	// Only new proposals pick up the changed timelock.
	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	p, err := fix.governance.GetProposal(id)
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(48*time.Hour), p.EarliestExecution)
}

func TestRoleManagementIdempotent(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	require.NoError(t, fix.governance.AddProposer(ctx, "pat", testOwner))
	assert.Equal(t, []string{"pat"}, fix.governance.Proposers())

	require.ErrorIs(t, fix.governance.AddProposer(ctx, "eve", "mallory"), ErrUnauthorized)
	require.ErrorIs(t, fix.governance.AddApprover(ctx, "", testOwner), ErrInvalidArgument)

	require.NoError(t, fix.governance.RemoveApprover(ctx, "ann", testOwner))
	require.NoError(t, fix.governance.RemoveApprover(ctx, "ann", testOwner))
	assert.Equal(t, []string{"amy"}, fix.governance.Approvers())
}

func TestEndToEndUpgradeScenario(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)

	// t0: proposer P proposes the upgrade with the default 24h timelock.
	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "rollout of the new asset ledger", "pat")
	require.NoError(t, err)

	// t0+1h: approver A approves.
	fix.clock.Advance(time.Hour)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	// t0+23h: too early.
	fix.clock.Set(testEpoch.Add(23 * time.Hour))
	err = fix.governance.Execute(ctx, id, "amy")
	require.ErrorIs(t, err, ErrInvalidState)

	// t0+24h+1s: executes and the registry reflects the new version.
	fix.clock.Set(testEpoch.Add(24*time.Hour + time.Second))
	require.NoError(t, fix.governance.Execute(ctx, id, "amy"))

	got, err := fix.registry.Query("AssetRegistry")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Version)
	assert.Equal(t, "h", got.InstanceHandle)
}

func TestGovernanceRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	fix := newGovFixture(t, GovernanceConfig{}, WithGovernanceStore(store))
	require.NoError(t, fix.governance.SetTimelockDuration(ctx, 48*time.Hour, testOwner))

	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))

	restored, err := NewGovernance(testOwner, fix.registry, GovernanceConfig{},
		WithGovernanceClock(fix.clock), WithGovernanceStore(store))
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, restored.TimelockDuration())
	assert.Equal(t, []string{"pat"}, restored.Proposers())
	assert.ElementsMatch(t, []string{"amy", "ann"}, restored.Approvers())

	p, err := restored.GetProposal(id)
	require.NoError(t, err)
	assert.True(t, p.Approved)
	assert.Equal(t, []string{"amy"}, p.Approvals)

	// Sequence numbers continue after the restart.
	id2, err := restored.Propose(ctx, "FeeSplitter", "impl5", "2.0.0", "", "pat")
	require.NoError(t, err)
	assert.Equal(t, id+1, id2)
}

func TestGovernanceEmitsAuditEvents(t *testing.T) {
	ctx := context.Background()
	fix := newGovFixture(t, GovernanceConfig{})

	events := make(chan cloudevents.Event, 16)
	require.NoError(t, fix.governance.RegisterObserver(NewFunctionalObserver("audit", func(_ context.Context, e cloudevents.Event) error {
		events <- e
		return nil
	}), EventTypeProposalCreated, EventTypeProposalExecuted))

	_, err := fix.registry.Install(ctx, "AssetRegistry", "h", "impl1", "1.0.0", testOwner)
	require.NoError(t, err)
	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	require.NoError(t, fix.governance.Approve(ctx, id, "amy"))
	fix.clock.Advance(25 * time.Hour)
	require.NoError(t, fix.governance.Execute(ctx, id, "amy"))

	want := map[string]bool{EventTypeProposalCreated: false, EventTypeProposalExecuted: false}
	for {
		allSeen := true
		for _, seen := range want {
			allSeen = allSeen && seen
		}
		if allSeen {
			break
		}
		select {
		case e := <-events:
			if _, tracked := want[e.Type()]; !tracked {
				t.Fatalf("unexpected event type %s", e.Type())
			}
			want[e.Type()] = true
			assert.Equal(t, "governance", e.Source())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", want)
		}
	}
}

// failingStore wraps MemoryStore and fails proposal writes on demand.
type failingStore struct {
	*MemoryStore
	failProposals bool
}

func (s *failingStore) SaveProposal(ctx context.Context, p UpgradeProposal) error {
	if s.failProposals {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveProposal(ctx, p)
}

func TestProposeAbortsOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	fix := newGovFixture(t, GovernanceConfig{}, WithGovernanceStore(store))

	store.failProposals = true
	_, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.Error(t, err)
	assert.Empty(t, fix.governance.ListProposals())

	// The failed attempt must not consume a sequence number.
	store.failProposals = false
	id, err := fix.governance.Propose(ctx, "AssetRegistry", "impl2", "1.1.0", "", "pat")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}
