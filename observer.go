// Package registrar tracks which implementation module currently backs
// each named, independently-addressable component instance, and gates
// implementation changes behind a propose/approve/timelock/execute
// governance protocol.
//
// The two core types are Registry, the single source of truth for
// component records and the upgrader capability set, and Governance,
// which funnels implementation swaps through a multi-party, timelocked
// proposal workflow. Both emit CloudEvents for every successful
// mutation so external audit tooling can observe the full history.
//
// Basic usage:
//
//	reg, _ := registrar.NewRegistry("root", registrar.WithRegistryLogger(logger))
//	gov, _ := registrar.NewGovernance("root", reg, registrar.GovernanceConfig{}, registrar.WithGovernanceLogger(logger))
//	reg.AuthorizeUpgrader(ctx, gov.Identity(), "root")
package registrar

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Observer is implemented by consumers that want to be notified of
// registry and governance mutations. Events use the CloudEvents
// specification for standardization.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	// Observers should return quickly to avoid delaying other observers.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used
	// for registration tracking and debugging.
	ObserverID() string
}

// Subject is implemented by event emitters. Registry and Governance
// both satisfy it.
type Subject interface {
	// RegisterObserver adds an observer. Observers can optionally filter
	// by event type; an empty eventTypes list receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for debugging and
// administrative interfaces.
type ObserverInfo struct {
	// ID is the unique identifier of the observer
	ID string `json:"id"`

	// EventTypes are the event types this observer is subscribed to.
	// Empty slice means all events.
	EventTypes []string `json:"eventTypes"`

	// RegisteredAt indicates when the observer was registered
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event type constants emitted by the registry and governance.
// Following CloudEvents specification, these use reverse domain notation.
const (
	// Registry events
	EventTypeComponentInstalled   = "com.registrar.component.installed"
	EventTypeComponentSwapped     = "com.registrar.component.swapped"
	EventTypeComponentDeactivated = "com.registrar.component.deactivated"
	EventTypeUpgraderAuthorized   = "com.registrar.upgrader.authorized"
	EventTypeUpgraderRevoked      = "com.registrar.upgrader.revoked"

	// Governance events
	EventTypeProposalCreated  = "com.registrar.proposal.created"
	EventTypeProposalApproved = "com.registrar.proposal.approved"
	EventTypeProposalExecuted = "com.registrar.proposal.executed"
	EventTypeTimelockUpdated  = "com.registrar.timelock.updated"
	EventTypeRoleGranted      = "com.registrar.role.granted"
	EventTypeRoleRevoked      = "com.registrar.role.revoked"
)

// FunctionalObserver provides a simple way to create observers from a
// function, without defining a full struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer that delegates event
// handling to the provided function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{
		id:      id,
		handler: handler,
	}
}

// OnEvent implements Observer by calling the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer by returning the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
