package registrar

import "time"

// ComponentRecord describes one named, independently-addressable
// component: the stable instance it resolves to and the implementation
// currently backing that instance.
//
// InstanceHandle never changes after installation. ImplementationRef,
// Version and LastUpgradedAt change only together, only while the
// record is active, and only through an authorized swap. Callers
// always go through the instance, never directly to an implementation.
type ComponentRecord struct {
	// Name is the unique human-readable key for the logical component.
	Name string `json:"name"`

	// InstanceHandle is the opaque reference to the running,
	// addressable instance. Immutable for the component's lifetime.
	InstanceHandle string `json:"instanceHandle"`

	// ImplementationRef is the currently active implementation module.
	ImplementationRef string `json:"implementationRef"`

	// Version is the free-form version label, updated atomically with
	// ImplementationRef.
	Version string `json:"version"`

	// CreatedAt is the installation timestamp.
	CreatedAt time.Time `json:"createdAt"`

	// LastUpgradedAt is the timestamp of the most recent swap. Equal to
	// CreatedAt until the first swap.
	LastUpgradedAt time.Time `json:"lastUpgradedAt"`

	// Active is false once the component is deactivated. A deactivated
	// component keeps operating against its last implementation but is
	// permanently excluded from further upgrades.
	Active bool `json:"active"`
}
