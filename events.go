package registrar

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a properly formatted CloudEvent. The actor
// extension carries the principal that performed the mutation; every
// audit event emitted by this package sets it.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// generateEventID generates a unique identifier for CloudEvents using
// UUIDv7, which includes timestamp information for time-ordered
// uniqueness.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails for any reason
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the
// specification before it is handed to observers.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// observerRegistration holds information about a registered observer
type observerRegistration struct {
	observer     Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// subject is the shared Subject implementation embedded by Registry and
// Governance. Notification is non-blocking for the emitter and observer
// errors or panics never propagate back into the mutating operation.
type subject struct {
	source    string
	logger    Logger
	clock     Clock
	observers map[string]*observerRegistration
	mu        sync.RWMutex
}

func newSubject(source string, clock Clock, logger Logger) *subject {
	return &subject{
		source:    source,
		logger:    logger,
		clock:     clock,
		observers: make(map[string]*observerRegistration),
	}
}

// RegisterObserver adds an observer, optionally filtered by event type.
func (s *subject) RegisterObserver(observer Observer, eventTypes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventTypeMap := make(map[string]bool)
	for _, eventType := range eventTypes {
		eventTypeMap[eventType] = true
	}

	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: s.clock.Now(),
	}

	s.logger.Debug("Observer registered", "source", s.source, "observerID", observer.ObserverID(), "eventTypes", eventTypes)
	return nil
}

// UnregisterObserver removes an observer. It won't error if the
// observer wasn't registered.
func (s *subject) UnregisterObserver(observer Observer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.observers[observer.ObserverID()]; exists {
		delete(s.observers, observer.ObserverID())
		s.logger.Debug("Observer unregistered", "source", s.source, "observerID", observer.ObserverID())
	}

	return nil
}

// GetObservers returns information about currently registered observers.
func (s *subject) GetObservers() []ObserverInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ObserverInfo, 0, len(s.observers))
	for id, reg := range s.observers {
		eventTypes := make([]string, 0, len(reg.eventTypes))
		for et := range reg.eventTypes {
			eventTypes = append(eventTypes, et)
		}
		infos = append(infos, ObserverInfo{
			ID:           id,
			EventTypes:   eventTypes,
			RegisteredAt: reg.registeredAt,
		})
	}
	return infos
}

// notify delivers the event to each interested observer in its own
// goroutine so a slow or panicking observer can't block the mutation
// path.
func (s *subject) notify(ctx context.Context, event cloudevents.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if event.Time().IsZero() {
		event.SetTime(s.clock.Now())
	}

	if err := ValidateCloudEvent(event); err != nil {
		s.logger.Error("Invalid CloudEvent", "source", s.source, "eventType", event.Type(), "error", err)
		return
	}

	for _, registration := range s.observers {
		registration := registration

		if len(registration.eventTypes) > 0 && !registration.eventTypes[event.Type()] {
			continue
		}

		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Observer panicked", "observerID", registration.observer.ObserverID(), "event", event.Type(), "panic", r)
				}
			}()

			if err := registration.observer.OnEvent(ctx, event); err != nil {
				s.logger.Error("Observer error", "observerID", registration.observer.ObserverID(), "event", event.Type(), "error", err)
			}
		}()
	}
}

// emit builds and delivers an audit event for a successful mutation.
func (s *subject) emit(ctx context.Context, eventType string, data interface{}, actor string) {
	event := NewCloudEvent(eventType, s.source, data, map[string]interface{}{
		"actor": actor,
	})
	event.SetTime(s.clock.Now())
	s.notify(ctx, event)
}
