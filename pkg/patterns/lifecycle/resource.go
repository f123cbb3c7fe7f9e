package lifecycle

import "context"

// HealthStatus represents the health of a component.
type HealthStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// ManagedResource is a component with an owned lifecycle: the tamper
// detector and session manager implement it so main can start and stop them
// deterministically, timers and subscriptions included.
type ManagedResource interface {
	// Start initializes and starts the component. It should be idempotent.
	Start(ctx context.Context) error

	// Stop shuts the component down, synchronously releasing every timer
	// and subscription it owns. It should be idempotent.
	Stop(ctx context.Context) error

	// Health returns the current health status of the component.
	Health(ctx context.Context) HealthStatus
}
