package trigger

import (
	"context"
	"errors"
	"fmt"
)

// ErrConfigInvalid wraps configuration validation failures. Validation
// happens before setup, so a rejected config leaves no provider side
// effects behind.
var ErrConfigInvalid = errors.New("invalid trigger configuration")

// configError builds a validation failure.
func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Provider implements one trigger capability set. Providers own the
// side state their setup creates (schedules, webhook registrations) and
// must fully reclaim it on teardown.
type Provider interface {
	// ProviderID identifies this provider in trigger records.
	ProviderID() string

	// TriggerType is the trigger type this provider serves.
	TriggerType() Type

	// ValidateConfig checks and normalizes a trigger config. The
	// returned map is what gets persisted.
	ValidateConfig(config map[string]any) (map[string]any, error)

	// Setup binds a trigger to its event source. Implementations may
	// write provider state back into trigger.Config.
	Setup(ctx context.Context, t *Trigger) error

	// Teardown reclaims everything Setup created.
	Teardown(ctx context.Context, t *Trigger) error

	// ProcessEvent converts an inbound event into an execution
	// decision. Failures are reported in the result.
	ProcessEvent(ctx context.Context, t *Trigger, event Event) Result

	// HealthCheck reports whether the trigger's binding is healthy.
	HealthCheck(ctx context.Context, t *Trigger) bool
}
