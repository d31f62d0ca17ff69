package streamjoin

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the stream-join processor with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "stream-join",
		Factory:     NewComponent,
		Schema:      streamJoinSchema,
		Type:        "processor",
		Protocol:    "join",
		Domain:      "semrml",
		Description: "Correlates two record streams on join keys within event-time windows",
		Version:     "1.0.0",
	})
}
