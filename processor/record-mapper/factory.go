package recordmapper

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the record-mapper processor with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "record-mapper",
		Factory:     NewComponent,
		Schema:      recordMapperSchema,
		Type:        "processor",
		Protocol:    "rml",
		Domain:      "semrml",
		Description: "Maps source records and joined pairs to RDF with RML-style mappings",
		Version:     "1.0.0",
	})
}
