package function

import "sync"

// Global resolver used by transformations that were not bound to one,
// which includes every transformation decoded from JSON.
var (
	globalResolver Resolver
	globalOnce     sync.Once
)

// Global returns the process-wide resolver. On first call it is a chain of
// the built-in registry and a WASM resolver, unless InitGlobal ran first.
func Global() Resolver {
	globalOnce.Do(func() {
		globalResolver = ChainResolver{Builtins(), NewWASMResolver("")}
	})
	return globalResolver
}

// InitGlobal installs a custom process-wide resolver.
// Must be called before any call to Global() to take effect.
func InitGlobal(r Resolver) {
	globalOnce.Do(func() {
		globalResolver = r
	})
}

// ResetGlobal resets the global resolver for testing purposes.
// This is NOT thread-safe and should only be used in tests.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalResolver = nil
}
