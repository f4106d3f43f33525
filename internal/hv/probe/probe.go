// Package probe selects the host's native hypervisor backend. Each
// supported GOOS/GOARCH pair compiles in exactly one backend; Open checks
// the host prerequisites and either hands back a ready Hypervisor or an
// error whose reasons name the missing prerequisite (kernel module not
// loaded, OS feature disabled, permission, entitlement).
//
// Selection is deterministic: the OS-native API, never a fallback.
package probe
