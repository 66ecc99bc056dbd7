//go:build !linux

package media

// No capture drivers are registered on this platform. Acquire will fail with
// a device error; use the headless source instead.
