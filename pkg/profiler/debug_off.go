//go:build !scopewire_debug

package profiler

const debugAssertions = false
