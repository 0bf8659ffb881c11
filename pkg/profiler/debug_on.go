//go:build scopewire_debug

package profiler

// debugAssertions turns misuse of the API into panics.
const debugAssertions = true
