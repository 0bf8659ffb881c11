package profiler

import "sync/atomic"

var current atomic.Pointer[Profiler]

// Init creates a Profiler and installs it as the process default, destroying
// any previous default. Like Initialize, a transport failure still installs a
// usable Profiler and is reported through the error.
func Init(cfg Config) error {
	p, err := Initialize(cfg)
	if p != nil {
		if old := current.Swap(p); old != nil {
			old.Destroy()
		}
	}
	return err
}

// Default returns the installed Profiler, or nil.
func Default() *Profiler {
	return current.Load()
}

// Shutdown destroys and uninstalls the default Profiler.
func Shutdown() {
	if p := current.Swap(nil); p != nil {
		p.Destroy()
	}
}

// StartScope opens a scope on the default Profiler.
func StartScope(name string) Handle {
	return Default().StartScope(name)
}

// EndScope ends a scope on the default Profiler.
func EndScope(h Handle) {
	Default().EndScope(h)
}

// Scope opens a guarded scope on the default Profiler.
func Scope(name string) *Guard {
	return Default().Scope(name)
}

// FuncScope opens a guarded scope named after the caller on the default
// Profiler.
func FuncScope() *Guard {
	p := Default()
	if p == nil {
		return nil
	}
	return p.Scope(callerName(2))
}
