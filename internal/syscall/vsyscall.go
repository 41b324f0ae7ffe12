package syscall

import "example.com/rvkernel/internal/khandle"

// Environ is what spec Section 6's vsyscall page hands an app's entry
// point: its dependency channels (the "dep:startup" style lookup the
// original apps use) plus the Env its own syscalls dispatch through. A
// real kernel would hand userspace a flat key=value byte block and let it
// find its handles by number; since apps here are goroutines in the
// kernel's own address space, the block and the Env reference collapse
// into one Go struct instead of a serialized blob the app would just
// re-parse back into the same shape.
type Environ struct {
	Env   *Env
	Deps  map[string]khandle.Id
}

// Dep looks up a named dependency handle, the Environ equivalent of the
// original apps' env.take_channel("dep:startup").
func (e Environ) Dep(name string) (khandle.Id, bool) {
	id, ok := e.Deps[name]
	return id, ok
}

// Page is spec Section 6's vsyscall page: {environ_ptr, environ_len, main,
// name, name_len}, rendered for this module as a plain Go struct. main is a
// Go function value rather than a code pointer for the same reason Environ
// folds ptr+len into a struct: apps here are goroutines invoked directly,
// not userspace images a kernel jumps into across a privilege boundary.
type Page struct {
	Environ Environ
	Main    func(Environ)
	Name    string
}

// NewPage builds the vsyscall page a spawned app is handed, per spec
// Section 6.
func NewPage(name string, environ Environ, main func(Environ)) *Page {
	return &Page{Environ: environ, Main: main, Name: name}
}

// Run invokes the page's entry point with its environ, the hosted
// equivalent of a real kernel transferring control to the app's _start.
func (p *Page) Run() {
	p.Main(p.Environ)
}
