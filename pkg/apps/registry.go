package apps

// Registry maps file extensions and lock app tags to adapters. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to the given file extensions and lock tags.
func (r *Registry) Register(a Adapter, tags ...string) {
	for _, tag := range tags {
		r.adapters[tag] = a
	}
}

// Lookup resolves a file extension or lock app tag to its adapter.
func (r *Registry) Lookup(tag string) (Adapter, bool) {
	a, ok := r.adapters[tag]
	return a, ok
}

// Empty reports whether no adapter was registered at all.
func (r *Registry) Empty() bool {
	return len(r.adapters) == 0
}
