package router

// Route is a resolved provider and model pair.
type Route struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Snapshot is an immutable view of the routing configuration. A router
// invocation uses exactly one snapshot for its whole candidate chain, so a
// concurrent configuration reload never tears a chain mid-flight.
type Snapshot struct {
	Aliases         map[string]Route
	GlobalFallbacks []string
}

// Resolve maps a model alias to its route.
func (s Snapshot) Resolve(alias string) (Route, bool) {
	route, ok := s.Aliases[alias]
	return route, ok
}

// StaticSnapshot returns a snapshot source that always yields the same
// routing table. Useful for tests and for configurations without hot reload.
func StaticSnapshot(snap Snapshot) func() Snapshot {
	return func() Snapshot { return snap }
}
