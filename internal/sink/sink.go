// Package sink persists feed records to an external store. The sink is a pure
// side effect: writes are fire-and-forget and failures are logged, never
// propagated, so a slow or broken store can not corrupt book state.
package sink

// Sink accepts a table name and a key/value record and stores it.
type Sink interface {
	Insert(table string, record map[string]any)
}

// Nop discards every record. Used when no store is configured and in tests.
type Nop struct{}

func (Nop) Insert(string, map[string]any) {}
