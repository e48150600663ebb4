// ABOUTME: Core data types for snapshots of the managed object graph
// ABOUTME: Objects are keyed by payload address; roots record which handle kind held them

package graph

// ObjID identifies a managed object by its payload address. Zero is reserved
// for the synthetic super-root that points at every root.
type ObjID uint64

// Object is one live managed object.
type Object struct {
	ID   ObjID   // Payload address
	Type string  // GCInfo name, e.g. "heap_test.Node"
	Size uint64  // Payload size in bytes
	Ptrs []ObjID // Strong references, in trace order
}

// RootKind says what kept a root object alive.
type RootKind string

const (
	RootPersistent  RootKind = "persistent"
	RootCrossThread RootKind = "cross-thread-persistent"
	RootStack       RootKind = "stack"
)

// Root is a single entry of the root set.
type Root struct {
	ID     ObjID
	Kind   RootKind
	Thread uint32 // Attached thread for persistent and stack roots
}

// Roots is the root set of a snapshot. IDs may repeat when several handles
// hold the same object.
type Roots struct {
	Entries []Root
}

// IDs returns the distinct root objects in first-seen order.
func (r Roots) IDs() []ObjID {
	seen := make(map[ObjID]bool, len(r.Entries))
	ids := make([]ObjID, 0, len(r.Entries))
	for _, e := range r.Entries {
		if !seen[e.ID] {
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// RootsOf builds a root set of persistent roots, which is all most tests need.
func RootsOf(ids ...ObjID) Roots {
	entries := make([]Root, len(ids))
	for i, id := range ids {
		entries[i] = Root{ID: id, Kind: RootPersistent}
	}
	return Roots{Entries: entries}
}
