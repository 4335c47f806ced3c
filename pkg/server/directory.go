package server

import (
	"github.com/samber/lo"
)

// Directory maps a registered name to that connection's outbox. It holds at
// most one outbox per name. It does no locking: every call happens inside
// State.Do.
type Directory struct {
	handles map[string]*Outbox
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{handles: make(map[string]*Outbox)}
}

// Insert registers h under name, replacing and returning any previous outbox.
// The previous connection is not disconnected; it simply stops being routed to.
func (d *Directory) Insert(name string, h *Outbox) (prev *Outbox, replaced bool) {
	prev, replaced = d.handles[name]
	d.handles[name] = h
	return prev, replaced
}

// Remove drops name unconditionally
func (d *Directory) Remove(name string) bool {
	if _, ok := d.handles[name]; !ok {
		return false
	}
	delete(d.handles, name)
	return true
}

// RemoveIf drops name only while it still maps to h, so a connection whose
// name was taken over cannot unregister its successor.
func (d *Directory) RemoveIf(name string, h *Outbox) bool {
	if cur, ok := d.handles[name]; !ok || cur != h {
		return false
	}
	delete(d.handles, name)
	return true
}

// Lookup returns the outbox registered under name
func (d *Directory) Lookup(name string) (*Outbox, bool) {
	h, ok := d.handles[name]
	return h, ok
}

// Names returns the registered names in no particular order
func (d *Directory) Names() []string {
	return lo.Keys(d.handles)
}

// Handles returns every registered outbox in no particular order
func (d *Directory) Handles() []*Outbox {
	return lo.Values(d.handles)
}

// Clear empties the directory and returns the outboxes it held
func (d *Directory) Clear() []*Outbox {
	handles := d.Handles()
	d.handles = make(map[string]*Outbox)
	return handles
}

// Len returns the number of registered names
func (d *Directory) Len() int {
	return len(d.handles)
}
