package server

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestDirectoryInsertReplaces(t *testing.T) {
	d := NewDirectory()
	first, second := NewOutbox(1), NewOutbox(1)

	prev, replaced := d.Insert("alice", first)
	assert.Nil(t, prev)
	assert.False(t, replaced)

	prev, replaced = d.Insert("alice", second)
	assert.Same(t, first, prev)
	assert.True(t, replaced)

	h, ok := d.Lookup("alice")
	assert.True(t, ok)
	assert.Same(t, second, h)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryRemoveIf(t *testing.T) {
	d := NewDirectory()
	stale, current := NewOutbox(1), NewOutbox(1)
	d.Insert("alice", stale)
	d.Insert("alice", current)

	// The replaced connection must not evict its successor
	assert.False(t, d.RemoveIf("alice", stale))
	_, ok := d.Lookup("alice")
	assert.True(t, ok)

	assert.True(t, d.RemoveIf("alice", current))
	_, ok = d.Lookup("alice")
	assert.False(t, ok)

	assert.False(t, d.RemoveIf("alice", current))
	assert.False(t, d.Remove("alice"))
}

func TestDirectorySnapshots(t *testing.T) {
	d := NewDirectory()
	a, b := NewOutbox(1), NewOutbox(1)
	d.Insert("a", a)
	d.Insert("b", b)

	names := d.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.ElementsMatch(t, []*Outbox{a, b}, d.Handles())

	cleared := d.Clear()
	assert.ElementsMatch(t, []*Outbox{a, b}, cleared)
	assert.Zero(t, d.Len())
	assert.Empty(t, d.Names())
}

// TestDirectoryAtMostOneHandlePerName checks the directory against a plain
// map model under arbitrary insert/remove sequences.
func TestDirectoryAtMostOneHandlePerName(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := NewDirectory()
		model := map[string]*Outbox{}
		pool := []*Outbox{NewOutbox(1), NewOutbox(1), NewOutbox(1)}
		names := []string{"alice", "bob", "carol"}

		steps := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			name := rapid.SampledFrom(names).Draw(t, "name")
			h := rapid.SampledFrom(pool).Draw(t, "handle")

			if rapid.Bool().Draw(t, "insert") {
				d.Insert(name, h)
				model[name] = h
				continue
			}

			removed := d.RemoveIf(name, h)
			if model[name] == h {
				if !removed {
					t.Fatalf("RemoveIf(%s) kept the matching handle", name)
				}
				delete(model, name)
			} else if removed {
				t.Fatalf("RemoveIf(%s) removed a different handle", name)
			}
		}

		if d.Len() != len(model) {
			t.Fatalf("directory has %d names, model %d", d.Len(), len(model))
		}
		for name, want := range model {
			got, ok := d.Lookup(name)
			if !ok || got != want {
				t.Fatalf("Lookup(%s) mismatch", name)
			}
		}
	})
}
