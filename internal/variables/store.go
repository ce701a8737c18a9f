package variables

import (
	"fmt"
	"sort"
)

// Entry is a name/value pair returned by tag and leaderboard lookups.
type Entry struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Snapshot is an immutable copy of a store's values.
type Snapshot struct {
	values map[string]Value
}

// Get returns the value of name in the snapshot.
func (s Snapshot) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Map returns the snapshot as plain Go values, suitable for serialization.
func (s Snapshot) Map() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v.Interface()
	}
	return out
}

// Lookup lets a Snapshot serve as an expression resolver.
func (s Snapshot) Lookup(name string) (Value, bool) { return s.Get(name) }

func (s Snapshot) Len() int { return len(s.values) }

// Store holds the current values of every declared variable of one session.
// It is not safe for concurrent use; sessions are processed by one caller at a time.
type Store struct {
	schema *Schema
	values map[string]Value
}

// NewStore creates a store populated with every variable's default.
func NewStore(schema *Schema) *Store {
	s := &Store{schema: schema, values: make(map[string]Value, len(schema.order))}
	for _, name := range schema.order {
		s.values[name] = schema.vars[name].initial
	}
	return s
}

// Restore rebuilds a store from serialized values. Missing names fall back to
// defaults and values are re-coerced against the schema without permission checks.
func Restore(schema *Schema, raw map[string]any) (*Store, error) {
	s := NewStore(schema)
	for name, rv := range raw {
		v, ok := schema.vars[name]
		if !ok {
			continue
		}
		val, err := v.admit(rv)
		if err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
		s.values[name] = val
	}
	return s, nil
}

func (s *Store) Schema() *Schema { return s.schema }

// Get returns the current value of a declared variable.
func (s *Store) Get(name string) (Value, error) {
	v, ok := s.values[name]
	if !ok {
		return Value{}, &Error{Kind: ErrUnknownVariable, Name: name}
	}
	return v, nil
}

// Lookup returns the current value of name and whether it is declared.
func (s *Store) Lookup(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Has reports whether name is declared.
func (s *Store) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Set validates and writes a value. Checks run in order: declared name,
// actor permission, type coercion, constraints. A rejected write leaves the
// store unchanged.
func (s *Store) Set(name string, raw any, actor Actor) error {
	v, ok := s.schema.vars[name]
	if !ok {
		return &Error{Kind: ErrUnknownVariable, Name: name, Actor: actor}
	}
	if !v.MutableBy(actor) {
		return &Error{Kind: ErrPermissionDenied, Name: name, Actor: actor}
	}
	val, err := v.admit(raw)
	if err != nil {
		if ve, ok := err.(*Error); ok {
			ve.Actor = actor
		}
		return err
	}
	s.values[name] = val
	return nil
}

// Reset writes the declared default of name regardless of actor. It is used by
// the use_default fallback, which restores rather than mutates.
func (s *Store) Reset(name string) error {
	v, ok := s.schema.vars[name]
	if !ok {
		return &Error{Kind: ErrUnknownVariable, Name: name}
	}
	s.values[name] = v.initial
	return nil
}

// Snapshot returns an immutable copy of all values.
func (s *Store) Snapshot() Snapshot {
	cp := make(map[string]Value, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

// Clone returns an independent store sharing the schema.
func (s *Store) Clone() *Store {
	return &Store{schema: s.schema, values: s.Snapshot().values}
}

// ByTag returns every variable carrying tag, in declaration order.
func (s *Store) ByTag(tag Tag) []Entry {
	var out []Entry
	for _, name := range s.schema.order {
		if s.schema.vars[name].HasTag(tag) {
			out = append(out, Entry{Name: name, Value: s.values[name]})
		}
	}
	return out
}

// LeaderboardVariable returns the leaderboard variable and its value, if declared.
func (s *Store) LeaderboardVariable() (Entry, bool) {
	name, ok := s.schema.Leaderboard()
	if !ok {
		return Entry{}, false
	}
	return Entry{Name: name, Value: s.values[name]}, true
}

// Public returns values safe to show to the quiz taker: everything not tagged private.
func (s *Store) Public() map[string]any {
	out := make(map[string]any)
	for _, name := range s.schema.order {
		if s.schema.vars[name].HasTag(TagPrivate) {
			continue
		}
		out[name] = s.values[name].Interface()
	}
	return out
}

// Names returns declared names sorted alphabetically.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
