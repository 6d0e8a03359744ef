package entities

import (
	"fmt"
	"sort"

	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/google/uuid"
)

type EntityDecoratorFunc func(e *Entity)

// Entity is a client side instance of an entity type. Navigation bindings are pending
// links to other entities that are applied when the entity is inserted or updated.
type Entity struct {
	set        *edm.EntitySet
	properties map[string]any
	bindings   map[string][]*Entity
	expanded   map[string][]*Entity
	exists     bool
	alias      string
}

func New(set *edm.EntitySet, decorators ...EntityDecoratorFunc) *Entity {
	e := &Entity{
		set:        set,
		properties: map[string]any{},
		bindings:   map[string][]*Entity{},
		expanded:   map[string][]*Entity{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	return e
}

func P(name string, value any) EntityDecoratorFunc {
	return func(e *Entity) {
		e.SetProperty(name, value)
	}
}

func WithKey(values ...any) EntityDecoratorFunc {
	return func(e *Entity) {
		e.SetKey(K(values...))
	}
}

func BoundTo(navigation string, target *Entity) EntityDecoratorFunc {
	return func(e *Entity) {
		e.Bind(navigation, target)
	}
}

func (e *Entity) EntitySet() *edm.EntitySet {
	return e.set
}

func (e *Entity) Key() Key {
	names := e.set.Keys()
	key := make(Key, len(names))
	for i, name := range names {
		key[i] = e.properties[name]
	}
	return key
}

func (e *Entity) HasKey() bool {
	for _, v := range e.Key() {
		if v == nil {
			return false
		}
	}
	return true
}

func (e *Entity) SetKey(key Key) error {
	names := e.set.Keys()
	if len(names) != len(key) {
		return fmt.Errorf("entity set %s expects a key with %d values", e.set.Name, len(names))
	}

	for i, name := range names {
		e.properties[name] = key[i]
	}

	return nil
}

func (e *Entity) Property(name string) (any, bool) {
	v, ok := e.properties[name]
	return v, ok
}

func (e *Entity) SetProperty(name string, value any) {
	e.properties[name] = value
}

// ForEachProperty calls fn for every property that has been set, in the order they are
// declared by the entity type
func (e *Entity) ForEachProperty(fn func(name string, value any)) {
	seen := map[string]bool{}

	for _, p := range e.set.Type.Properties {
		if v, ok := e.properties[p.Name]; ok {
			fn(p.Name, v)
			seen[p.Name] = true
		}
	}

	extra := []string{}
	for name := range e.properties {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)

	for _, name := range extra {
		fn(name, e.properties[name])
	}
}

func (e *Entity) Exists() bool {
	return e.exists
}

func (e *Entity) SetExists(exists bool) {
	e.exists = exists
}

// Alias returns a transient identifier for the entity, used to refer to it from other
// operations in the same changeset before it has a key
func (e *Entity) Alias() string {
	if e.alias == "" {
		e.alias = "e" + uuid.NewString()
	}
	return e.alias
}

func (e *Entity) Bind(navigation string, target *Entity) error {
	np, ok := e.set.NavigationProperty(navigation)
	if !ok {
		return fmt.Errorf("%s has no navigation property named %s", e.set.Name, navigation)
	}

	if target == nil || target.set != np.Target {
		return fmt.Errorf("navigation property %s can only be bound to entities in %s", navigation, np.Target.Name)
	}

	if np.IsCollection() {
		e.bindings[navigation] = append(e.bindings[navigation], target)
	} else {
		e.bindings[navigation] = []*Entity{target}
	}

	return nil
}

func (e *Entity) Bindings(navigation string) []*Entity {
	return e.bindings[navigation]
}

// BoundNavigation returns the names of all navigation properties with pending bindings
func (e *Entity) BoundNavigation() []string {
	names := []string{}
	for name, targets := range e.bindings {
		if len(targets) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (e *Entity) ClearBindings(navigation string) {
	delete(e.bindings, navigation)
}

func (e *Entity) ClearAllBindings() {
	e.bindings = map[string][]*Entity{}
}

// Location returns the address of the entity, i.e. the location of its entity set
// followed by the key predicate
func (e *Entity) Location() (string, error) {
	key, err := FormatKey(e.set.Keys(), e.Key())
	if err != nil {
		return "", err
	}
	return e.set.Location + key, nil
}

// Merge copies every property of other that has not already been set on e
func (e *Entity) Merge(other *Entity) {
	for name, v := range other.properties {
		if _, ok := e.properties[name]; !ok {
			e.properties[name] = v
		}
	}
}

func (e *Entity) SetExpanded(navigation string, related []*Entity) {
	e.expanded[navigation] = related
}

func (e *Entity) Expanded(navigation string) ([]*Entity, bool) {
	related, ok := e.expanded[navigation]
	return related, ok
}
