package edm

import (
	"fmt"
	"sort"
	"strings"
)

type Multiplicity int

const (
	ZeroToOne Multiplicity = iota
	One
	Many
)

func ParseMultiplicity(s string) (Multiplicity, error) {
	switch strings.TrimSpace(s) {
	case "0..1":
		return ZeroToOne, nil
	case "1":
		return One, nil
	case "*":
		return Many, nil
	}

	return ZeroToOne, fmt.Errorf("unknown multiplicity %q", s)
}

func (m Multiplicity) String() string {
	switch m {
	case One:
		return "1"
	case Many:
		return "*"
	default:
		return "0..1"
	}
}

type Property struct {
	Name     string
	Type     string
	Nullable bool
}

type EntityType struct {
	Name       string
	Namespace  string
	Key        []string
	Properties []Property
	HasStream  bool
}

func (et *EntityType) QualifiedName() string {
	if et.Namespace == "" {
		return et.Name
	}
	return et.Namespace + "." + et.Name
}

func (et *EntityType) Property(name string) (Property, bool) {
	for _, p := range et.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// NavigationProperty describes one end of an association as seen from the owning entity set.
// FromMultiplicity is the multiplicity of the owning end, ToMultiplicity that of the target end.
type NavigationProperty struct {
	Name             string
	Relationship     string
	FromMultiplicity Multiplicity
	ToMultiplicity   Multiplicity
	Target           *EntitySet
	BackLink         string
}

func (np *NavigationProperty) IsCollection() bool {
	return np.ToMultiplicity == Many
}

type EntitySet struct {
	Name       string
	Container  string
	Location   string
	Type       *EntityType
	Navigation map[string]*NavigationProperty
}

func (es *EntitySet) Keys() []string {
	return es.Type.Key
}

func (es *EntitySet) IsMediaLinkEntry() bool {
	return es.Type.HasStream
}

func (es *EntitySet) NavigationProperty(name string) (*NavigationProperty, bool) {
	np, ok := es.Navigation[name]
	return np, ok
}

func (es *EntitySet) NavigationNames() []string {
	names := make([]string, 0, len(es.Navigation))
	for name := range es.Navigation {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Model struct {
	Types map[string]*EntityType
	Sets  map[string]*EntitySet
}

func (m *Model) EntitySet(name string) (*EntitySet, bool) {
	es, ok := m.Sets[name]
	return es, ok
}

func (m *Model) EntitySetNames() []string {
	names := make([]string, 0, len(m.Sets))
	for name := range m.Sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
