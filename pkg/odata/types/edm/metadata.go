package edm

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/errors"
)

type edmxDocument struct {
	XMLName      xml.Name `xml:"Edmx"`
	DataServices struct {
		Schemas []schemaElement `xml:"Schema"`
	} `xml:"DataServices"`
}

type schemaElement struct {
	Namespace    string               `xml:"Namespace,attr"`
	Alias        string               `xml:"Alias,attr"`
	EntityTypes  []entityTypeElement  `xml:"EntityType"`
	Associations []associationElement `xml:"Association"`
	Containers   []containerElement   `xml:"EntityContainer"`
}

type entityTypeElement struct {
	Name       string              `xml:"Name,attr"`
	BaseType   string              `xml:"BaseType,attr"`
	HasStream  string              `xml:"HasStream,attr"`
	Key        []propertyRef       `xml:"Key>PropertyRef"`
	Properties []propertyElement   `xml:"Property"`
	Navigation []navigationElement `xml:"NavigationProperty"`

	namespace string
}

type propertyRef struct {
	Name string `xml:"Name,attr"`
}

type propertyElement struct {
	Name     string `xml:"Name,attr"`
	Type     string `xml:"Type,attr"`
	Nullable string `xml:"Nullable,attr"`
}

type navigationElement struct {
	Name         string `xml:"Name,attr"`
	Relationship string `xml:"Relationship,attr"`
	FromRole     string `xml:"FromRole,attr"`
	ToRole       string `xml:"ToRole,attr"`
}

type associationElement struct {
	Name string `xml:"Name,attr"`
	Ends []struct {
		Role         string `xml:"Role,attr"`
		Type         string `xml:"Type,attr"`
		Multiplicity string `xml:"Multiplicity,attr"`
	} `xml:"End"`
}

type containerElement struct {
	Name       string `xml:"Name,attr"`
	IsDefault  string `xml:"IsDefaultEntityContainer,attr"`
	EntitySets []struct {
		Name       string `xml:"Name,attr"`
		EntityType string `xml:"EntityType,attr"`
	} `xml:"EntitySet"`
	AssociationSets []struct {
		Name        string `xml:"Name,attr"`
		Association string `xml:"Association,attr"`
		Ends        []struct {
			Role      string `xml:"Role,attr"`
			EntitySet string `xml:"EntitySet,attr"`
		} `xml:"End"`
	} `xml:"AssociationSet"`
}

type associationEnd struct {
	typeName     string
	multiplicity Multiplicity
}

// ParseMetadata reads an EDMX document and returns the entity sets it declares with their
// navigation properties resolved. Sets in a non default container are named Container.Set.
func ParseMetadata(r io.Reader) (*Model, error) {
	doc := &edmxDocument{}
	if err := xml.NewDecoder(r).Decode(doc); err != nil {
		return nil, errors.NewProtocolDocumentError(fmt.Sprintf("failed to parse metadata document: %s", err.Error()))
	}

	if len(doc.DataServices.Schemas) == 0 {
		return nil, errors.NewProtocolDocumentError("metadata document contains no schema")
	}

	aliases := map[string]string{}
	rawTypes := map[string]*entityTypeElement{}
	associations := map[string]map[string]associationEnd{}

	for _, s := range doc.DataServices.Schemas {
		if s.Alias != "" {
			aliases[s.Alias] = s.Namespace
		}
	}

	qualify := func(name string) string {
		if idx := strings.LastIndex(name, "."); idx > 0 {
			if ns, ok := aliases[name[:idx]]; ok {
				return ns + name[idx:]
			}
		}
		return name
	}

	for _, s := range doc.DataServices.Schemas {
		for i := range s.EntityTypes {
			et := s.EntityTypes[i]
			et.namespace = s.Namespace
			rawTypes[s.Namespace+"."+et.Name] = &et
		}

		for _, a := range s.Associations {
			ends := map[string]associationEnd{}
			for _, end := range a.Ends {
				m, err := ParseMultiplicity(end.Multiplicity)
				if err != nil {
					return nil, errors.NewProtocolDocumentError(fmt.Sprintf("association %s: %s", a.Name, err.Error()))
				}
				ends[end.Role] = associationEnd{typeName: qualify(end.Type), multiplicity: m}
			}
			associations[s.Namespace+"."+a.Name] = ends
		}
	}

	m := &Model{
		Types: map[string]*EntityType{},
		Sets:  map[string]*EntitySet{},
	}

	navigation := map[string][]navigationElement{}

	for name := range rawTypes {
		et, nav, err := flatten(name, rawTypes, qualify, 0)
		if err != nil {
			return nil, err
		}
		m.Types[name] = et
		navigation[name] = nav
	}

	for _, s := range doc.DataServices.Schemas {
		for _, c := range s.Containers {
			prefix := ""
			if !strings.EqualFold(c.IsDefault, "true") {
				prefix = c.Name + "."
			}

			local := map[string]*EntitySet{}

			for _, set := range c.EntitySets {
				et, ok := m.Types[qualify(set.EntityType)]
				if !ok {
					return nil, errors.NewProtocolDocumentError(fmt.Sprintf("entity set %s refers to unknown type %s", set.Name, set.EntityType))
				}

				es := &EntitySet{
					Name:       prefix + set.Name,
					Container:  c.Name,
					Type:       et,
					Navigation: map[string]*NavigationProperty{},
				}

				local[set.Name] = es
				m.Sets[es.Name] = es
			}

			for _, set := range c.EntitySets {
				es := local[set.Name]

				for _, nav := range navigation[es.Type.QualifiedName()] {
					relationship := qualify(nav.Relationship)

					ends, ok := associations[relationship]
					if !ok {
						return nil, errors.NewProtocolDocumentError(fmt.Sprintf("navigation property %s refers to unknown association %s", nav.Name, nav.Relationship))
					}

					from, fromOk := ends[nav.FromRole]
					to, toOk := ends[nav.ToRole]
					if !fromOk || !toOk {
						return nil, errors.NewProtocolDocumentError(fmt.Sprintf("navigation property %s has unknown roles", nav.Name))
					}

					np := &NavigationProperty{
						Name:             nav.Name,
						Relationship:     relationship,
						FromMultiplicity: from.multiplicity,
						ToMultiplicity:   to.multiplicity,
					}

					for _, as := range c.AssociationSets {
						if qualify(as.Association) != relationship {
							continue
						}

						var fromSet, toSet string
						for _, end := range as.Ends {
							if end.Role == nav.FromRole {
								fromSet = end.EntitySet
							} else if end.Role == nav.ToRole {
								toSet = end.EntitySet
							}
						}

						if fromSet == set.Name && toSet != "" {
							np.Target = local[toSet]
							break
						}
					}

					if np.Target == nil {
						for _, candidate := range c.EntitySets {
							if qualify(candidate.EntityType) == to.typeName {
								np.Target = local[candidate.Name]
								break
							}
						}
					}

					if np.Target == nil {
						// the association is not reachable from this container
						continue
					}

					for _, back := range navigation[to.typeName] {
						if qualify(back.Relationship) == relationship && back.FromRole == nav.ToRole && back.ToRole == nav.FromRole {
							np.BackLink = back.Name
							break
						}
					}

					es.Navigation[np.Name] = np
				}
			}
		}
	}

	return m, nil
}

func flatten(name string, raw map[string]*entityTypeElement, qualify func(string) string, depth int) (*EntityType, []navigationElement, error) {
	if depth > 32 {
		return nil, nil, errors.NewProtocolDocumentError(fmt.Sprintf("type hierarchy of %s is too deep", name))
	}

	t, ok := raw[name]
	if !ok {
		return nil, nil, errors.NewProtocolDocumentError(fmt.Sprintf("unknown entity type %s", name))
	}

	et := &EntityType{
		Name:      t.Name,
		Namespace: t.namespace,
		HasStream: strings.EqualFold(t.HasStream, "true"),
	}

	var nav []navigationElement

	if t.BaseType != "" {
		base, baseNav, err := flatten(qualify(t.BaseType), raw, qualify, depth+1)
		if err != nil {
			return nil, nil, err
		}

		et.Key = append(et.Key, base.Key...)
		et.Properties = append(et.Properties, base.Properties...)
		et.HasStream = et.HasStream || base.HasStream
		nav = append(nav, baseNav...)
	}

	for _, k := range t.Key {
		et.Key = append(et.Key, k.Name)
	}

	for _, p := range t.Properties {
		et.Properties = append(et.Properties, Property{
			Name:     p.Name,
			Type:     p.Type,
			Nullable: !strings.EqualFold(p.Nullable, "false"),
		})
	}

	nav = append(nav, t.Navigation...)

	if len(et.Key) == 0 {
		return nil, nil, errors.NewProtocolDocumentError(fmt.Sprintf("entity type %s has no key", name))
	}

	return et, nav, nil
}
