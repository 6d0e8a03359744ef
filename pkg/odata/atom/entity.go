package atom

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
)

// ReadEntity copies the properties of entry into e and materializes any inline
// expansions of navigation properties
func ReadEntity(entry *Entry, e *entities.Entity) error {
	set := e.EntitySet()

	for _, pv := range entry.PropertyValues() {
		name := pv.XMLName.Local

		if pv.IsNull() {
			e.SetProperty(name, nil)
			continue
		}

		edmType := pv.Type
		if edmType == "" {
			if p, ok := set.Type.Property(name); ok {
				edmType = p.Type
			}
		}

		v, err := edm.ParseValue(edmType, pv.Value)
		if err != nil {
			return fmt.Errorf("failed to read property %s of %s: %w", name, set.Name, err)
		}

		e.SetProperty(name, v)
	}

	for _, l := range entry.Links {
		if l.Inline == nil || !strings.HasPrefix(l.Rel, RelatedPrefix) {
			continue
		}

		np, ok := set.NavigationProperty(strings.TrimPrefix(l.Rel, RelatedPrefix))
		if !ok {
			continue
		}

		related := []*entities.Entity{}
		inlined := []*Entry{}

		if l.Inline.Entry != nil {
			inlined = append(inlined, l.Inline.Entry)
		} else if l.Inline.Feed != nil {
			for i := range l.Inline.Feed.Entries {
				inlined = append(inlined, &l.Inline.Feed.Entries[i])
			}
		}

		for _, ie := range inlined {
			r := entities.New(np.Target)
			if err := ReadEntity(ie, r); err != nil {
				return err
			}
			r.SetExists(true)
			related = append(related, r)
		}

		e.SetExpanded(np.Name, related)
	}

	return nil
}

type Mode int

const (
	ForInsert Mode = iota
	ForUpdate
)

// LinkResolver returns an href for a bound entity that does not exist yet, typically
// a $<alias> reference to an earlier insert in the same changeset
type LinkResolver func(target *entities.Entity) (string, bool)

type entryOut struct {
	XMLName    xml.Name       `xml:"entry"`
	Xmlns      string         `xml:"xmlns,attr,omitempty"`
	XmlnsD     string         `xml:"xmlns:d,attr,omitempty"`
	XmlnsM     string         `xml:"xmlns:m,attr,omitempty"`
	Title      titleOut       `xml:"title"`
	Updated    string         `xml:"updated"`
	Author     authorOut      `xml:"author"`
	ID         string         `xml:"id"`
	Links      []linkOut      `xml:"link"`
	Content    *contentOut    `xml:"content"`
	Properties *propertiesOut `xml:"m:properties"`
}

type titleOut struct {
	Type string `xml:"type,attr"`
}

type authorOut struct {
	Name string `xml:"name"`
}

type linkOut struct {
	Rel    string     `xml:"rel,attr"`
	Type   string     `xml:"type,attr,omitempty"`
	Title  string     `xml:"title,attr,omitempty"`
	Href   string     `xml:"href,attr,omitempty"`
	Inline *inlineOut `xml:"m:inline"`
}

type inlineOut struct {
	Entry *entryOut `xml:"entry"`
	Feed  *feedOut  `xml:"feed"`
}

type feedOut struct {
	Entries []entryOut `xml:"entry"`
}

type contentOut struct {
	Type       string         `xml:"type,attr"`
	Properties *propertiesOut `xml:"m:properties"`
}

type propertyOut struct {
	name    string
	edmType string
	value   string
	null    bool
}

type propertiesOut struct {
	values []propertyOut
}

func (p propertiesOut) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	for _, v := range p.values {
		el := xml.StartElement{Name: xml.Name{Local: "d:" + v.name}}

		if v.null {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "m:null"}, Value: "true"})
		} else if v.edmType != edm.String {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "m:type"}, Value: v.edmType})
		}

		if err := enc.EncodeToken(el); err != nil {
			return err
		}
		if !v.null && v.value != "" {
			if err := enc.EncodeToken(xml.CharData(v.value)); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(el.End()); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

// MarshalEntity serializes e as an Atom entry. Inserts carry links for every binding,
// existing entities by reference and new entities inline. Updates only carry links for
// single valued bindings to existing entities.
func MarshalEntity(e *entities.Entity, mode Mode, resolver LinkResolver) ([]byte, error) {
	out, err := newEntryOut(e, mode, resolver)
	if err != nil {
		return nil, err
	}

	out.Xmlns = AtomNamespace
	out.XmlnsD = DataNamespace
	out.XmlnsM = MetadataNamespace

	b, err := xml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}

	return append([]byte(xml.Header), b...), nil
}

func newEntryOut(e *entities.Entity, mode Mode, resolver LinkResolver) (*entryOut, error) {
	set := e.EntitySet()

	out := &entryOut{
		Title:   titleOut{Type: "text"},
		Updated: time.Now().UTC().Format(time.RFC3339),
	}

	if e.Exists() {
		if location, err := e.Location(); err == nil {
			out.ID = location
		}
	}

	props := &propertiesOut{}
	e.ForEachProperty(func(name string, value any) {
		if value == nil {
			props.values = append(props.values, propertyOut{name: name, null: true})
			return
		}

		edmType, text := edm.FormatValue(value)
		if p, ok := set.Type.Property(name); ok && p.Type != "" && edmType != p.Type {
			edmType = p.Type
		}

		props.values = append(props.values, propertyOut{name: name, edmType: edmType, value: text})
	})

	if set.IsMediaLinkEntry() {
		out.Properties = props
	} else {
		out.Content = &contentOut{Type: "application/xml", Properties: props}
	}

	for _, name := range e.BoundNavigation() {
		np, _ := set.NavigationProperty(name)
		targets := e.Bindings(name)

		if mode == ForUpdate {
			if np.IsCollection() {
				continue
			}

			target := targets[len(targets)-1]
			if !target.Exists() {
				continue
			}

			href, err := target.Location()
			if err != nil {
				return nil, err
			}

			out.Links = append(out.Links, relatedLink(np, href, nil))
			continue
		}

		var inlined []entryOut

		for _, target := range targets {
			if target.Exists() {
				href, err := target.Location()
				if err != nil {
					return nil, err
				}
				out.Links = append(out.Links, relatedLink(np, href, nil))
				continue
			}

			if resolver != nil {
				if href, ok := resolver(target); ok {
					out.Links = append(out.Links, relatedLink(np, href, nil))
					continue
				}
			}

			nested, err := newEntryOut(target, ForInsert, resolver)
			if err != nil {
				return nil, err
			}
			inlined = append(inlined, *nested)
		}

		if len(inlined) > 0 {
			inline := &inlineOut{}
			if np.IsCollection() {
				inline.Feed = &feedOut{Entries: inlined}
			} else {
				inline.Entry = &inlined[0]
			}
			out.Links = append(out.Links, relatedLink(np, "", inline))
		}
	}

	return out, nil
}

func relatedLink(np *edm.NavigationProperty, href string, inline *inlineOut) linkOut {
	linkType := EntryContentType
	if np.IsCollection() {
		linkType = FeedContentType
	}

	return linkOut{
		Rel:    RelatedPrefix + np.Name,
		Type:   linkType,
		Title:  np.Name,
		Href:   href,
		Inline: inline,
	}
}

// MarshalURI returns the uri document used to create or replace a link
func MarshalURI(location string) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString(xml.Header)
	buf.WriteString(`<uri xmlns="` + DataNamespace + `">`)
	xml.EscapeText(buf, []byte(location))
	buf.WriteString(`</uri>`)
	return buf.Bytes()
}
