package atom

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/errors"
)

const (
	AtomNamespace     string = "http://www.w3.org/2005/Atom"
	DataNamespace     string = "http://schemas.microsoft.com/ado/2007/08/dataservices"
	MetadataNamespace string = "http://schemas.microsoft.com/ado/2007/08/dataservices/metadata"
	RelatedPrefix     string = "http://schemas.microsoft.com/ado/2007/08/dataservices/related/"

	EntryContentType   string = "application/atom+xml;type=entry"
	FeedContentType    string = "application/atom+xml;type=feed"
	ServiceContentType string = "application/atomsvc+xml"
)

type Service struct {
	XMLName    xml.Name    `xml:"service"`
	Base       string      `xml:"base,attr"`
	Workspaces []Workspace `xml:"workspace"`
}

type Workspace struct {
	Title       string       `xml:"title"`
	Collections []Collection `xml:"collection"`
}

type Collection struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title"`
}

type Feed struct {
	XMLName xml.Name `xml:"feed"`
	Base    string   `xml:"base,attr"`
	ID      string   `xml:"id"`
	Links   []Link   `xml:"link"`
	Entries []Entry  `xml:"entry"`
}

// Next returns the href of the next link of the feed, if any
func (f *Feed) Next() (string, bool) {
	for _, l := range f.Links {
		if l.Rel == "next" && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

type Entry struct {
	XMLName    xml.Name    `xml:"entry"`
	Base       string      `xml:"base,attr"`
	ID         string      `xml:"id"`
	Links      []Link      `xml:"link"`
	Content    Content     `xml:"content"`
	Properties *Properties `xml:"properties"`
}

// PropertyValues returns the property elements of the entry, which are inside the content
// element for ordinary entries and next to it for media link entries
func (e *Entry) PropertyValues() []PropertyValue {
	if e.Content.Properties != nil {
		return e.Content.Properties.Values
	}
	if e.Properties != nil {
		return e.Properties.Values
	}
	return nil
}

type Content struct {
	Type       string      `xml:"type,attr"`
	Src        string      `xml:"src,attr"`
	Properties *Properties `xml:"properties"`
}

type Properties struct {
	Values []PropertyValue `xml:",any"`
}

type PropertyValue struct {
	XMLName xml.Name
	Type    string `xml:"type,attr"`
	Null    string `xml:"null,attr"`
	Value   string `xml:",chardata"`
}

func (pv PropertyValue) IsNull() bool {
	return strings.EqualFold(pv.Null, "true")
}

type Link struct {
	Rel    string  `xml:"rel,attr"`
	Href   string  `xml:"href,attr"`
	Type   string  `xml:"type,attr"`
	Title  string  `xml:"title,attr"`
	Inline *Inline `xml:"inline"`
}

type Inline struct {
	Entry *Entry `xml:"entry"`
	Feed  *Feed  `xml:"feed"`
}

// ErrorDocument is returned by ReadDocument when a service responds with an error
// document where a feed or entry was expected
type ErrorDocument struct {
	XMLName xml.Name `xml:"error"`
	Code    string   `xml:"code"`
	Message string   `xml:"message"`
}

// ReadDocument decodes an Atom, AtomPub or OData error document and returns one of
// *Service, *Feed, *Entry or *ErrorDocument depending on the root element
func ReadDocument(r io.Reader) (any, error) {
	dec := xml.NewDecoder(r)

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.NewProtocolDocumentError(fmt.Sprintf("failed to read document: %s", err.Error()))
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var doc any

		switch start.Name.Local {
		case "service":
			doc = &Service{}
		case "feed":
			doc = &Feed{}
		case "entry":
			doc = &Entry{}
		case "error":
			doc = &ErrorDocument{}
		default:
			return nil, errors.NewProtocolDocumentError(fmt.Sprintf("unexpected document element %s", start.Name.Local))
		}

		if err = dec.DecodeElement(doc, &start); err != nil {
			return nil, errors.NewProtocolDocumentError(fmt.Sprintf("failed to decode %s document: %s", start.Name.Local, err.Error()))
		}

		return doc, nil
	}
}

// Resolve resolves href against base. Absolute hrefs are returned unchanged.
func Resolve(base, href string) string {
	h, err := url.Parse(href)
	if err != nil || h.IsAbs() {
		return href
	}

	b, err := url.Parse(base)
	if err != nil {
		return href
	}

	return b.ResolveReference(h).String()
}
