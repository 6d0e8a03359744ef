package atom

import (
	"errors"
	"strings"
	"testing"

	odataerrors "github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/matryer/is"
)

func TestReadServiceDocument(t *testing.T) {
	is := is.New(t)

	doc, err := ReadDocument(strings.NewReader(serviceDocument))
	is.NoErr(err)

	svc, ok := doc.(*Service)
	is.True(ok)
	is.Equal(svc.Base, "http://host/svc/")
	is.Equal(len(svc.Workspaces[0].Collections), 2)
	is.Equal(svc.Workspaces[0].Collections[1].Href, "Orders")
	is.Equal(svc.Workspaces[0].Collections[1].Title, "Orders")
}

func TestReadFeedWithInlineExpansion(t *testing.T) {
	is := is.New(t)
	customers, _ := testSets()

	doc, err := ReadDocument(strings.NewReader(customerFeed))
	is.NoErr(err)

	feed, ok := doc.(*Feed)
	is.True(ok)
	is.Equal(len(feed.Entries), 1)

	next, ok := feed.Next()
	is.True(ok)
	is.Equal(next, "http://host/svc/Customers?$skiptoken='ALFKI'")

	e := entities.New(customers)
	is.NoErr(ReadEntity(&feed.Entries[0], e))

	name, _ := e.Property("Name")
	is.Equal(name, "Alfreds")
	is.Equal(e.Key(), entities.K("ALFKI"))

	orders, ok := e.Expanded("Orders")
	is.True(ok)
	is.Equal(len(orders), 2)
	is.True(orders[0].Exists())

	price, _ := orders[1].Property("Price")
	is.Equal(price, 2.5)

	nothing, _ := orders[1].Property("Shipped")
	is.Equal(nothing, nil)
}

func TestReadErrorDocument(t *testing.T) {
	is := is.New(t)

	doc, err := ReadDocument(strings.NewReader(`<error xmlns="http://schemas.microsoft.com/ado/2007/08/dataservices/metadata"><code>x</code><message>gone</message></error>`))
	is.NoErr(err)

	ed, ok := doc.(*ErrorDocument)
	is.True(ok)
	is.Equal(ed.Message, "gone")
}

func TestReadUnknownDocumentFails(t *testing.T) {
	is := is.New(t)

	_, err := ReadDocument(strings.NewReader(`<html></html>`))
	is.True(errors.Is(err, odataerrors.ErrProtocolDocument))

	_, err = ReadDocument(strings.NewReader(``))
	is.True(errors.Is(err, odataerrors.ErrProtocolDocument))
}

func TestMarshalInsertWithBindings(t *testing.T) {
	is := is.New(t)
	customers, orders := testSets()

	existing := entities.New(orders, entities.WithKey(int32(1)))
	existing.SetExists(true)
	aliased := entities.New(orders, entities.WithKey(int32(2)))
	inlined := entities.New(orders, entities.WithKey(int32(3)), entities.P("Price", 1.25))

	c := entities.New(customers, entities.WithKey("ALFKI"), entities.P("Name", "Alfreds & Co"))
	c.Bind("Orders", existing)
	c.Bind("Orders", aliased)
	c.Bind("Orders", inlined)

	resolver := func(target *entities.Entity) (string, bool) {
		if target == aliased {
			return "$" + aliased.Alias(), true
		}
		return "", false
	}

	b, err := MarshalEntity(c, ForInsert, resolver)
	is.NoErr(err)

	xml := string(b)
	is.True(strings.HasPrefix(xml, `<?xml version="1.0" encoding="UTF-8"?>`))
	is.True(strings.Contains(xml, `<entry xmlns="http://www.w3.org/2005/Atom"`))
	is.True(strings.Contains(xml, `<d:CustomerID>ALFKI</d:CustomerID><d:Name>Alfreds &amp; Co</d:Name>`))
	is.True(strings.Contains(xml, `href="http://host/svc/Orders(1)"`))
	is.True(strings.Contains(xml, `href="$`+aliased.Alias()+`"`))
	is.True(strings.Contains(xml, `<m:inline><feed><entry>`))
	is.True(strings.Contains(xml, `<d:OrderID m:type="Edm.Int32">3</d:OrderID><d:Price m:type="Edm.Double">1.25</d:Price>`))
}

func TestMarshalUpdateOnlyLinksExistingSingleValuedTargets(t *testing.T) {
	is := is.New(t)
	customers, orders := testSets()

	c := entities.New(customers, entities.WithKey("ALFKI"))
	c.SetExists(true)

	o := entities.New(orders, entities.WithKey(int32(1)))
	o.Bind("Customer", c)
	o.Bind("Invoice", entities.New(customers, entities.WithKey("NEW")))

	b, err := MarshalEntity(o, ForUpdate, nil)
	is.NoErr(err)

	xml := string(b)
	is.True(strings.Contains(xml, `rel="http://schemas.microsoft.com/ado/2007/08/dataservices/related/Customer"`))
	is.True(strings.Contains(xml, `href="http://host/svc/Customers(&#39;ALFKI&#39;)"`))
	is.True(!strings.Contains(xml, "related/Invoice"))
}

func TestMarshalMediaLinkEntryPutsPropertiesOutsideContent(t *testing.T) {
	is := is.New(t)

	photos := &edm.EntitySet{
		Name:     "Photos",
		Location: "http://host/svc/Photos",
		Type: &edm.EntityType{
			Name:       "Photo",
			Key:        []string{"PhotoID"},
			HasStream:  true,
			Properties: []edm.Property{{Name: "PhotoID", Type: edm.Int32}, {Name: "Title", Type: edm.String}},
		},
	}

	b, err := MarshalEntity(entities.New(photos, entities.WithKey(int32(4)), entities.P("Title", nil)), ForUpdate, nil)
	is.NoErr(err)

	xml := string(b)
	is.True(!strings.Contains(xml, "<content"))
	is.True(strings.Contains(xml, `<m:properties><d:PhotoID m:type="Edm.Int32">4</d:PhotoID><d:Title m:null="true"></d:Title></m:properties>`))
}

func TestMarshalURI(t *testing.T) {
	is := is.New(t)
	is.Equal(string(MarshalURI("http://host/svc/Orders(1)")), `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+`<uri xmlns="http://schemas.microsoft.com/ado/2007/08/dataservices">http://host/svc/Orders(1)</uri>`)
}

func TestResolve(t *testing.T) {
	is := is.New(t)

	is.Equal(Resolve("http://host/svc/", "Orders"), "http://host/svc/Orders")
	is.Equal(Resolve("http://host/svc/Orders", "Orders?$skiptoken=2"), "http://host/svc/Orders?$skiptoken=2")
	is.Equal(Resolve("http://host/svc/", "http://other/Orders"), "http://other/Orders")
}

func testSets() (*edm.EntitySet, *edm.EntitySet) {
	customers := &edm.EntitySet{
		Name:     "Customers",
		Location: "http://host/svc/Customers",
		Type: &edm.EntityType{
			Name:       "Customer",
			Key:        []string{"CustomerID"},
			Properties: []edm.Property{{Name: "CustomerID", Type: edm.String}, {Name: "Name", Type: edm.String}},
		},
		Navigation: map[string]*edm.NavigationProperty{},
	}

	orders := &edm.EntitySet{
		Name:     "Orders",
		Location: "http://host/svc/Orders",
		Type: &edm.EntityType{
			Name: "Order",
			Key:  []string{"OrderID"},
			Properties: []edm.Property{
				{Name: "OrderID", Type: edm.Int32},
				{Name: "Price", Type: edm.Double},
				{Name: "Shipped", Type: edm.DateTime},
			},
		},
		Navigation: map[string]*edm.NavigationProperty{},
	}

	customers.Navigation["Orders"] = &edm.NavigationProperty{Name: "Orders", FromMultiplicity: edm.ZeroToOne, ToMultiplicity: edm.Many, Target: orders, BackLink: "Customer"}
	orders.Navigation["Customer"] = &edm.NavigationProperty{Name: "Customer", FromMultiplicity: edm.Many, ToMultiplicity: edm.ZeroToOne, Target: customers, BackLink: "Orders"}
	orders.Navigation["Invoice"] = &edm.NavigationProperty{Name: "Invoice", FromMultiplicity: edm.One, ToMultiplicity: edm.ZeroToOne, Target: customers}

	return customers, orders
}

const serviceDocument string = `<?xml version="1.0" encoding="utf-8"?>
<service xml:base="http://host/svc/" xmlns="http://www.w3.org/2007/app" xmlns:atom="http://www.w3.org/2005/Atom">
  <workspace>
    <atom:title>Default</atom:title>
    <collection href="Customers"><atom:title>Customers</atom:title></collection>
    <collection href="Orders"><atom:title>Orders</atom:title></collection>
  </workspace>
</service>`

const customerFeed string = `<?xml version="1.0" encoding="utf-8"?>
<feed xml:base="http://host/svc/" xmlns="http://www.w3.org/2005/Atom"
      xmlns:d="http://schemas.microsoft.com/ado/2007/08/dataservices"
      xmlns:m="http://schemas.microsoft.com/ado/2007/08/dataservices/metadata">
  <id>http://host/svc/Customers</id>
  <entry>
    <id>http://host/svc/Customers('ALFKI')</id>
    <link rel="http://schemas.microsoft.com/ado/2007/08/dataservices/related/Orders" type="application/atom+xml;type=feed" title="Orders" href="Customers('ALFKI')/Orders">
      <m:inline>
        <feed>
          <entry>
            <content type="application/xml"><m:properties><d:OrderID m:type="Edm.Int32">1</d:OrderID></m:properties></content>
          </entry>
          <entry>
            <content type="application/xml"><m:properties><d:OrderID m:type="Edm.Int32">2</d:OrderID><d:Price m:type="Edm.Double">2.5</d:Price><d:Shipped m:type="Edm.DateTime" m:null="true"/></m:properties></content>
          </entry>
        </feed>
      </m:inline>
    </link>
    <content type="application/xml">
      <m:properties>
        <d:CustomerID>ALFKI</d:CustomerID>
        <d:Name>Alfreds</d:Name>
      </m:properties>
    </content>
  </entry>
  <link rel="next" href="http://host/svc/Customers?$skiptoken='ALFKI'"/>
</feed>`
