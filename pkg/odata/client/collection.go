package client

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/atom"
	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/query"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EntityCollection gives access to the entities of one entity set. The query options set
// with Query apply to every subsequent read operation.
type EntityCollection struct {
	client        *Client
	set           *edm.EntitySet
	base          string
	options       query.Options
	nextSkipToken string
}

func (c *EntityCollection) EntitySet() *edm.EntitySet {
	return c.set
}

func (c *EntityCollection) Location() string {
	return c.base
}

func (c *EntityCollection) NewEntity(decorators ...entities.EntityDecoratorFunc) *entities.Entity {
	return entities.New(c.set, decorators...)
}

// Query replaces the current query options. Key properties are added to nested selections
// so that expanded entities can always be identified.
func (c *EntityCollection) Query(decorators ...query.OptionDecoratorFunc) error {
	o := query.Options{}
	for _, decorator := range decorators {
		decorator(&o)
	}

	if err := validateExpansion(c.set, o.Expand); err != nil {
		return err
	}

	query.AddKeys(c.set, o.Expand, o.Select)

	c.options = o
	c.nextSkipToken = ""

	return nil
}

func validateExpansion(set *edm.EntitySet, expand query.Expansion) error {
	for name, sub := range expand {
		np, ok := set.NavigationProperty(name)
		if !ok {
			return fmt.Errorf("cannot expand %s, %s has no such navigation property (%w)", name, set.Name, errors.ErrRequest)
		}

		if err := validateExpansion(np.Target, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *EntityCollection) Options() query.Options {
	return c.options
}

// SetPage sets the paging options used by Page
func (c *EntityCollection) SetPage(top, skip int, skipToken string) {
	c.options.Top = top
	c.options.Skip = skip
	c.options.SkipToken = skipToken
}

// NextSkipToken returns the skiptoken of the next link of the last page read, if any
func (c *EntityCollection) NextSkipToken() string {
	return c.nextSkipToken
}

// FeedURL returns the address of the current page, including all query options
func (c *EntityCollection) FeedURL() string {
	return c.options.Apply(c.base)
}

func (c *EntityCollection) iterateURL() string {
	o := query.Options{
		Filter:  c.options.Filter,
		Expand:  c.options.Expand,
		Select:  c.options.Select,
		OrderBy: c.options.OrderBy,
	}
	return o.Apply(c.base)
}

func (c *EntityCollection) materialize(entry *atom.Entry) (*entities.Entity, error) {
	e := entities.New(c.set)

	if err := atom.ReadEntity(entry, e); err != nil {
		return nil, errors.NewProtocolDocumentError(err.Error())
	}

	e.SetExists(true)
	return e, nil
}

func (c *EntityCollection) Get(ctx context.Context, key entities.Key) (*entities.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-entity",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	r, err := c.keyRequest(key)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.client.do(ctx, r)
	if err != nil {
		return nil, err
	}

	e, err := c.keyResponse(ctx, resp.StatusCode, resp.Header, body, key)
	return e, err
}

// keyRequest addresses an entity by key, or by a filter when the collection is filtered
// so that the filter still applies
func (c *EntityCollection) keyRequest(key entities.Key) (*request, error) {
	o := query.Options{
		Expand: c.options.Expand,
		Select: c.options.Select,
	}

	var endpoint string

	if c.options.Filter != "" {
		predicate, err := entities.KeyPredicate(c.set.Keys(), key)
		if err != nil {
			return nil, err
		}

		o.Filter = predicate + " and (" + c.options.Filter + ")"
		endpoint = o.Apply(c.base)
	} else {
		k, err := entities.FormatKey(c.set.Keys(), key)
		if err != nil {
			return nil, err
		}

		endpoint = o.Apply(c.base + k)
	}

	r := newRequest(http.MethodGet, endpoint, nil)

	if c.options.Filter != "" {
		r.header.Set("Accept", "application/atom+xml")
	} else {
		r.header.Set("Accept", atom.EntryContentType)
	}

	return r, nil
}

func (c *EntityCollection) keyResponse(ctx context.Context, status int, header http.Header, body []byte, key entities.Key) (*entities.Entity, error) {
	if status == http.StatusNotFound {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s(%s) not found", c.set.Name, key.String()))
	}

	if status != http.StatusOK {
		return nil, responseError(ctx, status, header, body)
	}

	doc, err := atom.ReadDocument(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	switch d := doc.(type) {
	case *atom.Entry:
		return c.materialize(d)
	case *atom.Feed:
		switch len(d.Entries) {
		case 0:
			return nil, errors.NewNotFoundError(fmt.Sprintf("%s(%s) not found", c.set.Name, key.String()))
		case 1:
			return c.materialize(&d.Entries[0])
		default:
			return nil, errors.NewUnexpectedResponseError(fmt.Sprintf("%d entities returned for %s(%s)", len(d.Entries), c.set.Name, key.String()))
		}
	case *atom.ErrorDocument:
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s(%s) not found: %s", c.set.Name, key.String(), d.Message))
	}

	return nil, errors.NewProtocolDocumentError(fmt.Sprintf("expected an entry for %s(%s)", c.set.Name, key.String()))
}

// Insert creates e in the service. Entities in media link collections are created from an
// empty stream first and then updated with the properties of e.
func (c *EntityCollection) Insert(ctx context.Context, e *entities.Entity) error {
	var err error

	ctx, span := tracer.Start(ctx, "insert-entity",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if e.Exists() {
		err = errors.NewAlreadyExistsError(fmt.Sprintf("entity already exists in %s", c.set.Name))
		return err
	}

	if e.EntitySet() != c.set {
		err = fmt.Errorf("entity of %s can not be inserted into %s (%w)", e.EntitySet().Name, c.set.Name, errors.ErrRequest)
		return err
	}

	if c.set.IsMediaLinkEntry() {
		var hint entities.Key
		if e.HasKey() {
			hint = e.Key()
		}

		var mle *entities.Entity
		mle, err = c.NewStream(ctx, bytes.NewReader(nil), emptyStreamInfo(), hint)
		if err != nil {
			return err
		}

		if err = e.SetKey(mle.Key()); err != nil {
			return err
		}

		mle.Merge(e)
		e.Merge(mle)
		e.SetExists(true)

		err = c.Update(ctx, e)
		return err
	}

	r, err := c.insertRequest(e, nil)
	if err != nil {
		return err
	}

	resp, body, err := c.client.do(ctx, r)
	if err != nil {
		return err
	}

	err = c.insertResponse(ctx, e, resp.StatusCode, resp.Header, body)
	return err
}

func (c *EntityCollection) insertRequest(e *entities.Entity, resolver atom.LinkResolver) (*request, error) {
	b, err := atom.MarshalEntity(e, atom.ForInsert, resolver)
	if err != nil {
		return nil, err
	}

	r := newRequest(http.MethodPost, c.base, b)
	r.header.Set("Content-Type", atom.EntryContentType)

	return r, nil
}

func (c *EntityCollection) insertResponse(ctx context.Context, e *entities.Entity, status int, header http.Header, body []byte) error {
	if status != http.StatusCreated {
		return responseError(ctx, status, header, body)
	}

	if err := readCreatedEntity(e, body); err != nil {
		return err
	}

	// the service has applied every binding that was part of the payload
	e.ClearAllBindings()

	return nil
}

func readCreatedEntity(e *entities.Entity, body []byte) error {
	doc, err := atom.ReadDocument(bytes.NewReader(body))
	if err != nil {
		return err
	}

	entry, ok := doc.(*atom.Entry)
	if !ok {
		return errors.NewProtocolDocumentError("expected an entry in response to insert")
	}

	if err = atom.ReadEntity(entry, e); err != nil {
		return errors.NewProtocolDocumentError(err.Error())
	}

	e.SetExists(true)

	return nil
}

func (c *EntityCollection) Update(ctx context.Context, e *entities.Entity) error {
	var err error

	ctx, span := tracer.Start(ctx, "update-entity",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, e.Key().String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if !e.Exists() {
		err = errors.NewNonExistentEntityError(fmt.Sprintf("entity of %s has not been inserted", c.set.Name))
		return err
	}

	r, err := updateRequest(e)
	if err != nil {
		return err
	}

	resp, body, err := c.client.do(ctx, r)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
		return err
	}

	// links to existing entities through single valued properties were part of the payload
	for _, name := range e.BoundNavigation() {
		np, _ := e.EntitySet().NavigationProperty(name)
		if np.IsCollection() {
			continue
		}

		targets := e.Bindings(name)
		if targets[len(targets)-1].Exists() {
			e.ClearBindings(name)
		}
	}

	err = c.client.updateBindings(ctx, e)
	return err
}

func updateRequest(e *entities.Entity) (*request, error) {
	location, err := e.Location()
	if err != nil {
		return nil, err
	}

	b, err := atom.MarshalEntity(e, atom.ForUpdate, nil)
	if err != nil {
		return nil, err
	}

	r := newRequest(http.MethodPut, location, b)
	r.header.Set("Content-Type", atom.EntryContentType)

	return r, nil
}

// updateBindings resolves the bindings that could not be sent as part of an entity, new
// entities are inserted through the navigation property and existing ones linked
func (c *Client) updateBindings(ctx context.Context, e *entities.Entity) error {
	for _, name := range e.BoundNavigation() {
		nc, err := c.Navigation(e, name)
		if err != nil {
			return err
		}

		for _, target := range e.Bindings(name) {
			if !target.Exists() {
				err = nc.Insert(ctx, target)
			} else if nc.IsCollection() {
				err = nc.Set(ctx, target.Key(), target)
			} else {
				err = nc.Replace(ctx, target)
			}

			if err != nil {
				return err
			}
		}

		e.ClearBindings(name)
	}

	return nil
}

func (c *EntityCollection) Delete(ctx context.Context, key entities.Key) error {
	var err error

	ctx, span := tracer.Start(ctx, "delete-entity",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	k, err := entities.FormatKey(c.set.Keys(), key)
	if err != nil {
		return err
	}

	resp, body, err := c.client.do(ctx, newRequest(http.MethodDelete, c.base+k, nil))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
	}

	return err
}

func (c *EntityCollection) Count(ctx context.Context) (int, error) {
	var err error

	ctx, span := tracer.Start(ctx, "count-entities",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	resp, body, err := c.client.do(ctx, c.countRequest())
	if err != nil {
		return 0, err
	}

	n, err := c.countResponse(ctx, resp.StatusCode, resp.Header, body)
	return n, err
}

func (c *EntityCollection) countRequest() *request {
	o := query.Options{Filter: c.options.Filter}

	r := newRequest(http.MethodGet, o.Apply(c.base+"/$count"), nil)
	r.header.Set("Accept", "text/plain")

	return r
}

func (c *EntityCollection) countResponse(ctx context.Context, status int, header http.Header, body []byte) (int, error) {
	if status != http.StatusOK {
		return 0, responseError(ctx, status, header, body)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, errors.NewUnexpectedResponseError(fmt.Sprintf("invalid count %q returned for %s", string(body), c.set.Name))
	}

	return n, nil
}

func (c *EntityCollection) readFeed(ctx context.Context, feedURL string) (*atom.Feed, error) {
	var err error

	ctx, span := tracer.Start(ctx, "read-feed",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	r := newRequest(http.MethodGet, feedURL, nil)
	r.header.Set("Accept", "application/atom+xml")

	resp, body, err := c.client.do(ctx, r)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
		return nil, err
	}

	doc, err := atom.ReadDocument(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	feed, ok := doc.(*atom.Feed)
	if !ok {
		err = errors.NewProtocolDocumentError(fmt.Sprintf("expected a feed from %s", feedURL))
		return nil, err
	}

	return feed, nil
}

func feedBase(feed *atom.Feed, feedURL string) string {
	if feed.Base != "" {
		return atom.Resolve(feedURL, feed.Base)
	}
	return feedURL
}

// Iterate returns every entity of the collection, following next links until the last
// page. Pages are requested as the sequence is consumed and every call starts over.
func (c *EntityCollection) Iterate(ctx context.Context) iter.Seq2[*entities.Entity, error] {
	return func(yield func(*entities.Entity, error) bool) {
		feedURL := c.iterateURL()

		for feedURL != "" {
			feed, err := c.readFeed(ctx, feedURL)
			if err != nil {
				yield(nil, err)
				return
			}

			if len(feed.Entries) == 0 {
				return
			}

			for i := range feed.Entries {
				e, err := c.materialize(&feed.Entries[i])
				if !yield(e, err) || err != nil {
					return
				}
			}

			next, ok := feed.Next()
			if !ok {
				return
			}

			feedURL = atom.Resolve(feedBase(feed, feedURL), next)
		}
	}
}

// Page reads the current page. When advance is true the paging options are moved on to
// the next page, using the skiptoken of the next link when the service provided one.
func (c *EntityCollection) Page(ctx context.Context, advance bool) ([]*entities.Entity, error) {
	feedURL := c.FeedURL()

	feed, err := c.readFeed(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	page := make([]*entities.Entity, 0, len(feed.Entries))
	for i := range feed.Entries {
		e, err := c.materialize(&feed.Entries[i])
		if err != nil {
			return nil, err
		}
		page = append(page, e)
	}

	c.nextSkipToken = ""
	if next, ok := feed.Next(); ok {
		c.nextSkipToken, _ = query.SkipTokenFromURL(atom.Resolve(feedBase(feed, feedURL), next))
	}

	if advance {
		if c.nextSkipToken != "" {
			c.options.SkipToken = c.nextSkipToken
			c.options.Skip = 0
		} else if c.options.SkipToken != "" {
			c.options.SkipToken = ""
		} else {
			c.options.Skip += len(page)
		}
	}

	return page, nil
}
