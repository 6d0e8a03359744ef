package client

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/diwise/odata-client/pkg/odata/atom"
	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/query"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NavigationCollection is the collection of entities related to a source entity through
// a navigation property. Single valued navigation properties behave as a collection of at
// most one entity.
type NavigationCollection struct {
	EntityCollection

	from     *entities.Entity
	nav      *edm.NavigationProperty
	linksURL string
}

func (nc *NavigationCollection) IsCollection() bool {
	return nc.nav.IsCollection()
}

func (nc *NavigationCollection) LinksURL() string {
	return nc.linksURL
}

func (nc *NavigationCollection) From() *entities.Entity {
	return nc.from
}

func (nc *NavigationCollection) NavigationProperty() *edm.NavigationProperty {
	return nc.nav
}

// Insert creates e and links it to the source entity. When e cannot exist without the
// source entity it is inserted through the back link instead, or posted to the navigation
// property when there is no back link.
func (nc *NavigationCollection) Insert(ctx context.Context, e *entities.Entity) error {
	var err error

	ctx, span := tracer.Start(ctx, "insert-related-entity",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, nc.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if e.Exists() {
		err = errors.NewAlreadyExistsError(fmt.Sprintf("entity already exists in %s", nc.set.Name))
		return err
	}

	target := nc.client.collection(nc.set)

	if nc.nav.FromMultiplicity == edm.One {
		if nc.nav.BackLink != "" {
			if err = e.Bind(nc.nav.BackLink, nc.from); err != nil {
				return err
			}
			err = target.Insert(ctx, e)
			return err
		}

		if nc.IsCollection() {
			err = nc.EntityCollection.Insert(ctx, e)
			return err
		}

		err = errors.NewUnsupportedOperationError(fmt.Sprintf("can't insert into %s without a back link", nc.nav.Name))
		return err
	}

	if err = target.Insert(ctx, e); err != nil {
		return err
	}

	// the entity is left unlinked if this fails
	err = nc.Set(ctx, e.Key(), e)
	return err
}

// readOptions are the query options applied when the single linked entity is read
func (nc *NavigationCollection) readOptions(withExpansion bool) query.Options {
	o := query.Options{Filter: nc.options.Filter}
	if withExpansion {
		o.Expand = nc.options.Expand
		o.Select = nc.options.Select
	}
	return o
}

func (nc *NavigationCollection) singletonRequest(o query.Options) *request {
	r := newRequest(http.MethodGet, o.Apply(nc.base), nil)
	r.header.Set("Accept", atom.EntryContentType)

	return r
}

// singleton reads the entity a single valued navigation property points to, nil when
// there is none or when o filters it out
func (nc *NavigationCollection) singleton(ctx context.Context, o query.Options) (*entities.Entity, error) {
	resp, body, err := nc.client.do(ctx, nc.singletonRequest(o))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(ctx, resp.StatusCode, resp.Header, body)
	}

	doc, err := atom.ReadDocument(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	switch d := doc.(type) {
	case *atom.Entry:
		return nc.materialize(d)
	case *atom.ErrorDocument:
		return nil, nil
	}

	return nil, errors.NewProtocolDocumentError(fmt.Sprintf("expected an entry from %s", nc.base))
}

func (nc *NavigationCollection) Count(ctx context.Context) (int, error) {
	if nc.IsCollection() {
		return nc.EntityCollection.Count(ctx)
	}

	e, err := nc.singleton(ctx, nc.readOptions(false))
	if err != nil {
		return 0, err
	}

	if e == nil {
		return 0, nil
	}

	return 1, nil
}

func (nc *NavigationCollection) Get(ctx context.Context, key entities.Key) (*entities.Entity, error) {
	if nc.IsCollection() {
		return nc.EntityCollection.Get(ctx, key)
	}

	e, err := nc.singleton(ctx, nc.readOptions(true))
	if err != nil {
		return nil, err
	}

	if e == nil || !entities.KeyEqual(e.Key(), key) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s(%s) is not linked from %s", nc.set.Name, key.String(), nc.nav.Name))
	}

	return e, nil
}

func (nc *NavigationCollection) Iterate(ctx context.Context) iter.Seq2[*entities.Entity, error] {
	if nc.IsCollection() {
		return nc.EntityCollection.Iterate(ctx)
	}

	return func(yield func(*entities.Entity, error) bool) {
		e, err := nc.singleton(ctx, nc.readOptions(true))
		if err != nil {
			yield(nil, err)
			return
		}

		if e != nil {
			yield(e, nil)
		}
	}
}

func (nc *NavigationCollection) Page(ctx context.Context, advance bool) ([]*entities.Entity, error) {
	if nc.IsCollection() {
		return nc.EntityCollection.Page(ctx, advance)
	}

	e, err := nc.singleton(ctx, nc.readOptions(true))
	if err != nil {
		return nil, err
	}

	if e == nil {
		return []*entities.Entity{}, nil
	}

	return []*entities.Entity{e}, nil
}

func (nc *NavigationCollection) linkRequest(method string, e *entities.Entity, resolver atom.LinkResolver) (*request, error) {
	var href string

	if !e.Exists() && resolver != nil {
		href, _ = resolver(e)
	}

	if href == "" {
		location, err := e.Location()
		if err != nil {
			return nil, err
		}
		href = location
	}

	r := newRequest(method, nc.linksURL, atom.MarshalURI(href))
	r.header.Set("Content-Type", "application/xml")

	return r, nil
}

func (nc *NavigationCollection) sendLink(ctx context.Context, method string, e *entities.Entity) error {
	r, err := nc.linkRequest(method, e, nil)
	if err != nil {
		return err
	}

	resp, body, err := nc.client.do(ctx, r)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		return responseError(ctx, resp.StatusCode, resp.Header, body)
	}

	return nil
}

func (nc *NavigationCollection) checkLinkTarget(e *entities.Entity) error {
	if e.EntitySet() != nc.set {
		return fmt.Errorf("entity of %s can not be linked through %s (%w)", e.EntitySet().Name, nc.nav.Name, errors.ErrRequest)
	}

	if !e.Exists() {
		return errors.NewNonExistentEntityError(fmt.Sprintf("entity of %s has not been inserted", nc.set.Name))
	}

	return nil
}

// Set links e to the source entity. A single valued navigation property that already
// points to another entity must be changed with Replace.
func (nc *NavigationCollection) Set(ctx context.Context, key entities.Key, e *entities.Entity) error {
	var err error

	ctx, span := tracer.Start(ctx, "set-link",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, nc.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = nc.checkLinkTarget(e); err != nil {
		return err
	}

	if !entities.KeyEqual(key, e.Key()) {
		err = fmt.Errorf("key %s does not match the entity (%w)", key.String(), errors.ErrRequest)
		return err
	}

	if nc.IsCollection() {
		err = nc.sendLink(ctx, http.MethodPost, e)
		return err
	}

	// the current link is looked up without the collection filter so a hidden link is
	// never overwritten
	var existing *entities.Entity
	existing, err = nc.singleton(ctx, query.Options{})
	if err != nil {
		return err
	}

	if existing != nil {
		if entities.KeyEqual(existing.Key(), key) {
			return nil
		}

		err = errors.NewLinkAlreadyExistsError(fmt.Sprintf("%s already points to an entity, use replace to change it", nc.nav.Name))
		return err
	}

	err = nc.sendLink(ctx, http.MethodPut, e)
	return err
}

// Replace makes e the only entity linked to the source entity
func (nc *NavigationCollection) Replace(ctx context.Context, e *entities.Entity) error {
	var err error

	ctx, span := tracer.Start(ctx, "replace-link",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, nc.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = nc.checkLinkTarget(e); err != nil {
		return err
	}

	if !nc.IsCollection() {
		err = nc.sendLink(ctx, http.MethodPut, e)
		return err
	}

	linked := false
	stale := []entities.Key{}

	// every current link counts, not only those the collection filter selects
	all := nc.EntityCollection
	all.options = query.Options{}
	all.nextSkipToken = ""

	for current, iterErr := range all.Iterate(ctx) {
		if iterErr != nil {
			err = iterErr
			return err
		}

		if entities.KeyEqual(current.Key(), e.Key()) {
			linked = true
		} else {
			stale = append(stale, current.Key())
		}
	}

	for _, key := range stale {
		if err = nc.Delete(ctx, key); err != nil {
			return err
		}
	}

	if !linked {
		err = nc.sendLink(ctx, http.MethodPost, e)
	}

	return err
}

// Delete removes the link to the entity with the given key. For single valued navigation
// properties the link is removed whatever entity it points to.
func (nc *NavigationCollection) Delete(ctx context.Context, key entities.Key) error {
	var err error

	ctx, span := tracer.Start(ctx, "delete-link",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, nc.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	endpoint := nc.linksURL

	if nc.IsCollection() {
		var k string
		k, err = entities.FormatKey(nc.set.Keys(), key)
		if err != nil {
			return err
		}
		endpoint += k
	}

	resp, body, err := nc.client.do(ctx, newRequest(http.MethodDelete, endpoint, nil))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusNoContent {
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
	}

	return err
}
