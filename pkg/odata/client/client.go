package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/atom"
	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TraceAttributeEntitySet   string = "entity-set"
	TraceAttributeEntityKey   string = "entity-key"
	TraceAttributeServiceRoot string = "service-root"
)

const (
	DefaultAccept   string = "application/atom+xml, application/atomsvc+xml, application/atomcat+xml, application/xml"
	ProtocolVersion string = "2.0"
)

var tracer = otel.Tracer("odata-client")

// RequestPolicy is consulted before any request is sent to the service
type RequestPolicy interface {
	CheckAccess(ctx context.Context, method, endpoint string) error
}

type Client struct {
	root       string
	metadata   string
	httpClient *http.Client
	headers    map[string][]string
	policy     RequestPolicy
	debug      bool
	version    string

	model *edm.Model
	sets  map[string]*edm.EntitySet
}

func Debug(enabled string) func(*Client) {
	return func(c *Client) {
		c.debug = (enabled == "true")
	}
}

func WithHTTPClient(httpClient *http.Client) func(*Client) {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeaders adds headers that are sent with every request, e.g. for authentication
func WithHeaders(headers map[string][]string) func(*Client) {
	return func(c *Client) {
		for k, v := range headers {
			c.headers[k] = append(c.headers[k], v...)
		}
	}
}

func WithPolicy(policy RequestPolicy) func(*Client) {
	return func(c *Client) {
		c.policy = policy
	}
}

// Metadata overrides the location of the metadata document, which otherwise is the
// $metadata resource of the service root. Local files are allowed.
func Metadata(location string) func(*Client) {
	return func(c *Client) {
		c.metadata = location
	}
}

func NewClient(options ...func(*Client)) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: map[string][]string{},
		version: ProtocolVersion + "; odata-client/" + buildinfo.SourceVersion(),
		sets:    map[string]*edm.EntitySet{},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Connect creates a client and loads the service document found at root
func Connect(ctx context.Context, root string, options ...func(*Client)) (*Client, error) {
	c := NewClient(options...)

	if err := c.LoadService(ctx, root, c.metadata); err != nil {
		return nil, err
	}

	return c, nil
}

// LoadService reads the service document at root and the metadata document and binds a
// collection to every advertised feed that the metadata describes. A local service document
// must declare the real service root with xml:base.
func (c *Client) LoadService(ctx context.Context, root, metadata string) error {
	var err error

	ctx, span := tracer.Start(ctx, "load-service",
		trace.WithAttributes(attribute.String(TraceAttributeServiceRoot, root)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	svcBody, local, err := c.readDocument(ctx, root, atom.ServiceContentType)
	if err != nil {
		return err
	}

	doc, err := atom.ReadDocument(bytes.NewReader(svcBody))
	if err != nil {
		return err
	}

	svc, ok := doc.(*atom.Service)
	if !ok {
		err = errors.NewProtocolDocumentError(fmt.Sprintf("%s is not a service document", root))
		return err
	}

	serviceRoot := root
	if svc.Base != "" {
		serviceRoot = atom.Resolve(root, svc.Base)
	} else if local {
		err = errors.NewProtocolDocumentError(fmt.Sprintf("local service document %s has no xml:base", root))
		return err
	}

	if !strings.HasSuffix(serviceRoot, "/") {
		serviceRoot += "/"
	}

	feeds := map[string]string{}
	for _, ws := range svc.Workspaces {
		for _, coll := range ws.Collections {
			title := strings.TrimSpace(coll.Title)
			if title == "" {
				title = coll.Href
			}
			feeds[title] = atom.Resolve(serviceRoot, coll.Href)
		}
	}

	if metadata == "" {
		metadata = serviceRoot + "$metadata"
	}

	mdBody, _, err := c.readDocument(ctx, metadata, "application/xml")
	if err != nil {
		return err
	}

	model, err := edm.ParseMetadata(bytes.NewReader(mdBody))
	if err != nil {
		return err
	}

	sets := map[string]*edm.EntitySet{}

	for _, name := range model.EntitySetNames() {
		es, _ := model.EntitySet(name)

		href, advertised := feeds[name]
		if !advertised {
			es.Location = serviceRoot + name
			continue
		}

		es.Location = href
		sets[name] = es

		log.Debug("registering feed", "location", href)
	}

	for title, href := range feeds {
		if _, ok := sets[title]; !ok {
			log.Info("can't find metadata definition of feed", "feed", href)
		}
	}

	c.root = serviceRoot
	c.metadata = metadata
	c.model = model
	c.sets = sets

	return nil
}

func (c *Client) ServiceRoot() string {
	return c.root
}

// EntitySets returns the names of the entity sets bound to this client
func (c *Client) EntitySets() []string {
	names := make([]string, 0, len(c.sets))
	for name := range c.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) EntitySet(name string) (*edm.EntitySet, bool) {
	es, ok := c.sets[name]
	return es, ok
}

// Open returns a new collection for the named entity set
func (c *Client) Open(name string) (*EntityCollection, error) {
	es, ok := c.sets[name]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no entity set named %s", name))
	}

	return c.collection(es), nil
}

func (c *Client) collection(es *edm.EntitySet) *EntityCollection {
	return &EntityCollection{
		client: c,
		set:    es,
		base:   es.Location,
	}
}

// Navigation returns the collection of entities related to from through the navigation
// property name
func (c *Client) Navigation(from *entities.Entity, name string) (*NavigationCollection, error) {
	np, ok := from.EntitySet().NavigationProperty(name)
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("%s has no navigation property %s", from.EntitySet().Name, name))
	}

	location, err := from.Location()
	if err != nil {
		return nil, err
	}

	nc := &NavigationCollection{
		EntityCollection: EntityCollection{
			client: c,
			set:    np.Target,
			base:   location + "/" + url.PathEscape(name),
		},
		from:     from,
		nav:      np,
		linksURL: location + "/$links/" + url.PathEscape(name),
	}

	return nc, nil
}

func (c *Client) NewBatch() *Batch {
	return &Batch{client: c}
}

func (c *Client) NewChangeset() *Changeset {
	return &Changeset{client: c}
}

func isLocal(location string) (string, bool) {
	u, err := url.Parse(location)
	if err != nil {
		return location, true
	}

	switch u.Scheme {
	case "http", "https":
		return "", false
	case "file":
		return u.Path, true
	}

	return location, true
}

func (c *Client) readDocument(ctx context.Context, location, accept string) ([]byte, bool, error) {
	if path, local := isLocal(location); local {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, true, errors.NewProtocolDocumentError(fmt.Sprintf("failed to read %s: %s", path, err.Error()))
		}
		return b, true, nil
	}

	r := newRequest(http.MethodGet, location, nil)
	r.header.Set("Accept", accept)

	resp, body, err := c.do(ctx, r)
	if err != nil {
		return nil, false, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, errors.NewUnexpectedStatusError(resp.StatusCode)
	}

	return body, false, nil
}

// prepare applies the headers and the policy that every request to the service is subject to
func (c *Client) prepare(ctx context.Context, method, endpoint string, header http.Header) error {
	for k, v := range c.headers {
		if header.Get(k) == "" {
			header[http.CanonicalHeaderKey(k)] = v
		}
	}

	if header.Get("Accept") == "" {
		header.Set("Accept", DefaultAccept)
	}

	header.Set("DataServiceVersion", c.version)
	header.Set("MaxDataServiceVersion", c.version)

	if c.policy != nil {
		if err := c.policy.CheckAccess(ctx, method, endpoint); err != nil {
			return err
		}
	}

	return nil
}

type request struct {
	method string
	url    string
	header http.Header
	body   []byte
}

func newRequest(method, endpoint string, body []byte) *request {
	return &request{
		method: method,
		url:    endpoint,
		header: http.Header{},
		body:   body,
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, method, endpoint string, header http.Header, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	for k, v := range header {
		req.Header[k] = v
	}

	if err = c.prepare(ctx, method, endpoint, req.Header); err != nil {
		return nil, err
	}

	return req, nil
}

// send issues a request and returns the response without reading the body
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusNotFound {
			reqbytes, _ := httputil.DumpRequest(req, false)
			respbytes, _ := httputil.DumpResponse(resp, false)

			log := logging.GetFromContext(ctx)
			log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
		}
	}

	return resp, nil
}

func (c *Client) do(ctx context.Context, r *request) (*http.Response, []byte, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := c.newHTTPRequest(ctx, r.method, r.url, r.header, body)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	return resp, respBody, nil
}

// responseError translates an unexpected response into an error and logs the details
func responseError(ctx context.Context, status int, header http.Header, body []byte) error {
	err := errors.NewErrorFromResponse(status, header.Get("Content-Type"), body)

	if se, ok := err.(*errors.ServiceError); ok {
		log := logging.GetFromContext(ctx)
		log.Info("unexpected response", "status", se.StatusCode, "code", se.Code, "message", se.Message)

		if se.InnerError != "" {
			log.Debug("inner error", "status", se.StatusCode, "inner", se.InnerError)
		}
	}

	return err
}
