package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type itemKind int

const (
	countItem itemKind = iota
	entityItem
	changesetItem
)

type batchItem struct {
	kind       itemKind
	collection *EntityCollection
	key        entities.Key
	req        *request
	changeset  *Changeset
}

// Result holds the outcome of one batch item. Value is an int for counts, an entity for
// entity requests and nil for changesets.
type Result struct {
	Value any
	Err   error
}

// Batch groups requests into a single exchange with the service. Items fail or succeed
// independently of each other.
type Batch struct {
	client  *Client
	items   []*batchItem
	results []*Result
	err     error
}

// AppendCount queues a request for the number of entities in c
func (b *Batch) AppendCount(c *EntityCollection) {
	b.items = append(b.items, &batchItem{
		kind:       countItem,
		collection: c,
		req:        c.countRequest(),
	})
}

// AppendEntity queues a request for the entity in c with the given key
func (b *Batch) AppendEntity(c *EntityCollection, key entities.Key) error {
	r, err := c.keyRequest(key)
	if err != nil {
		return err
	}

	b.items = append(b.items, &batchItem{
		kind:       entityItem,
		collection: c,
		key:        key,
		req:        r,
	})

	return nil
}

func (b *Batch) AppendChangeset(cs *Changeset) error {
	if cs.state != changesetOpen {
		return errors.NewChangesetCommittedError("changeset can only be sent once")
	}

	b.items = append(b.items, &batchItem{
		kind:      changesetItem,
		changeset: cs,
	})

	return nil
}

func (b *Batch) Len() int {
	return len(b.items)
}

// Result returns the outcome of the item at index i, nil before the batch has run
func (b *Batch) Result(i int) *Result {
	if i < 0 || i >= len(b.results) {
		return nil
	}
	return b.results[i]
}

func (b *Batch) Results() []*Result {
	return b.results
}

// Err returns the error that prevented the batch response from being read completely
func (b *Batch) Err() error {
	return b.err
}

// batchPart is the outbound form of an item, rendered when the request body is written
type batchPart struct {
	index  int
	render func() (contentType string, body []byte, err error)
}

// Run sends all queued items and reads the results. Every item has a result when Run
// returns, the returned error is set when the batch as a whole failed.
func (b *Batch) Run(ctx context.Context) error {
	var err error

	ctx, span := tracer.Start(ctx, "run-batch",
		trace.WithAttributes(attribute.String(TraceAttributeServiceRoot, b.client.root)),
		trace.WithAttributes(attribute.Int("batch-items", len(b.items))),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	b.results = make([]*Result, len(b.items))
	b.err = nil

	parts := make([]batchPart, 0, len(b.items))

	for i, item := range b.items {
		if item.kind == changesetItem {
			cs := item.changeset
			if cs.state != changesetOpen {
				b.results[i] = &Result{Err: errors.NewChangesetCommittedError("changeset can only be sent once")}
				continue
			}

			if prepErr := cs.prepare(ctx); prepErr != nil {
				cs.state = changesetDone
				b.results[i] = &Result{Err: prepErr}
				continue
			}

			cs.state = changesetCommitting
			parts = append(parts, batchPart{index: i, render: cs.render})
			continue
		}

		if prepErr := b.client.prepare(ctx, item.req.method, item.req.url, item.req.header); prepErr != nil {
			b.results[i] = &Result{Err: prepErr}
			continue
		}

		r := item.req
		parts = append(parts, batchPart{index: i, render: func() (string, []byte, error) {
			return ApplicationHTTP, renderRequest(r), nil
		}})
	}

	if len(parts) > 0 {
		err = b.exchange(ctx, parts)
		b.err = err
	}

	for i, item := range b.items {
		if b.results[i] == nil {
			slotErr := err
			if slotErr == nil {
				slotErr = errors.NewUnexpectedResponseError("no response received for batch item")
			}
			b.results[i] = &Result{Err: slotErr}
		}

		if item.kind == changesetItem && item.changeset.state == changesetCommitting {
			item.changeset.state = changesetDone
		}
	}

	return err
}

func (b *Batch) exchange(ctx context.Context, parts []batchPart) error {
	log := logging.GetFromContext(ctx)

	boundary := newBoundary("batch")

	pr, pw := io.Pipe()
	written := make(chan struct{})

	go func() {
		defer close(written)
		pw.CloseWithError(writeParts(pw, boundary, parts))
	}()

	defer func() {
		pr.Close()
		<-written
	}()

	header := http.Header{}
	header.Set("Content-Type", mixedContentType(boundary))
	header.Set("Accept", MultipartMixed)

	req, err := b.client.newHTTPRequest(ctx, http.MethodPost, b.client.root+"$batch", header, pr)
	if err != nil {
		return err
	}

	resp, err := b.client.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if resp.StatusCode != http.StatusAccepted || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		body, _ := io.ReadAll(resp.Body)

		var batchErr error
		if resp.StatusCode == http.StatusAccepted {
			batchErr = errors.NewUnexpectedResponseError(fmt.Sprintf("expected a multipart batch response, got %s", mediaType))
		} else {
			batchErr = responseError(ctx, resp.StatusCode, resp.Header, body)
		}

		for _, p := range parts {
			b.results[p.index] = &Result{Err: batchErr}
		}

		return batchErr
	}

	done := make(chan error, 1)
	go func() {
		done <- b.demux(ctx, multipart.NewReader(resp.Body, params["boundary"]), parts)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		resp.Body.Close()
		<-done
		err = fmt.Errorf("batch cancelled: %s (%w)", ctx.Err().Error(), errors.ErrRequest)
	}

	if err != nil {
		log.Error("failed to read batch response", "err", err.Error())
	}

	return err
}

func writeParts(w io.Writer, boundary string, parts []batchPart) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}

	for _, p := range parts {
		contentType, body, err := p.render()
		if err != nil {
			return err
		}

		h := httpPartHeader()
		if contentType != ApplicationHTTP {
			h = textproto.MIMEHeader{}
			h.Set("Content-Type", contentType)
		}

		pw, err := mw.CreatePart(h)
		if err != nil {
			return err
		}

		if _, err = pw.Write(body); err != nil {
			return err
		}
	}

	return mw.Close()
}

// demux reads the response parts in order and stores the result of every item that was
// sent. Items without a part are left for Run to fill in.
func (b *Batch) demux(ctx context.Context, mr *multipart.Reader, parts []batchPart) error {
	for n, p := range parts {
		part, err := mr.NextPart()
		if err == io.EOF {
			return errors.NewUnexpectedResponseError(fmt.Sprintf("batch response has %d parts, %d expected", n, len(parts)))
		}
		if err != nil {
			return fmt.Errorf("failed to read batch response: %s (%w)", err.Error(), errors.ErrBadResponse)
		}

		resp, err := readPart(part)
		if err != nil {
			return err
		}

		b.results[p.index] = b.handlePart(ctx, b.items[p.index], resp)
	}

	return nil
}

func (b *Batch) handlePart(ctx context.Context, item *batchItem, resp *partResponse) *Result {
	if item.kind == changesetItem {
		return &Result{Err: item.changeset.handleResponse(ctx, resp)}
	}

	if resp.isMultipart() {
		return &Result{Err: errors.NewUnexpectedResponseError("unexpected multipart response to a query")}
	}

	switch item.kind {
	case countItem:
		n, err := item.collection.countResponse(ctx, resp.status, resp.statusHeader, resp.body)
		if err != nil {
			return &Result{Err: err}
		}
		return &Result{Value: n}
	default:
		e, err := item.collection.keyResponse(ctx, resp.status, resp.statusHeader, resp.body, item.key)
		if err != nil {
			return &Result{Err: err}
		}
		return &Result{Value: e}
	}
}
