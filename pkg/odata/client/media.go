package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/odata-client/pkg/odata/atom"
	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/stream"
	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StreamCapacity is the number of chunks an opened stream buffers ahead of the reader
const StreamCapacity int = 4

func emptyStreamInfo() stream.Info {
	return stream.NewInfo("application/octet-stream", 0)
}

func (c *EntityCollection) requireMediaLinkEntries() error {
	if !c.set.IsMediaLinkEntry() {
		return errors.NewUnsupportedOperationError(fmt.Sprintf("%s is not a media link entry collection", c.set.Name))
	}
	return nil
}

// NewStream creates a media link entry from the contents of src and returns the entity
// created by the service. The key is passed to the service as a hint in the Slug header
// and may be nil.
func (c *EntityCollection) NewStream(ctx context.Context, src io.Reader, info stream.Info, key entities.Key) (*entities.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "new-stream",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = c.requireMediaLinkEntries(); err != nil {
		return nil, err
	}

	header := http.Header{}
	info.Header(header)
	header.Set("Accept", atom.EntryContentType)

	if slug := slugForKey(c.set.Keys(), key); slug != "" {
		header.Set("Slug", slug)
	}

	req, err := c.client.newHTTPRequest(ctx, http.MethodPost, c.base, header, src)
	if err != nil {
		return nil, err
	}

	if info.Size >= 0 {
		req.ContentLength = info.Size
	}

	resp, err := c.client.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
		return nil, err
	}

	if resp.StatusCode != http.StatusCreated {
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
		return nil, err
	}

	e := entities.New(c.set)
	if err = readCreatedEntity(e, body); err != nil {
		return nil, err
	}

	return e, nil
}

func slugForKey(names []string, key entities.Key) string {
	if len(key) == 0 {
		return ""
	}

	for _, v := range key {
		if v == nil {
			return ""
		}
	}

	if len(key) == 1 {
		_, text := edm.FormatValue(key[0])
		return text
	}

	k, err := entities.FormatKey(names, key)
	if err != nil {
		return ""
	}

	return k
}

func (c *EntityCollection) valueURL(key entities.Key) (string, error) {
	k, err := entities.FormatKey(c.set.Keys(), key)
	if err != nil {
		return "", err
	}
	return c.base + k + "/$value", nil
}

// UpdateStream replaces the media resource of the entity with the given key
func (c *EntityCollection) UpdateStream(ctx context.Context, key entities.Key, src io.Reader, info stream.Info) error {
	var err error

	ctx, span := tracer.Start(ctx, "update-stream",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = c.requireMediaLinkEntries(); err != nil {
		return err
	}

	endpoint, err := c.valueURL(key)
	if err != nil {
		return err
	}

	header := http.Header{}
	info.Header(header)

	req, err := c.client.newHTTPRequest(ctx, http.MethodPut, endpoint, header, src)
	if err != nil {
		return err
	}

	if info.Size >= 0 {
		req.ContentLength = info.Size
	}

	resp, err := c.client.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		err = responseError(ctx, resp.StatusCode, resp.Header, body)
	}

	return err
}

// ReadStream copies the media resource of the entity with the given key to w. Only the
// stream information is requested when w is nil. A missing resource is reported as an
// empty stream.
func (c *EntityCollection) ReadStream(ctx context.Context, key entities.Key, w io.Writer) (stream.Info, error) {
	var err error

	ctx, span := tracer.Start(ctx, "read-stream",
		trace.WithAttributes(attribute.String(TraceAttributeEntitySet, c.set.Name)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityKey, key.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	method := http.MethodGet
	if w == nil {
		method = http.MethodHead
	}

	resp, err := c.openValue(ctx, method, key)
	if err != nil {
		return stream.Info{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		info := stream.InfoFromHeader(resp.Header)
		if w != nil {
			if _, err = io.Copy(w, resp.Body); err != nil {
				err = fmt.Errorf("failed to read stream: %s (%w)", err.Error(), errors.ErrBadResponse)
				return stream.Info{}, err
			}
		}
		return info, nil
	case http.StatusNotFound:
		return emptyStreamInfo(), nil
	}

	body, _ := io.ReadAll(resp.Body)
	err = responseError(ctx, resp.StatusCode, resp.Header, body)

	return stream.Info{}, err
}

// OpenStream starts reading the media resource of the entity with the given key. The
// returned cursor must be closed by the caller.
func (c *EntityCollection) OpenStream(ctx context.Context, key entities.Key) (stream.Info, *stream.Cursor, error) {
	resp, err := c.openValue(ctx, http.MethodGet, key)
	if err != nil {
		return stream.Info{}, nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return stream.InfoFromHeader(resp.Header), stream.NewCursor(ctx, resp.Body, StreamCapacity), nil
	case http.StatusNotFound:
		resp.Body.Close()
		return emptyStreamInfo(), stream.NewCursor(ctx, io.NopCloser(bytes.NewReader(nil)), 1), nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	return stream.Info{}, nil, responseError(ctx, resp.StatusCode, resp.Header, body)
}

func (c *EntityCollection) openValue(ctx context.Context, method string, key entities.Key) (*http.Response, error) {
	if err := c.requireMediaLinkEntries(); err != nil {
		return nil, err
	}

	endpoint, err := c.valueURL(key)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "*/*")

	req, err := c.client.newHTTPRequest(ctx, method, endpoint, header, nil)
	if err != nil {
		return nil, err
	}

	return c.client.send(ctx, req)
}
