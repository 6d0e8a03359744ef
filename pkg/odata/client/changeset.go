package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/diwise/odata-client/pkg/odata/errors"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

type changesetState int

const (
	changesetOpen changesetState = iota
	changesetCommitting
	changesetDone
)

type changesetOp struct {
	id     string
	req    *request
	entity *entities.Entity
	insert bool
}

// Changeset is a group of write operations that the service applies as a unit. Operations
// are sent in the order they were added. A changeset can only be committed once.
type Changeset struct {
	client   *Client
	ops      []*changesetOp
	inserted map[*entities.Entity]string
	state    changesetState
}

func (cs *Changeset) Len() int {
	return len(cs.ops)
}

// Done reports whether a response to the changeset has been processed
func (cs *Changeset) Done() bool {
	return cs.state == changesetDone
}

func (cs *Changeset) checkOpen() error {
	if cs.state != changesetOpen {
		return errors.NewChangesetCommittedError("operations can not be added to a committed changeset")
	}
	return nil
}

// resolve refers to entities inserted earlier in the same changeset by their content id
func (cs *Changeset) resolve(e *entities.Entity) (string, bool) {
	id, ok := cs.inserted[e]
	if !ok {
		return "", false
	}
	return "$" + id, true
}

// add queues op, content ids must be unique within the changeset
func (cs *Changeset) add(op *changesetOp) {
	if op.id == "" {
		op.id = op.entity.Alias()
	}

	for _, other := range cs.ops {
		if other.id == op.id {
			op.id = "op" + uuid.NewString()
			break
		}
	}

	cs.ops = append(cs.ops, op)
}

// Insert adds the creation of e in c. Bindings to entities inserted earlier in this
// changeset are sent as references to those operations.
func (cs *Changeset) Insert(c *EntityCollection, e *entities.Entity) error {
	if err := cs.checkOpen(); err != nil {
		return err
	}

	if e.Exists() {
		return errors.NewAlreadyExistsError(fmt.Sprintf("entity already exists in %s", c.set.Name))
	}

	if e.EntitySet() != c.set {
		return fmt.Errorf("entity of %s can not be inserted into %s (%w)", e.EntitySet().Name, c.set.Name, errors.ErrRequest)
	}

	if c.set.IsMediaLinkEntry() {
		return errors.NewUnsupportedOperationError(fmt.Sprintf("media link entries in %s can not be created in a changeset", c.set.Name))
	}

	r, err := c.insertRequest(e, cs.resolve)
	if err != nil {
		return err
	}

	op := &changesetOp{id: e.Alias(), req: r, entity: e, insert: true}
	cs.add(op)

	if cs.inserted == nil {
		cs.inserted = map[*entities.Entity]string{}
	}
	cs.inserted[e] = op.id

	return nil
}

// Update adds an update of e. The id correlates the operation with its response and
// defaults to the alias of the entity.
func (cs *Changeset) Update(e *entities.Entity, id string) error {
	if err := cs.checkOpen(); err != nil {
		return err
	}

	if !e.Exists() {
		return errors.NewNonExistentEntityError(fmt.Sprintf("entity of %s has not been inserted", e.EntitySet().Name))
	}

	r, err := updateRequest(e)
	if err != nil {
		return err
	}

	cs.add(&changesetOp{id: id, req: r, entity: e})

	return nil
}

// Link adds a link from the source entity of nc to e. The target must exist or be inserted
// earlier in this changeset. Only collection valued navigation properties can be linked in
// a changeset.
func (cs *Changeset) Link(nc *NavigationCollection, e *entities.Entity, id string) error {
	if err := cs.checkOpen(); err != nil {
		return err
	}

	if !nc.IsCollection() {
		return errors.NewUnsupportedOperationError(fmt.Sprintf("single valued navigation property %s can not be linked in a changeset", nc.nav.Name))
	}

	if e.EntitySet() != nc.set {
		return fmt.Errorf("entity of %s can not be linked through %s (%w)", e.EntitySet().Name, nc.nav.Name, errors.ErrRequest)
	}

	if _, pending := cs.inserted[e]; !e.Exists() && !pending {
		return errors.NewNonExistentEntityError(fmt.Sprintf("entity of %s has not been inserted", nc.set.Name))
	}

	r, err := nc.linkRequest(http.MethodPost, e, cs.resolve)
	if err != nil {
		return err
	}

	cs.add(&changesetOp{id: id, req: r, entity: e})

	return nil
}

// Commit sends the changeset in a batch of its own and returns the outcome
func (cs *Changeset) Commit(ctx context.Context) error {
	if cs.state != changesetOpen {
		return errors.NewChangesetCommittedError("changeset has already been committed")
	}

	b := cs.client.NewBatch()
	if err := b.AppendChangeset(cs); err != nil {
		return err
	}

	b.Run(ctx)

	return b.Result(0).Err
}

func (cs *Changeset) prepare(ctx context.Context) error {
	for _, op := range cs.ops {
		if err := cs.client.prepare(ctx, op.req.method, op.req.url, op.req.header); err != nil {
			return err
		}
	}
	return nil
}

// render writes the operations as a nested multipart body
func (cs *Changeset) render() (string, []byte, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	boundary := newBoundary("changeset")
	if err := mw.SetBoundary(boundary); err != nil {
		return "", nil, err
	}

	for _, op := range cs.ops {
		h := httpPartHeader()
		h.Set("Content-ID", op.id)

		pw, err := mw.CreatePart(h)
		if err != nil {
			return "", nil, err
		}

		if _, err = pw.Write(renderRequest(op.req)); err != nil {
			return "", nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return "", nil, err
	}

	return mixedContentType(boundary), buf.Bytes(), nil
}

// handleResponse applies the response to the changeset. The service answers with a single
// error response when the changeset failed as a whole.
func (cs *Changeset) handleResponse(ctx context.Context, resp *partResponse) error {
	defer func() { cs.state = changesetDone }()

	if !resp.isMultipart() {
		if resp.status < http.StatusBadRequest {
			return errors.NewUnexpectedResponseError(fmt.Sprintf("unexpected %d response to changeset", resp.status))
		}
		return responseError(ctx, resp.status, resp.statusHeader, resp.body)
	}

	byID := map[string]*changesetOp{}
	for _, op := range cs.ops {
		byID[op.id] = op
	}

	log := logging.GetFromContext(ctx)

	var result error

	mr := resp.parts()
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read changeset response: %s (%w)", err.Error(), errors.ErrBadResponse)
		}

		opResp, err := readPart(part)
		if err != nil {
			return err
		}

		op, ok := byID[opResp.contentID()]
		if !ok && opResp.contentID() == "" && i < len(cs.ops) {
			op, ok = cs.ops[i], true
		}

		if opResp.status >= http.StatusBadRequest {
			if result == nil {
				result = responseError(ctx, opResp.status, opResp.statusHeader, opResp.body)
			}
			continue
		}

		if !ok {
			log.Info("ignoring changeset response with unknown content id", "id", opResp.contentID())
			continue
		}

		if op.insert && opResp.status == http.StatusCreated {
			if err = readCreatedEntity(op.entity, opResp.body); err != nil {
				if result == nil {
					result = err
				}
				continue
			}
			op.entity.ClearAllBindings()
		}
	}

	return result
}
