package client

import (
	"context"
	"io"
	"iter"

	"github.com/diwise/odata-client/pkg/odata/query"
	"github.com/diwise/odata-client/pkg/odata/stream"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
)

// Queryable is implemented by every collection that can be read with query options
type Queryable interface {
	Query(decorators ...query.OptionDecoratorFunc) error
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, key entities.Key) (*entities.Entity, error)
	Iterate(ctx context.Context) iter.Seq2[*entities.Entity, error]
	Page(ctx context.Context, advance bool) ([]*entities.Entity, error)
}

// Streamable is implemented by collections of media link entries
type Streamable interface {
	NewStream(ctx context.Context, src io.Reader, info stream.Info, key entities.Key) (*entities.Entity, error)
	UpdateStream(ctx context.Context, key entities.Key, src io.Reader, info stream.Info) error
	ReadStream(ctx context.Context, key entities.Key, w io.Writer) (stream.Info, error)
	OpenStream(ctx context.Context, key entities.Key) (stream.Info, *stream.Cursor, error)
}

// Linkable is implemented by collections that manage links from a source entity
type Linkable interface {
	Set(ctx context.Context, key entities.Key, e *entities.Entity) error
	Replace(ctx context.Context, e *entities.Entity) error
	Delete(ctx context.Context, key entities.Key) error
}

var _ Queryable = &EntityCollection{}
var _ Queryable = &NavigationCollection{}
var _ Streamable = &EntityCollection{}
var _ Linkable = &NavigationCollection{}
