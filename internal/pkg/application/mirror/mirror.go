package mirror

import (
	"context"
	"fmt"
	"iter"

	"github.com/diwise/odata-client/pkg/odata/types/edm"
	"github.com/diwise/odata-client/pkg/odata/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("odata-client/mirror")

// Source is a collection of entities that can be mirrored
type Source interface {
	EntitySet() *edm.EntitySet
	Iterate(ctx context.Context) iter.Seq2[*entities.Entity, error]
}

// Record is the stored form of an entity
type Record struct {
	EntitySet  string
	Key        string
	Properties map[string]any
}

func NewRecord(e *entities.Entity) (Record, error) {
	set := e.EntitySet()

	key, err := entities.FormatKey(set.Keys(), e.Key())
	if err != nil {
		return Record{}, err
	}

	r := Record{
		EntitySet:  set.Name,
		Key:        key,
		Properties: map[string]any{},
	}

	e.ForEachProperty(func(name string, value any) {
		r.Properties[name] = value
	})

	return r, nil
}

type Store interface {
	Upsert(ctx context.Context, r Record) error
}

type Mirror interface {
	Start() error
	Stop() error

	Sync(ctx context.Context, src Source) (int, error)
}

type action func()

type mirror struct {
	started bool
	store   Store

	queue chan action
}

func New(store Store) Mirror {
	return &mirror{
		store: store,
	}
}

func (m *mirror) Start() error {
	if m.started {
		return fmt.Errorf("already started")
	}

	m.started = true
	m.queue = make(chan action, 32)

	go m.run(m.queue)

	return nil
}

// Stop blocks until every queued record has been stored
func (m *mirror) Stop() error {
	if m.started {
		resultChan := make(chan bool)

		m.queue <- func() {
			close(m.queue)
			resultChan <- true
		}

		<-resultChan
		m.started = false
	}
	return nil
}

// Sync reads every entity from src and queues it for storage. It returns once the queued
// records have been stored, with an error if the source could not be read completely or
// if any record failed to store.
func (m *mirror) Sync(ctx context.Context, src Source) (int, error) {
	var err error

	if !m.started {
		return 0, fmt.Errorf("mirror not started")
	}

	ctx, span := tracer.Start(ctx, "sync-entity-set",
		trace.WithAttributes(attribute.String("entity-set", src.EntitySet().Name)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)
	count := 0

	// only touched by the worker
	failed := 0
	var firstStoreErr error

	for e, iterErr := range src.Iterate(ctx) {
		if iterErr != nil {
			err = iterErr
			return count, err
		}

		var r Record
		r, err = NewRecord(e)
		if err != nil {
			return count, err
		}

		m.queue <- func() {
			if storeErr := m.store.Upsert(ctx, r); storeErr != nil {
				log.Error("failed to store entity", "entity_set", r.EntitySet, "key", r.Key, "err", storeErr.Error())
				if firstStoreErr == nil {
					firstStoreErr = storeErr
				}
				failed++
			}
		}

		count++
	}

	stored := make(chan error, 1)
	m.queue <- func() {
		if failed > 0 {
			stored <- fmt.Errorf("%d of %d entities not stored: %w", failed, count, firstStoreErr)
			return
		}
		stored <- nil
	}

	select {
	case err = <-stored:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		return count, err
	}

	log.Debug("entity set mirrored", "entity_set", src.EntitySet().Name, "count", count)

	return count, nil
}

func (m *mirror) run(queue chan action) {
	// repeat until the queue is closed
	for action := range queue {
		if action == nil {
			return
		}

		action()
	}
}
