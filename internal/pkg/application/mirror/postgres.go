package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "POSTGRES_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "POSTGRES_USER", ""),
		password: env.GetVariableOrDefault(ctx, "POSTGRES_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "POSTGRES_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "POSTGRES_DBNAME", "diwise"),
		sslmode:  env.GetVariableOrDefault(ctx, "POSTGRES_SSLMODE", "disable"),
	}
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}

	if err = s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) initialize(ctx context.Context) error {
	sql := `
		CREATE TABLE IF NOT EXISTS odata_entities (
			entityset  TEXT NOT NULL,
			entitykey  TEXT NOT NULL,
			properties JSONB NOT NULL,
			mirrored   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (entityset, entitykey)
		);`

	_, err := s.pool.Exec(ctx, sql)
	return err
}

func (s *PostgresStore) Upsert(ctx context.Context, r Record) error {
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties of %s%s: %w", r.EntitySet, r.Key, err)
	}

	sql := `
		INSERT INTO odata_entities (entityset, entitykey, properties, mirrored)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entityset, entitykey)
		DO UPDATE SET properties = EXCLUDED.properties, mirrored = EXCLUDED.mirrored;`

	_, err = s.pool.Exec(ctx, sql, r.EntitySet, r.Key, props, time.Now().UTC())
	return err
}

// Prune removes the records of an entity set that were not mirrored since the given time
func (s *PostgresStore) Prune(ctx context.Context, entitySet string, since time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM odata_entities WHERE entityset=$1 AND mirrored < $2;`, entitySet, since)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
