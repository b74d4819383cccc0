package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries(
	"namespace" VARCHAR(64) NOT NULL,
	"key" VARCHAR(255) NOT NULL,
	"value" JSONB NOT NULL,
	"updated_at" TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY("namespace", "key")
);`

// PgStore is a Cache backed by a shared Postgres table, partitioned by
// namespace. Errors are logged and reported as cache misses.
type PgStore struct {
	pool      *pgxpool.Pool
	namespace string
	timeout   time.Duration
}

func NewPgStore(pool *pgxpool.Pool, namespace string) *PgStore {
	return &PgStore{
		pool:      pool,
		namespace: namespace,
		timeout:   5 * time.Second,
	}
}

// PgFactory builds a PgStore per named store on the same pool.
func PgFactory(pool *pgxpool.Pool) Factory[string, json.RawMessage] {
	return func(name string) Cache[string, json.RawMessage] {
		return NewPgStore(pool, name)
	}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func (s *PgStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *PgStore) Get(key string) (json.RawMessage, bool) {
	ctx, cancel := s.context()
	defer cancel()

	var value string
	query := `SELECT "value" FROM cache_entries WHERE "namespace" = $1 AND "key" = $2;`
	if err := s.pool.QueryRow(ctx, query, s.namespace, key).Scan(&value); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			logrus.Warnf("cache %s: error whilst reading %s: %s", s.namespace, key, err.Error())
		}

		return nil, false
	}

	return json.RawMessage(value), true
}

func (s *PgStore) Set(key string, value json.RawMessage) {
	ctx, cancel := s.context()
	defer cancel()

	query := `
INSERT INTO cache_entries("namespace", "key", "value", "updated_at") VALUES($1, $2, $3, NOW())
ON CONFLICT("namespace", "key") DO UPDATE SET "value" = EXCLUDED."value", "updated_at" = NOW();`
	if _, err := s.pool.Exec(ctx, query, s.namespace, key, string(value)); err != nil {
		logrus.Warnf("cache %s: error whilst storing %s: %s", s.namespace, key, err.Error())
	}
}

func (s *PgStore) Delete(key string) bool {
	ctx, cancel := s.context()
	defer cancel()

	query := `DELETE FROM cache_entries WHERE "namespace" = $1 AND "key" = $2;`
	tag, err := s.pool.Exec(ctx, query, s.namespace, key)
	if err != nil {
		logrus.Warnf("cache %s: error whilst deleting %s: %s", s.namespace, key, err.Error())
		return false
	}

	return tag.RowsAffected() > 0
}

func (s *PgStore) Len() int {
	ctx, cancel := s.context()
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM cache_entries WHERE "namespace" = $1;`
	if err := s.pool.QueryRow(ctx, query, s.namespace).Scan(&count); err != nil {
		logrus.Warnf("cache %s: error whilst counting: %s", s.namespace, err.Error())
		return 0
	}

	return count
}

func (s *PgStore) Sweep(filter func(key string, value json.RawMessage) bool) int {
	ctx, cancel := s.context()
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT "key", "value" FROM cache_entries WHERE "namespace" = $1;`, s.namespace)
	if err != nil {
		logrus.Warnf("cache %s: error whilst sweeping: %s", s.namespace, err.Error())
		return 0
	}

	var keys []string
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			logrus.Warnf("cache %s: error whilst sweeping: %s", s.namespace, err.Error())
			return 0
		}

		if filter(key, json.RawMessage(value)) {
			keys = append(keys, key)
		}
	}
	rows.Close()

	if len(keys) == 0 {
		return 0
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE "namespace" = $1 AND "key" = ANY($2);`, s.namespace, keys)
	if err != nil {
		logrus.Warnf("cache %s: error whilst sweeping: %s", s.namespace, err.Error())
		return 0
	}

	return int(tag.RowsAffected())
}
