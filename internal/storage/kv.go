package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/joss/comply/internal/kv"
)

// KV is a kv.Store over the kv table. Keys are namespaced by prefix.
type KV struct {
	db     *DB
	prefix string
}

var _ kv.Store = (*KV)(nil)

// KV returns a key-value view of d.
func (d *DB) KV(prefix string) *KV {
	return &KV{db: d, prefix: prefix}
}

func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := k.db.db.QueryRowContext(ctx, k.db.rebind(`SELECT value FROM kv WHERE key = ?`), k.prefix+key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (k *KV) Set(ctx context.Context, key, value string) error {
	_, err := k.db.db.ExecContext(ctx, k.db.rebind(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), k.prefix+key, value)
	return err
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.db.ExecContext(ctx, k.db.rebind(`DELETE FROM kv WHERE key = ?`), k.prefix+key)
	return err
}
