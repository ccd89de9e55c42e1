// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package pgstore implements throttle storage on PostgreSQL.
//
// Durable values live in throttle_status. Values saved with the
// volatile hint live in the UNLOGGED table throttle_volatile_status,
// which skips the write-ahead log and is truncated after a crash. A
// key is stored in at most one of the two tables: saving it removes
// the copy from the other one.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/throttle/throttle"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
)

type (
	// Storage implements throttle.Storage and
	// throttle.CompareAndSwapper.
	Storage struct {
		client *pg.Client
	}
)

const (
	durableTable  = "throttle_status"
	volatileTable = "throttle_volatile_status"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	_ throttle.Storage           = (*Storage)(nil)
	_ throttle.CompareAndSwapper = (*Storage)(nil)
)

func New(client *pg.Client) *Storage {
	return &Storage{client: client}
}

// Migrate creates or upgrades the tables.
func Migrate(ctx context.Context, client *pg.Client, logger *log.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("cannot open migrations: %w", err)
	}

	m := migrator.NewMigrator(
		client,
		fsys,
		migrator.WithLogger(logger),
		migrator.WithTable("throttle_schema_versions"),
	)

	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("cannot migrate throttle tables: %w", err)
	}

	return nil
}

func tables(volatile bool) (string, string) {
	if volatile {
		return volatileTable, durableTable
	}

	return durableTable, volatileTable
}

func (s *Storage) LoadStatus(ctx context.Context, namespace, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.client.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT value FROM (
  SELECT value, updated_at FROM throttle_status WHERE namespace = $1 AND key = $2
  UNION ALL
  SELECT value, updated_at FROM throttle_volatile_status WHERE namespace = $1 AND key = $2
) s
ORDER BY updated_at DESC
LIMIT 1
`

			err := conn.QueryRow(ctx, q, namespace, key).Scan(&value)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}

				return fmt.Errorf("cannot query status: %w", err)
			}

			found = true
			return nil
		},
	)
	if err != nil {
		return "", false, err
	}

	return value, found, nil
}

func (s *Storage) SaveStatus(ctx context.Context, namespace, key, value string, volatile bool) error {
	target, other := tables(volatile)

	return s.client.WithTx(
		ctx,
		func(conn pg.Conn) error {
			q := fmt.Sprintf(`
INSERT INTO %s (namespace, key, value, updated_at)
VALUES ($1, $2, $3, clock_timestamp())
ON CONFLICT (namespace, key)
DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`, target)

			if _, err := conn.Exec(ctx, q, namespace, key, value); err != nil {
				return fmt.Errorf("cannot upsert status: %w", err)
			}

			q = fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND key = $2", other)
			if _, err := conn.Exec(ctx, q, namespace, key); err != nil {
				return fmt.Errorf("cannot delete stale status: %w", err)
			}

			return nil
		},
	)
}

// CompareAndSwapStatus writes value to the durable table when the
// stored value still matches old.
func (s *Storage) CompareAndSwapStatus(ctx context.Context, namespace, key, old string, oldOK bool, value string) (bool, error) {
	var swapped bool

	err := s.client.WithTx(
		ctx,
		func(conn pg.Conn) error {
			var err error
			if oldOK {
				swapped, err = swapExisting(ctx, conn, namespace, key, old, value)
			} else {
				swapped, err = insertAbsent(ctx, conn, namespace, key, value)
			}

			return err
		},
	)
	if err != nil {
		return false, err
	}

	return swapped, nil
}

func insertAbsent(ctx context.Context, conn pg.Conn, namespace, key, value string) (bool, error) {
	q := `
INSERT INTO throttle_status (namespace, key, value, updated_at)
SELECT $1, $2, $3, clock_timestamp()
WHERE NOT EXISTS (
  SELECT 1 FROM throttle_volatile_status WHERE namespace = $1 AND key = $2
)
ON CONFLICT (namespace, key) DO NOTHING
`

	tag, err := conn.Exec(ctx, q, namespace, key, value)
	if err != nil {
		return false, fmt.Errorf("cannot insert status: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func swapExisting(ctx context.Context, conn pg.Conn, namespace, key, old, value string) (bool, error) {
	q := `
UPDATE throttle_status
SET value = $4, updated_at = clock_timestamp()
WHERE namespace = $1 AND key = $2 AND value = $3
`

	tag, err := conn.Exec(ctx, q, namespace, key, old, value)
	if err != nil {
		return false, fmt.Errorf("cannot update status: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return true, nil
	}

	q = `
DELETE FROM throttle_volatile_status
WHERE namespace = $1 AND key = $2 AND value = $3
`

	tag, err = conn.Exec(ctx, q, namespace, key, old)
	if err != nil {
		return false, fmt.Errorf("cannot delete volatile status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return false, nil
	}

	return insertAbsent(ctx, conn, namespace, key, value)
}

// Purge deletes the values not written for olderThan in both tables
// and returns how many were removed.
func (s *Storage) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	var total int64

	err := s.client.WithTx(
		ctx,
		func(conn pg.Conn) error {
			for _, table := range []string{durableTable, volatileTable} {
				q := fmt.Sprintf(
					"DELETE FROM %s WHERE updated_at < clock_timestamp() - make_interval(secs => $1)",
					table,
				)

				tag, err := conn.Exec(ctx, q, olderThan.Seconds())
				if err != nil {
					return fmt.Errorf("cannot purge %s: %w", table, err)
				}

				total += tag.RowsAffected()
			}

			return nil
		},
	)
	if err != nil {
		return 0, err
	}

	return total, nil
}
