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

// Package migrator applies SQL migrations read from an fs.FS, usually
// an embed.FS, under a PostgreSQL advisory lock so concurrent
// instances never apply the same version twice.
package migrator

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
)

type (
	// Option configures the Migrator during initialization.
	Option func(m *Migrator)

	Migrator struct {
		pg     *pg.Client
		fsys   fs.FS
		table  string
		logger *log.Logger
	}

	// Migration is one SQL file. Its version is the file name
	// without the .sql extension; versions apply in lexical order.
	Migration struct {
		Version string
		SQL     string
	}

	Migrations []*Migration
)

const (
	MigrationAdvisoryLock pg.AdvisoryLock = 0

	defaultTable = "schema_versions"
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Migrator) {
		m.logger = l.Named("migrator")
	}
}

// WithTable changes the table recording applied versions.
func WithTable(name string) Option {
	return func(m *Migrator) {
		m.table = name
	}
}

func NewMigrator(client *pg.Client, fsys fs.FS, options ...Option) *Migrator {
	m := &Migrator{
		pg:     client,
		fsys:   fsys,
		table:  defaultTable,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// Run applies every migration not recorded yet. All of them run in
// the transaction holding the advisory lock: either all pending
// versions are applied or none.
func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return fmt.Errorf("cannot load migrations: %w", err)
	}

	if len(migrations) == 0 {
		return nil
	}

	return m.pg.WithAdvisoryLock(
		ctx,
		MigrationAdvisoryLock,
		func(conn pg.Conn) error {
			if err := m.createVersionsTable(ctx, conn); err != nil {
				return fmt.Errorf("cannot create schema version table: %w", err)
			}

			applied, err := m.loadVersions(ctx, conn)
			if err != nil {
				return fmt.Errorf("cannot load schema versions: %w", err)
			}

			for _, migration := range migrations.Pending(applied) {
				m.logger.InfoCtx(ctx, "applying migration", log.String("version", migration.Version))

				if err := m.apply(ctx, conn, migration); err != nil {
					return fmt.Errorf("cannot apply migration %q: %w", migration.Version, err)
				}
			}

			return nil
		},
	)
}

// LoadMigrations reads every regular .sql file at the root of fsys,
// sorted by version.
func LoadMigrations(fsys fs.FS) (Migrations, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	var ms Migrations
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || path.Ext(name) != ".sql" {
			continue
		}

		code, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("cannot read migration %q: %w", name, err)
		}

		ms = append(
			ms,
			&Migration{
				Version: strings.TrimSuffix(name, ".sql"),
				SQL:     string(code),
			},
		)
	}

	slices.SortFunc(ms, func(a, b *Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})

	return ms, nil
}

// Pending returns the migrations whose version is not in applied,
// keeping their order.
func (ms Migrations) Pending(applied map[string]struct{}) Migrations {
	var pending Migrations
	for _, m := range ms {
		if _, found := applied[m.Version]; !found {
			pending = append(pending, m)
		}
	}

	return pending
}

func (m *Migrator) apply(ctx context.Context, conn pg.Conn, migration *Migration) error {
	if _, err := conn.Exec(ctx, migration.SQL); err != nil {
		return fmt.Errorf("cannot execute migration: %w", err)
	}

	q := fmt.Sprintf("INSERT INTO %s (version) VALUES ($1)", m.table)
	if _, err := conn.Exec(ctx, q, migration.Version); err != nil {
		return fmt.Errorf("cannot insert schema version: %w", err)
	}

	return nil
}

func (m *Migrator) createVersionsTable(ctx context.Context, conn pg.Conn) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR PRIMARY KEY,
  executed_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP AT TIME ZONE 'UTC')
)
`, m.table)

	_, err := conn.Exec(ctx, q)
	return err
}

func (m *Migrator) loadVersions(ctx context.Context, conn pg.Conn) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT version FROM %s", m.table)

	r, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("cannot exec query: %w", err)
	}
	defer r.Close()

	versions := make(map[string]struct{})
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, fmt.Errorf("cannot scan row: %w", err)
		}

		versions[v] = struct{}{}
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cannot read query: %w", err)
	}

	return versions, nil
}
