package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ErrMigrationChanged marks an applied migration whose file no longer matches
// the checksum recorded when it ran.
var ErrMigrationChanged = errors.New("applied migration changed on disk")

// migrationLockID serializes migrators across nodes sharing a database.
const migrationLockID int64 = 0x6d6c6564676572

// Migrator applies {version}_{name}.up.sql / .down.sql files in version order.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

// MigrationStatus is one migration file and whether it is applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
	// Changed is set when the file differs from what was applied.
	Changed bool
}

type migrationFile struct {
	version  string
	filename string
	body     []byte
	checksum string
}

type appliedMigration struct {
	filename string
	checksum string
}

func NewMigrator(db *sql.DB, dir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: dir, log: log}
}

// Up applies every pending migration, each in its own transaction, under a
// session advisory lock. It refuses to run when an applied file was edited.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return err
		}

		n := 0
		for _, f := range files {
			if prev, ok := applied[f.version]; ok {
				if prev.checksum != "" && prev.checksum != f.checksum {
					return fmt.Errorf("%s: %w", f.filename, ErrMigrationChanged)
				}
				continue
			}
			m.log.Info().Str("file", f.filename).Msg("applying migration")
			err := inConnTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(f.body)); err != nil {
					return fmt.Errorf("exec migration %s: %w", f.filename, err)
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					f.version, f.filename, f.checksum)
				return err
			})
			if err != nil {
				return err
			}
			n++
		}
		if n == 0 {
			m.log.Debug().Msg("schema up to date")
		}
		return nil
	})
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.log.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		body, err := os.ReadFile(filepath.Join(m.dir, downFile))
		if err != nil {
			return fmt.Errorf("read %s: %w", downFile, err)
		}
		err = inConnTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("exec %s: %w", downFile, err)
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}
		m.log.Info().Str("file", downFile).Msg("rolled back migration")
		return nil
	})
}

// Status lists every up-migration on disk against what the database recorded.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	var out []MigrationStatus
	err := m.withConn(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(files))
		for _, f := range files {
			prev, ok := applied[f.version]
			out = append(out, MigrationStatus{
				Version:  f.version,
				Filename: f.filename,
				Applied:  ok,
				Changed:  ok && prev.checksum != "" && prev.checksum != f.checksum,
			})
		}
		return nil
	})
	return out, err
}

func (m *Migrator) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return fn(conn)
}

// locked holds a session advisory lock on the connection for the duration of fn.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	return m.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		return fn(conn)
	})
}

func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, filename, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]appliedMigration)
	for rows.Next() {
		var v string
		var a appliedMigration
		if err := rows.Scan(&v, &a.filename, &a.checksum); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

func (m *Migrator) files(suffix string) ([]migrationFile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", m.dir, err)
	}

	var out []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		body, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		out = append(out, migrationFile{
			version:  extractVersion(e.Name()),
			filename: e.Name(),
			body:     body,
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func inConnTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// extractVersion returns the numeric prefix of a migration filename,
// "000001_block_log.up.sql" gives "000001".
func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
