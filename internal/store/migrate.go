package store

import (
	"context"
	"embed"
	"fmt"
	stdfs "io/fs"
	"log"
	"regexp"
	"sort"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var migFileRe = regexp.MustCompile(`^([0-9]{4})_(.+)\.up\.sql$`)

type migration struct {
	version int
	name    string
	file    string
}

func loadMigrations() ([]migration, error) {
	list, err := stdfs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, de := range list {
		m := migFileRe.FindStringSubmatch(de.Name())
		if de.IsDir() || m == nil {
			continue
		}
		var ver int
		if _, err := fmt.Sscanf(m[1], "%04d", &ver); err != nil {
			continue
		}
		out = append(out, migration{version: ver, name: m[2], file: "migrations/" + de.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrationLock serializes concurrent replicas migrating the same database.
const migrationLock = 0x646973 // "dis"

// Migrate applies pending embedded migrations, one transaction each.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version    INTEGER PRIMARY KEY,
        name       TEXT NOT NULL,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`); err != nil {
		return err
	}
	migs, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range migs {
		if err := p.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func (p *Postgres) applyMigration(ctx context.Context, m migration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return err
	}
	var applied bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, m.version).Scan(&applied); err != nil {
		return err
	}
	if applied {
		return nil
	}
	text, err := migrationsFS.ReadFile(m.file)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(text)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1,$2)`, m.version, m.name); err != nil {
		return err
	}
	log.Printf("store: applied migration %04d_%s", m.version, m.name)
	return tx.Commit()
}
