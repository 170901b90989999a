package setup

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Postgres runs the idempotent source-side setup steps of spec.md §4.8:
// verify tables exist, force REPLICA IDENTITY FULL, ensure the
// publication covers every configured table, and ensure the logical
// replication slot exists. Adapted from the teacher's
// SlotManager/PublicationManager GORM wrappers, generalized into one
// ordered Run.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres opens a regular (non-replication) connection for DDL.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, &Error{Phase: "postgres", Reason: "connect", Err: err}
	}
	return &Postgres{db: db}, nil
}

// Close releases the connection.
func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Run executes every source-side setup step in order. "Already exists"
// is treated as success throughout, per spec.md §4.8.
func (p *Postgres) Run(ctx context.Context, tables []string, publicationName, slotName string) error {
	if err := p.verifyTablesExist(ctx, tables); err != nil {
		return err
	}
	if err := p.ensureReplicaIdentityFull(ctx, tables); err != nil {
		return err
	}
	if err := p.ensurePublication(ctx, publicationName, tables); err != nil {
		return err
	}
	if err := p.ensureSlot(ctx, slotName); err != nil {
		return err
	}
	return nil
}

func splitSchemaTable(table string) (schema, name string) {
	if idx := strings.IndexByte(table, '.'); idx >= 0 {
		return table[:idx], table[idx+1:]
	}
	return "public", table
}

func (p *Postgres) verifyTablesExist(ctx context.Context, tables []string) error {
	for _, t := range tables {
		schema, name := splitSchemaTable(t)
		var exists bool
		err := p.db.WithContext(ctx).Raw(
			`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = ? AND table_name = ?)`,
			schema, name,
		).Scan(&exists).Error
		if err != nil {
			return &Error{Phase: "postgres", Table: t, Reason: "checking table existence", Err: err}
		}
		if !exists {
			return &Error{Phase: "postgres", Table: t, Reason: "table does not exist", Err: fmt.Errorf("not found in %s", schema)}
		}
	}
	return nil
}

func (p *Postgres) ensureReplicaIdentityFull(ctx context.Context, tables []string) error {
	for _, t := range tables {
		schema, name := splitSchemaTable(t)
		qualified := fmt.Sprintf("%q.%q", schema, name)
		if err := p.db.WithContext(ctx).Exec(fmt.Sprintf("ALTER TABLE %s REPLICA IDENTITY FULL", qualified)).Error; err != nil {
			return &Error{Phase: "postgres", Table: t, Reason: "setting REPLICA IDENTITY FULL", Err: err}
		}
	}
	return nil
}

func (p *Postgres) publicationExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.db.WithContext(ctx).Raw(
		`SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = ?)`, name,
	).Scan(&exists).Error
	return exists, err
}

func (p *Postgres) publicationTables(ctx context.Context, name string) (map[string]bool, error) {
	var rows []struct {
		SchemaName string
		TableName  string
	}
	err := p.db.WithContext(ctx).Raw(
		`SELECT schemaname as schema_name, tablename as table_name FROM pg_publication_tables WHERE pubname = ?`, name,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.SchemaName+"."+r.TableName] = true
	}
	return out, nil
}

func (p *Postgres) ensurePublication(ctx context.Context, pubName string, tables []string) error {
	exists, err := p.publicationExists(ctx, pubName)
	if err != nil {
		return &Error{Phase: "postgres", Reason: "checking publication existence", Err: err}
	}

	qualify := func(t string) string {
		schema, name := splitSchemaTable(t)
		return fmt.Sprintf("%q.%q", schema, name)
	}

	if !exists {
		quoted := make([]string, len(tables))
		for i, t := range tables {
			quoted[i] = qualify(t)
		}
		stmt := fmt.Sprintf("CREATE PUBLICATION %q FOR TABLE %s", pubName, strings.Join(quoted, ", "))
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return &Error{Phase: "postgres", Reason: "creating publication " + pubName, Err: err}
		}
		return nil
	}

	covered, err := p.publicationTables(ctx, pubName)
	if err != nil {
		return &Error{Phase: "postgres", Reason: "listing publication tables", Err: err}
	}
	var missing []string
	for _, t := range tables {
		schema, name := splitSchemaTable(t)
		if !covered[schema+"."+name] {
			missing = append(missing, qualify(t))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("ALTER PUBLICATION %q ADD TABLE %s", pubName, strings.Join(missing, ", "))
	if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return &Error{Phase: "postgres", Reason: "adding tables to publication " + pubName, Err: err}
	}
	return nil
}

func (p *Postgres) slotExists(ctx context.Context, slotName string) (bool, error) {
	var exists bool
	err := p.db.WithContext(ctx).Raw(
		`SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = ?)`, slotName,
	).Scan(&exists).Error
	return exists, err
}

func (p *Postgres) ensureSlot(ctx context.Context, slotName string) error {
	exists, err := p.slotExists(ctx, slotName)
	if err != nil {
		return &Error{Phase: "postgres", Reason: "checking replication slot existence", Err: err}
	}
	if exists {
		return nil
	}
	err = p.db.WithContext(ctx).Exec(`SELECT pg_create_logical_replication_slot(?, 'pgoutput')`, slotName).Error
	if err != nil {
		return &Error{Phase: "postgres", Reason: "creating replication slot " + slotName, Err: err}
	}
	return nil
}
