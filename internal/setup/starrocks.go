package setup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// auditColumn is one of the four columns the sink relies on for op-type,
// soft-delete, sync time and idempotent merge, mirrored from
// original_source/src/setup/starrocks.rs's AUDIT_COLUMNS table.
type auditColumn struct {
	name string
	ddl  string
}

var auditColumns = []auditColumn{
	{"dbmazz_op_type", "TINYINT COMMENT '0=INSERT, 1=UPDATE, 2=DELETE'"},
	{"dbmazz_is_deleted", "BOOLEAN COMMENT 'soft delete flag'"},
	{"dbmazz_synced_at", "DATETIME COMMENT 'CDC sync timestamp'"},
	{"dbmazz_cdc_version", "BIGINT COMMENT 'source LSN, used as merge_condition'"},
}

// StarRocks runs the idempotent sink-side setup steps of spec.md §4.8:
// probe connectivity, then ensure every configured table carries the
// four audit columns.
type StarRocks struct {
	db     *gorm.DB
	dbName string
}

// NewStarRocks opens a control-plane connection against the MySQL-wire
// port (STARROCKS_PORT, default 9030), mirroring
// original_source/src/setup/starrocks.rs's create_starrocks_pool.
func NewStarRocks(host string, port int, user, pass, dbName string, sqlTimeout time.Duration) (*StarRocks, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s", user, pass, host, port, dbName, sqlTimeout)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, &Error{Phase: "starrocks", Reason: "connect", Err: err}
	}
	return &StarRocks{db: db, dbName: dbName}, nil
}

// Close releases the connection.
func (s *StarRocks) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Run probes connectivity and adds any missing audit column on every
// configured table. Sink-side schema creation is out of scope per
// spec.md §1's Non-goals — tables must preexist.
func (s *StarRocks) Run(ctx context.Context, tables []string) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &Error{Phase: "starrocks", Reason: "acquiring raw connection", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &Error{Phase: "starrocks", Reason: "connectivity probe failed", Err: err}
	}

	for _, t := range tables {
		if err := s.ensureAuditColumns(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *StarRocks) existingColumns(ctx context.Context, table string) (map[string]bool, error) {
	var names []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?`,
		s.dbName, table,
	).Scan(&names).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = true
	}
	return out, nil
}

func (s *StarRocks) ensureAuditColumns(ctx context.Context, table string) error {
	existing, err := s.existingColumns(ctx, table)
	if err != nil {
		return &Error{Phase: "starrocks", Table: table, Reason: "reading existing columns", Err: err}
	}

	for _, col := range auditColumns {
		if existing[strings.ToLower(col.name)] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE `%s`.`%s` ADD COLUMN `%s` %s", s.dbName, table, col.name, col.ddl)
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil && !columnAlreadyExists(err) {
			return &Error{Phase: "starrocks", Table: table, Reason: "adding audit column " + col.name, Err: err}
		}
	}
	return nil
}

// columnAlreadyExists recognizes StarRocks' "duplicate column" error text
// so a concurrent or repeated setup run stays idempotent.
func columnAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "duplicate column")
}
