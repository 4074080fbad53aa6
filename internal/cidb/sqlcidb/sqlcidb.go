// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlcidb implements cidb.DB on top of database/sql, with PostgreSQL
// (via pgx) and SQLite dialects.
package sqlcidb

import (
	"context"
	"database/sql"
	_ "embed"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

var (
	//go:embed schema_postgres.sql
	postgresSchema string
	//go:embed schema_sqlite.sql
	sqliteSchema string
)

// Dialect is a supported SQL engine.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

func (d Dialect) schema() string {
	if d == Postgres {
		return postgresSchema
	}
	return sqliteSchema
}

func (d Dialect) nowQuery() string {
	if d == Postgres {
		return "SELECT CAST(EXTRACT(EPOCH FROM clock_timestamp()) * 1000000 AS BIGINT)"
	}
	return "SELECT CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER)"
}

// rebind rewrites '?' placeholders into the dialect's syntax.
func (d Dialect) rebind(q string) string {
	if d != Postgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Config describes how to connect.
type Config struct {
	Dialect Dialect
	// DSN is a postgres URL or a SQLite file path.
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	switch {
	case c.Dialect != Postgres && c.Dialect != SQLite:
		return errors.Reason("unsupported SQL dialect %q", c.Dialect).Err()
	case c.DSN == "":
		return errors.Reason("DSN is required").Err()
	case c.PingTimeout < 0:
		return errors.Reason("ping timeout must be >= 0").Err()
	case c.MaxOpenConns < 0:
		return errors.Reason("max open conns must be >= 0").Err()
	}
	return nil
}

// DB is a SQL backed cidb.DB.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

var _ cidb.DB = (*DB)(nil)

// Open connects to the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Dialect.driver(), cfg.DSN)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open %s database", cfg.Dialect).Err()
	}

	switch {
	case cfg.Dialect == SQLite:
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.PingTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "failed to ping %s database", cfg.Dialect).Tag(transient.Tag).Err()
	}

	if cfg.Dialect == SQLite {
		for _, p := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, errors.Annotate(err, "failed to execute %q", p).Err()
			}
		}
	}
	if _, err := db.ExecContext(ctx, cfg.Dialect.schema()); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "failed to apply schema").Err()
	}
	logging.Debugf(ctx, "opened %s CIDB", cfg.Dialect)
	return &DB{db: db, dialect: cfg.Dialect}, nil
}

// Close implements cidb.DB.
func (d *DB) Close() error {
	return d.db.Close()
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func sourceName(s changelist.Source) string {
	return s.String()
}

func parseSource(s string) (changelist.Source, error) {
	switch s {
	case "external":
		return changelist.External, nil
	case "internal":
		return changelist.Internal, nil
	default:
		return 0, errors.Reason("unknown change source %q", s).Err()
	}
}

func ioErr(err error, what string) error {
	return errors.Annotate(err, "failed to %s", what).Tag(transient.Tag).Err()
}

// GetTime implements cidb.DB.
func (d *DB) GetTime(ctx context.Context) (time.Time, error) {
	var us int64
	if err := d.db.QueryRowContext(ctx, d.dialect.nowQuery()).Scan(&us); err != nil {
		return time.Time{}, ioErr(err, "query database time")
	}
	return fromMicros(us), nil
}

// GetActionsForChanges implements cidb.DB.
func (d *DB) GetActionsForChanges(ctx context.Context, changes []changelist.Key) (clactions.History, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	args := make([]any, len(changes))
	for i, k := range changes {
		args[i] = k.Number
	}
	q := d.dialect.rebind(`
		SELECT id, build_id, change_source, change_number, patch_number, action, config, reason, action_time
		FROM cl_action
		WHERE change_number IN (?` + strings.Repeat(", ?", len(changes)-1) + `)
		ORDER BY id`)
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr(err, "query CL actions")
	}
	defer rows.Close()

	f := cidb.NewChangeFilter(changes)
	var out clactions.History
	for rows.Next() {
		var (
			a      clactions.Action
			source string
			kind   string
			ts     int64
		)
		if err := rows.Scan(&a.ID, &a.BuildID, &source, &a.Change.Number, &a.Change.Patchset, &kind, &a.Config, &a.Reason, &ts); err != nil {
			return nil, ioErr(err, "scan CL action")
		}
		if a.Change.Source, err = parseSource(source); err != nil {
			return nil, err
		}
		a.Kind = clactions.Kind(kind)
		a.Timestamp = fromMicros(ts)
		if f.Has(a.Change) {
			out = append(out, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(err, "iterate CL actions")
	}
	return out, nil
}

// InsertCLActions implements cidb.DB.
//
// All actions are inserted in one transaction with the same timestamp.
func (d *DB) InsertCLActions(ctx context.Context, buildID int64, actions []clactions.Action) (err error) {
	if len(actions) == 0 {
		return nil
	}
	if err := cidb.ValidateActions(actions); err != nil {
		return err
	}
	now, err := d.GetTime(ctx)
	if err != nil {
		return err
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	q := d.dialect.rebind(`
		INSERT INTO cl_action (build_id, change_source, change_number, patch_number, action, config, reason, action_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, a := range actions {
		if _, err = tx.ExecContext(ctx, q, buildID, sourceName(a.Change.Source), a.Change.Number, a.Change.Patchset,
			string(a.Kind), a.Config, a.Reason, toMicros(now)); err != nil {
			return ioErr(err, "insert CL action")
		}
	}
	if err = tx.Commit(); err != nil {
		return ioErr(err, "commit CL actions")
	}
	return nil
}

const buildColumns = `id, master_build_id, build_config, builder_name, waterfall, build_number,
	status, platform_version, full_version, start_time, deadline`

func scanBuild(row interface{ Scan(...any) error }) (*cidb.BuildStatus, error) {
	var (
		b               cidb.BuildStatus
		start, deadline int64
	)
	if err := row.Scan(&b.ID, &b.MasterBuildID, &b.Config, &b.BuilderName, &b.Waterfall, &b.BuildNumber,
		&b.Status, &b.PlatformVersion, &b.FullVersion, &start, &deadline); err != nil {
		return nil, err
	}
	b.StartTime = fromMicros(start)
	b.Deadline = fromMicros(deadline)
	return &b, nil
}

func (d *DB) queryBuilds(ctx context.Context, q string, args ...any) ([]*cidb.BuildStatus, error) {
	rows, err := d.db.QueryContext(ctx, d.dialect.rebind(q), args...)
	if err != nil {
		return nil, ioErr(err, "query builds")
	}
	defer rows.Close()
	var out []*cidb.BuildStatus
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, ioErr(err, "scan build")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(err, "iterate builds")
	}
	return out, nil
}

// GetBuildStatuses implements cidb.DB.
func (d *DB) GetBuildStatuses(ctx context.Context, buildIDs []int64) ([]*cidb.BuildStatus, error) {
	if len(buildIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(buildIDs))
	for i, id := range buildIDs {
		args[i] = id
	}
	return d.queryBuilds(ctx, `SELECT `+buildColumns+` FROM build WHERE id IN (?`+
		strings.Repeat(", ?", len(buildIDs)-1)+`) ORDER BY id`, args...)
}

// GetBuildStatus implements cidb.DB.
func (d *DB) GetBuildStatus(ctx context.Context, buildID int64) (*cidb.BuildStatus, error) {
	row := d.db.QueryRowContext(ctx, d.dialect.rebind(`SELECT `+buildColumns+` FROM build WHERE id = ?`), buildID)
	switch b, err := scanBuild(row); {
	case err == sql.ErrNoRows:
		return nil, errors.Annotate(cidb.ErrNotFound, "build %d", buildID).Err()
	case err != nil:
		return nil, ioErr(err, "query build")
	default:
		return b, nil
	}
}

// GetBuildHistory implements cidb.DB.
func (d *DB) GetBuildHistory(ctx context.Context, config string, limit int, ignoreID int64) ([]*cidb.BuildStatus, error) {
	q := `SELECT ` + buildColumns + ` FROM build WHERE build_config = ? AND id != ? ORDER BY id DESC`
	args := []any{config, ignoreID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryBuilds(ctx, q, args...)
}

// InsertBuild implements cidb.DB.
func (d *DB) InsertBuild(ctx context.Context, b *cidb.BuildStatus) (int64, error) {
	start := b.StartTime
	if start.IsZero() {
		var err error
		if start, err = d.GetTime(ctx); err != nil {
			return 0, err
		}
	}
	status := b.Status
	if status == "" {
		status = cidb.StatusInflight
	}
	var id int64
	err := d.db.QueryRowContext(ctx, d.dialect.rebind(`
		INSERT INTO build (master_build_id, build_config, builder_name, waterfall, build_number,
			status, platform_version, full_version, start_time, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		b.MasterBuildID, b.Config, b.BuilderName, b.Waterfall, b.BuildNumber,
		status, b.PlatformVersion, b.FullVersion, toMicros(start), toMicros(b.Deadline)).Scan(&id)
	if err != nil {
		return 0, ioErr(err, "insert build")
	}
	return id, nil
}

func (d *DB) updateBuild(ctx context.Context, buildID int64, q string, args ...any) error {
	res, err := d.db.ExecContext(ctx, d.dialect.rebind(q), append(args, buildID)...)
	if err != nil {
		return ioErr(err, "update build")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Annotate(cidb.ErrNotFound, "build %d", buildID).Err()
	}
	return nil
}

// UpdateBuildVersion implements cidb.DB.
func (d *DB) UpdateBuildVersion(ctx context.Context, buildID int64, platformVersion, fullVersion string) error {
	return d.updateBuild(ctx, buildID, `UPDATE build SET platform_version = ?, full_version = ? WHERE id = ?`,
		platformVersion, fullVersion)
}

// ExtendDeadline implements cidb.DB.
func (d *DB) ExtendDeadline(ctx context.Context, buildID int64, timeout time.Duration) error {
	now, err := d.GetTime(ctx)
	if err != nil {
		return err
	}
	deadline := toMicros(now.Add(timeout))
	// Never shortens the deadline.
	return d.updateBuild(ctx, buildID,
		`UPDATE build SET deadline = CASE WHEN deadline < ? THEN ? ELSE deadline END WHERE id = ?`,
		deadline, deadline)
}
