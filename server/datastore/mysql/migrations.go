package mysql

import (
	"context"
	"fmt"

	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/jmoiron/sqlx"
)

const migrationStatusTable = "migration_status_tables"

type migration struct {
	version int64
	name    string
	stmt    string
}

// migrations are applied in order, each in its own transaction. Append new
// ones at the end with a larger version.
var migrations = []migration{
	{
		version: 20240105120000,
		name:    "CreateTableDevices",
		stmt: `CREATE TABLE IF NOT EXISTS devices (
			id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			port INT UNSIGNED NOT NULL DEFAULT 0,
			status VARCHAR(16) NOT NULL DEFAULT 'offline',
			task_id VARCHAR(64) NOT NULL DEFAULT '',
			last_seen_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			PRIMARY KEY (id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	{
		version: 20240105120100,
		name:    "CreateTableTasks",
		stmt: `CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) NOT NULL,
			test_name VARCHAR(255) NOT NULL,
			state VARCHAR(16) NOT NULL,
			retries INT UNSIGNED NOT NULL DEFAULT 0,
			device_id VARCHAR(64) NOT NULL DEFAULT '',
			error TEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			finished_at TIMESTAMP(6) NULL DEFAULT NULL,
			PRIMARY KEY (id),
			KEY idx_tasks_created_at (created_at),
			KEY idx_tasks_state (state)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
}

// MigrateTables creates the schema, applying the migrations that are not yet
// recorded in the migration status table.
func (d *Datastore) MigrateTables(ctx context.Context) error {
	if _, err := d.writer.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationStatusTable+` (
		id INT UNSIGNED NOT NULL AUTO_INCREMENT,
		version_id BIGINT NOT NULL,
		is_applied TINYINT(1) NOT NULL,
		tstamp TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id)
	)`); err != nil {
		return ctxerr.Wrap(ctx, err, "create migration status table")
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		m := m
		err := d.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
			if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
				return ctxerr.Wrapf(ctx, err, "apply migration %d_%s", m.version, m.name)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO `+migrationStatusTable+` (version_id, is_applied) VALUES (?, 1)`, m.version)
			return ctxerr.Wrap(ctx, err, "record migration")
		})
		if err != nil {
			return err
		}
		d.logger.Log("msg", "applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func (d *Datastore) appliedMigrations(ctx context.Context) (map[int64]struct{}, error) {
	var versions []int64
	if err := sqlx.SelectContext(ctx, d.writer, &versions,
		fmt.Sprintf("SELECT version_id FROM %s WHERE version_id > 0 AND is_applied ORDER BY id ASC", migrationStatusTable),
	); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "load applied migrations")
	}
	applied := make(map[int64]struct{}, len(versions))
	for _, v := range versions {
		applied[v] = struct{}{}
	}
	return applied, nil
}
