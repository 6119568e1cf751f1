package mysql

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/jmoiron/sqlx"
)

func (d *Datastore) UpsertDevice(ctx context.Context, device *fleet.Device) error {
	const stmt = `
		INSERT INTO devices (id, name, port, status, task_id, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			port = VALUES(port),
			status = VALUES(status),
			task_id = VALUES(task_id),
			last_seen_at = VALUES(last_seen_at),
			updated_at = VALUES(updated_at)`

	updatedAt := device.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = d.clock.Now()
	}
	lastSeen := device.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = updatedAt
	}

	err := d.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(ctx, stmt,
			device.ID, device.Name, device.Port, string(device.State), device.TaskID, lastSeen, updatedAt,
		)
		return err
	})
	return ctxerr.Wrapf(ctx, err, "upsert device %s", device.ID)
}

func (d *Datastore) ResetDevices(ctx context.Context) error {
	err := d.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE devices SET status = ?, task_id = '', updated_at = ?`,
			string(fleet.DeviceStateOffline), d.clock.Now(),
		)
		return err
	})
	return ctxerr.Wrap(ctx, err, "reset devices")
}

func (d *Datastore) ListDevices(ctx context.Context) ([]*fleet.Device, error) {
	q := dialect.From("devices").Select(
		"id", "name", "port", "status", "task_id", "last_seen_at", "updated_at",
	).Order(goqu.I("id").Asc())

	stmt, args, err := q.ToSQL()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "build list devices sql")
	}

	var devices []*fleet.Device
	if err := sqlx.SelectContext(ctx, d.writer, &devices, stmt, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list devices")
	}
	return devices, nil
}
