package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/doug-martin/goqu/v9"
	"github.com/fleetdm/devicefarm/server/contexts/ctxerr"
	"github.com/fleetdm/devicefarm/server/fleet"
	"github.com/jmoiron/sqlx"
)

var taskColumns = []interface{}{
	"id", "test_name", "state", "retries", "device_id", "error", "created_at", "finished_at",
}

func (d *Datastore) UpsertTask(ctx context.Context, task *fleet.Task) error {
	const stmt = `
		INSERT INTO tasks (id, test_name, state, retries, device_id, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			retries = VALUES(retries),
			device_id = VALUES(device_id),
			error = VALUES(error),
			finished_at = VALUES(finished_at)`

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.clock.Now()
	}

	err := d.withRetryTxx(ctx, func(tx sqlx.ExtContext) error {
		_, err := tx.ExecContext(ctx, stmt,
			task.ID, task.TestName, string(task.State), task.Retries, task.DeviceID, task.Error, createdAt, task.FinishedAt,
		)
		return err
	})
	return ctxerr.Wrapf(ctx, err, "upsert task %s", task.ID)
}

func (d *Datastore) Task(ctx context.Context, id string) (*fleet.Task, error) {
	stmt, args, err := dialect.From("tasks").Select(taskColumns...).
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "build task sql")
	}

	var task fleet.Task
	if err := sqlx.GetContext(ctx, d.writer, &task, stmt, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ctxerr.Wrap(ctx, fleet.NewNotFoundError("task", id), "get task")
		}
		return nil, ctxerr.Wrap(ctx, err, "get task")
	}
	return &task, nil
}

func (d *Datastore) ListTasks(ctx context.Context, opt fleet.ListOptions) ([]*fleet.Task, error) {
	q := dialect.From("tasks").Select(taskColumns...)
	if opt.State != "" {
		q = q.Where(goqu.I("state").Eq(string(opt.State)))
	}
	q = pageSelect(q.Order(goqu.I("created_at").Desc(), goqu.I("id").Asc()), opt)

	stmt, args, err := q.ToSQL()
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "build list tasks sql")
	}

	var tasks []*fleet.Task
	if err := sqlx.SelectContext(ctx, d.writer, &tasks, stmt, args...); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "list tasks")
	}
	return tasks, nil
}
