package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/loom/pkg/api"
)

// SQLiteDriver is a Driver backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteDriver struct {
	db   *sql.DB
	poll time.Duration
}

var _ api.Driver = (*SQLiteDriver)(nil)

// NewSQLiteDriver initializes the required schema in the given database and
// returns a new SQLiteDriver.
func NewSQLiteDriver(db *sql.DB) (*SQLiteDriver, error) {
	d := &SQLiteDriver{db: db, poll: DefaultWorkerPollInterval}
	if err := d.initSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDriver) initSchema() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS alarms (
			workflow_id TEXT PRIMARY KEY,
			wake_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (d *SQLiteDriver) Get(ctx context.Context, key []byte) ([]byte, error) {
	var v []byte
	err := d.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *SQLiteDriver) Set(ctx context.Context, key, value []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO kv (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		key, value,
	)
	return err
}

func (d *SQLiteDriver) Delete(ctx context.Context, key []byte) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (d *SQLiteDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	end := PrefixEnd(prefix)
	if end == nil {
		_, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE k >= ?`, prefix)
		return err
	}
	_, err := d.db.ExecContext(ctx, `DELETE FROM kv WHERE k >= ? AND k < ?`, prefix, end)
	return err
}

func (d *SQLiteDriver) List(ctx context.Context, prefix []byte) ([]api.KV, error) {
	var rows *sql.Rows
	var err error

	end := PrefixEnd(prefix)
	if end == nil {
		rows, err = d.db.QueryContext(ctx, `SELECT k, v FROM kv WHERE k >= ? ORDER BY k`, prefix)
	} else {
		rows, err = d.db.QueryContext(ctx, `SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`, prefix, end)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.KV
	for rows.Next() {
		var kv api.KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (d *SQLiteDriver) Batch(ctx context.Context, ops []api.BatchOp) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range ops {
		if op.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, op.Key); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv (k, v) VALUES (?, ?)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			op.Key, op.Value,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *SQLiteDriver) SetAlarm(ctx context.Context, workflowID string, wakeAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO alarms (workflow_id, wake_at) VALUES (?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET wake_at = excluded.wake_at`,
		workflowID, wakeAt.UnixMilli(),
	)
	return err
}

func (d *SQLiteDriver) ClearAlarm(ctx context.Context, workflowID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM alarms WHERE workflow_id = ?`, workflowID)
	return err
}

func (d *SQLiteDriver) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT workflow_id FROM alarms WHERE wake_at <= ? ORDER BY workflow_id`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE wake_at <= ?`, now.UnixMilli()); err != nil {
		return nil, err
	}
	return due, tx.Commit()
}

func (d *SQLiteDriver) WorkerPollInterval() time.Duration {
	return d.poll
}

func (d *SQLiteDriver) LoadMessages(ctx context.Context, workflowID string) ([]api.Message, error) {
	pairs, err := d.List(ctx, MessagePrefix(workflowID))
	if err != nil {
		return nil, err
	}
	return MessagesFromKV(pairs)
}

func (d *SQLiteDriver) AddMessage(ctx context.Context, workflowID string, msg api.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.Set(ctx, MessageKey(workflowID, msg.ID), data)
}

func (d *SQLiteDriver) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, MessageKey(workflowID, id))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			removed = append(removed, id)
		}
	}
	return removed, tx.Commit()
}
