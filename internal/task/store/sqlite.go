package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"myschedule/internal/task/job"
	logx "myschedule/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db          *sql.DB
	log         logx.Logger
	historySize int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. One connection also
	// serializes every transaction, which makes the conditional acquire exclusive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log, cfg.HistorySize)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger, historySize int) *sqliteStore {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, historySize: historySize}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

const jobCols = `grp, name, type, description, durable, recoverable, disallow_concurrent, max_retries, data`

const triggerCols = `grp, name, job_grp, job_name, description, kind, interval_ns, repeat_count, cron, timezone,
	start_time, end_time, priority, misfire, on_error, state, paused, next_fire, prev_fire, times_triggered,
	owner, removing`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (job.JobDetail, error) {
	var (
		d          job.JobDetail
		desc, data sql.NullString
	)
	err := row.Scan(&d.Key.Group, &d.Key.Name, &d.Type, &desc, &d.Durable, &d.Recoverable,
		&d.DisallowConcurrent, &d.MaxRetries, &data)
	if err != nil {
		return job.JobDetail{}, err
	}
	d.Description = desc.String
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &d.Data); err != nil {
			return job.JobDetail{}, fmt.Errorf("job %s data: %w", d.Key, err)
		}
	}
	return d, nil
}

func scanTrigger(row scanner) (triggerRecord, error) {
	var (
		rec                                   triggerRecord
		desc, cron, tz, misfire, onErr, owner sql.NullString
		kind, state                           string
		interval                              int64
		start, end, next, prev                sql.NullInt64
	)
	t := &rec.Trigger
	err := row.Scan(&t.Key.Group, &t.Key.Name, &t.JobKey.Group, &t.JobKey.Name, &desc, &kind, &interval,
		&t.Schedule.RepeatCount, &cron, &tz, &start, &end, &t.Priority, &misfire, &onErr, &state, &t.Paused,
		&next, &prev, &t.TimesTriggered, &owner, &rec.Removing)
	if err != nil {
		return triggerRecord{}, err
	}
	t.Description = desc.String
	t.Schedule.Kind = job.ScheduleKind(kind)
	t.Schedule.Interval = time.Duration(interval)
	t.Schedule.Cron = cron.String
	t.Schedule.Timezone = tz.String
	t.StartTime = fromNanos(start)
	t.EndTime = fromNanos(end)
	t.Misfire = job.MisfireInstruction(misfire.String)
	t.OnError = job.ErrorPolicy(onErr.String)
	t.State = job.State(state)
	t.NextFireTime = fromNanos(next)
	t.PreviousFireTime = fromNanos(prev)
	rec.Owner = owner.String
	return rec, nil
}

func triggerArgs(rec triggerRecord) []any {
	t := rec.Trigger
	return []any{
		t.Key.Group, t.Key.Name, t.JobKey.Group, t.JobKey.Name, nullStr(t.Description),
		string(t.Schedule.Kind), int64(t.Schedule.Interval), t.Schedule.RepeatCount,
		nullStr(t.Schedule.Cron), nullStr(t.Schedule.Timezone),
		nanos(t.StartTime), nanos(t.EndTime), t.Priority, nullStr(string(t.Misfire)), nullStr(string(t.OnError)),
		string(t.State), t.Paused, nanos(t.NextFireTime), nanos(t.PreviousFireTime), t.TimesTriggered,
		nullStr(rec.Owner), rec.Removing,
	}
}

func (s *sqliteStore) loadTrigger(ctx context.Context, q queryer, op string, k job.Key, withRemoving bool) (triggerRecord, bool, error) {
	query := `SELECT ` + triggerCols + ` FROM triggers WHERE grp = ? AND name = ?`
	if !withRemoving {
		query += ` AND removing = 0`
	}
	rec, err := scanTrigger(q.QueryRowContext(ctx, query, k.Group, k.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return triggerRecord{}, false, nil
	}
	if err != nil {
		return triggerRecord{}, false, job.Unavailable(op, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) loadJob(ctx context.Context, q queryer, op string, k job.Key) (job.JobDetail, bool, error) {
	d, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE grp = ? AND name = ?`, k.Group, k.Name))
	if errors.Is(err, sql.ErrNoRows) {
		return job.JobDetail{}, false, nil
	}
	if err != nil {
		return job.JobDetail{}, false, job.Unavailable(op, err)
	}
	return d, true, nil
}

func (s *sqliteStore) queryTriggers(ctx context.Context, q queryer, op, where string, args ...any) ([]triggerRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE `+where, args...)
	if err != nil {
		return nil, job.Unavailable(op, err)
	}
	defer rows.Close()
	var out []triggerRecord
	for rows.Next() {
		rec, err := scanTrigger(rows)
		if err != nil {
			return nil, job.Unavailable(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Unavailable(op, err)
	}
	return out, nil
}

func (s *sqliteStore) putJob(ctx context.Context, q queryer, op string, d job.JobDetail) error {
	var data any
	if len(d.Data) > 0 {
		b, err := json.Marshal(d.Data)
		if err != nil {
			return err
		}
		data = string(b)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(grp, name) DO UPDATE SET type=excluded.type, description=excluded.description,
		   durable=excluded.durable, recoverable=excluded.recoverable,
		   disallow_concurrent=excluded.disallow_concurrent, max_retries=excluded.max_retries, data=excluded.data`,
		d.Key.Group, d.Key.Name, d.Type, nullStr(d.Description), d.Durable, d.Recoverable,
		d.DisallowConcurrent, d.MaxRetries, data,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) putTrigger(ctx context.Context, q queryer, op string, rec triggerRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO triggers(`+triggerCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		triggerArgs(rec)...,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

// purge deletes a trigger and garbage-collects its job when nothing else
// references it and it is not durable.
func (s *sqliteStore) purge(ctx context.Context, q queryer, op string, rec triggerRecord) error {
	t := rec.Trigger
	if _, err := q.ExecContext(ctx, `DELETE FROM triggers WHERE grp = ? AND name = ?`, t.Key.Group, t.Key.Name); err != nil {
		return job.Unavailable(op, err)
	}
	_, err := q.ExecContext(ctx,
		`DELETE FROM jobs WHERE grp = ? AND name = ? AND durable = 0
		 AND NOT EXISTS (SELECT 1 FROM triggers WHERE job_grp = ? AND job_name = ?)`,
		t.JobKey.Group, t.JobKey.Name, t.JobKey.Group, t.JobKey.Name,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) unblock(ctx context.Context, q queryer, op string, t job.Trigger) error {
	_, err := q.ExecContext(ctx,
		`UPDATE triggers SET state = 'WAITING'
		 WHERE job_grp = ? AND job_name = ? AND state = 'BLOCKED' AND NOT (grp = ? AND name = ?)`,
		t.JobKey.Group, t.JobKey.Name, t.Key.Group, t.Key.Name,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) release(ctx context.Context, q queryer, op string, rec triggerRecord) error {
	if err := s.unblock(ctx, q, op, rec.Trigger); err != nil {
		return err
	}
	if rec.Removing {
		return s.purge(ctx, q, op, rec)
	}
	_, err := q.ExecContext(ctx,
		`UPDATE triggers SET state = 'WAITING', owner = NULL WHERE grp = ? AND name = ?`,
		rec.Trigger.Key.Group, rec.Trigger.Key.Name,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) StoreJob(ctx context.Context, d job.JobDetail, replace bool) error {
	if err := d.Validate(); err != nil {
		return err
	}
	const op = "store job"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		_, exists, err := s.loadJob(ctx, tx, op, d.Key)
		if err != nil {
			return err
		}
		if exists && !replace {
			return job.Conflict("job", d.Key, "already exists")
		}
		return s.putJob(ctx, tx, op, d)
	})
}

func (s *sqliteStore) GetJob(ctx context.Context, k job.JobKey) (job.JobDetail, error) {
	d, ok, err := s.loadJob(ctx, s.db, "get job", k)
	if err != nil {
		return job.JobDetail{}, err
	}
	if !ok {
		return job.JobDetail{}, job.NotFound("job", k)
	}
	return d, nil
}

func (s *sqliteStore) RemoveJob(ctx context.Context, k job.JobKey) error {
	const op = "remove job"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		_, ok, err := s.loadJob(ctx, tx, op, k)
		if err != nil {
			return err
		}
		if !ok {
			return job.NotFound("job", k)
		}
		stmts := []string{
			`DELETE FROM triggers WHERE job_grp = ? AND job_name = ? AND state != 'ACQUIRED'`,
			`UPDATE triggers SET removing = 1 WHERE job_grp = ? AND job_name = ? AND state = 'ACQUIRED'`,
			`DELETE FROM jobs WHERE grp = ? AND name = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, k.Group, k.Name); err != nil {
				return job.Unavailable(op, err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) JobKeys(ctx context.Context) ([]job.JobKey, error) {
	const op = "job keys"
	rows, err := s.db.QueryContext(ctx, `SELECT grp, name FROM jobs ORDER BY grp, name`)
	if err != nil {
		return nil, job.Unavailable(op, err)
	}
	defer rows.Close()
	var out []job.JobKey
	for rows.Next() {
		var k job.Key
		if err := rows.Scan(&k.Group, &k.Name); err != nil {
			return nil, job.Unavailable(op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Unavailable(op, err)
	}
	return out, nil
}

func (s *sqliteStore) ScheduleJob(ctx context.Context, d *job.JobDetail, t job.Trigger) error {
	if d != nil {
		if err := d.Validate(); err != nil {
			return err
		}
		if t.JobKey != d.Key {
			return job.InvalidJob("trigger %s references job %s, not %s", t.Key, t.JobKey, d.Key)
		}
	}
	const op = "schedule job"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		rec, exists, err := s.loadTrigger(ctx, tx, op, t.Key, true)
		if err != nil {
			return err
		}
		if exists {
			if rec.Removing {
				return job.PendingRemoval(t.Key)
			}
			return job.Conflict("trigger", t.Key, "already exists")
		}
		var detail job.JobDetail
		if d != nil {
			_, exists, err := s.loadJob(ctx, tx, op, d.Key)
			if err != nil {
				return err
			}
			if exists {
				return job.Conflict("job", d.Key, "already exists")
			}
			if err := s.putJob(ctx, tx, op, *d); err != nil {
				return err
			}
			detail = *d
		} else {
			var ok bool
			if detail, ok, err = s.loadJob(ctx, tx, op, t.JobKey); err != nil {
				return err
			} else if !ok {
				return job.NotFound("job", t.JobKey)
			}
		}
		if detail.DisallowConcurrent && t.State == job.StateWaiting {
			var busy int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM triggers WHERE job_grp = ? AND job_name = ? AND state = 'ACQUIRED'`,
				t.JobKey.Group, t.JobKey.Name,
			).Scan(&busy)
			if err != nil {
				return job.Unavailable(op, err)
			}
			if busy > 0 {
				t.State = job.StateBlocked
			}
		}
		return s.putTrigger(ctx, tx, op, triggerRecord{Trigger: t})
	})
}

func (s *sqliteStore) GetTrigger(ctx context.Context, k job.TriggerKey) (job.Trigger, error) {
	rec, ok, err := s.loadTrigger(ctx, s.db, "get trigger", k, false)
	if err != nil {
		return job.Trigger{}, err
	}
	if !ok {
		return job.Trigger{}, job.NotFound("trigger", k)
	}
	return rec.Trigger, nil
}

func (s *sqliteStore) TriggersOfJob(ctx context.Context, k job.JobKey) ([]job.Trigger, error) {
	recs, err := s.queryTriggers(ctx, s.db, "triggers of job",
		`job_grp = ? AND job_name = ? AND removing = 0 ORDER BY grp, name`, k.Group, k.Name)
	return unwrapRecords(recs), err
}

func (s *sqliteStore) AllTriggers(ctx context.Context) ([]job.Trigger, error) {
	recs, err := s.queryTriggers(ctx, s.db, "all triggers", `removing = 0 ORDER BY grp, name`)
	return unwrapRecords(recs), err
}

func (s *sqliteStore) RemoveTrigger(ctx context.Context, k job.TriggerKey) error {
	const op = "remove trigger"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		rec, ok, err := s.loadTrigger(ctx, tx, op, k, false)
		if err != nil {
			return err
		}
		if !ok {
			return job.NotFound("trigger", k)
		}
		if rec.Trigger.State == job.StateAcquired {
			_, err := tx.ExecContext(ctx, `UPDATE triggers SET removing = 1 WHERE grp = ? AND name = ?`, k.Group, k.Name)
			if err != nil {
				return job.Unavailable(op, err)
			}
			return nil
		}
		return s.purge(ctx, tx, op, rec)
	})
}

func (s *sqliteStore) UpdateTrigger(ctx context.Context, k job.TriggerKey, fn func(*job.Trigger) error) (job.Trigger, error) {
	const op = "update trigger"
	var out job.Trigger
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		rec, ok, err := s.loadTrigger(ctx, tx, op, k, false)
		if err != nil {
			return err
		}
		if !ok {
			return job.NotFound("trigger", k)
		}
		orig := rec.Trigger
		if err := fn(&rec.Trigger); err != nil {
			return err
		}
		rec.Trigger.Key, rec.Trigger.JobKey = orig.Key, orig.JobKey
		if err := s.putTrigger(ctx, tx, op, rec); err != nil {
			return err
		}
		out = rec.Trigger
		return nil
	})
	return out, err
}

func (s *sqliteStore) TriggersDueBefore(ctx context.Context, instant time.Time, limit int) ([]job.TriggerKey, error) {
	const op = "due triggers"
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT grp, name FROM triggers
		 WHERE state = 'WAITING' AND paused = 0 AND removing = 0 AND next_fire IS NOT NULL AND next_fire <= ?
		 ORDER BY next_fire ASC, priority DESC, grp ASC, name ASC LIMIT ?`,
		instant.UnixNano(), limit,
	)
	if err != nil {
		return nil, job.Unavailable(op, err)
	}
	defer rows.Close()
	var out []job.TriggerKey
	for rows.Next() {
		var k job.Key
		if err := rows.Scan(&k.Group, &k.Name); err != nil {
			return nil, job.Unavailable(op, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Unavailable(op, err)
	}
	return out, nil
}

func (s *sqliteStore) AcquireTrigger(ctx context.Context, k job.TriggerKey, instanceID string) (job.Trigger, error) {
	const op = "acquire trigger"
	var out job.Trigger
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		rec, ok, err := s.loadTrigger(ctx, tx, op, k, false)
		if err != nil {
			return err
		}
		if !ok {
			return job.NotFound("trigger", k)
		}
		if !rec.dispatchable() {
			return job.Conflict("trigger", k, "not acquirable in state "+string(rec.Trigger.EffectiveState()))
		}
		d, ok, err := s.loadJob(ctx, tx, op, rec.Trigger.JobKey)
		if err != nil {
			return err
		}
		if ok && d.DisallowConcurrent {
			var busy int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM triggers WHERE job_grp = ? AND job_name = ? AND state = 'ACQUIRED'`,
				d.Key.Group, d.Key.Name,
			).Scan(&busy)
			if err != nil {
				return job.Unavailable(op, err)
			}
			if busy > 0 {
				return job.Conflict("trigger", k, "job "+d.Key.String()+" already executing")
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE triggers SET state = 'BLOCKED'
				 WHERE job_grp = ? AND job_name = ? AND state = 'WAITING' AND NOT (grp = ? AND name = ?)`,
				d.Key.Group, d.Key.Name, k.Group, k.Name,
			)
			if err != nil {
				return job.Unavailable(op, err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE triggers SET state = 'ACQUIRED', owner = ?
			 WHERE grp = ? AND name = ? AND state = 'WAITING' AND paused = 0 AND removing = 0`,
			instanceID, k.Group, k.Name,
		)
		if err != nil {
			return job.Unavailable(op, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return job.Unavailable(op, err)
		} else if n == 0 {
			return job.Conflict("trigger", k, "acquired concurrently")
		}
		out = rec.Trigger
		out.State = job.StateAcquired
		return nil
	})
	return out, err
}

func (s *sqliteStore) ReleaseTrigger(ctx context.Context, k job.TriggerKey) error {
	const op = "release trigger"
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		rec, ok, err := s.loadTrigger(ctx, tx, op, k, true)
		if err != nil || !ok || rec.Trigger.State != job.StateAcquired {
			return err
		}
		return s.release(ctx, tx, op, rec)
	})
}

func (s *sqliteStore) CompleteFire(ctx context.Context, c Completion) error {
	const op = "complete fire"
	var body []byte
	if c.Fire != nil {
		var err error
		if body, err = json.Marshal(c.Fire); err != nil {
			return err
		}
	}
	return s.inTx(ctx, op, func(tx *sql.Tx) error {
		if c.Fire != nil {
			if err := s.appendFire(ctx, tx, op, c.Fire, body); err != nil {
				return err
			}
		}
		rec, ok, err := s.loadTrigger(ctx, tx, op, c.Key, true)
		if err != nil || !ok {
			return err
		}
		if err := s.unblock(ctx, tx, op, rec.Trigger); err != nil {
			return err
		}
		if rec.Removing {
			return s.purge(ctx, tx, op, rec)
		}
		applyCompletion(&rec.Trigger, c)
		rec.Owner = ""
		return s.putTrigger(ctx, tx, op, rec)
	})
}

func (s *sqliteStore) appendFire(ctx context.Context, q queryer, op string, f *job.FireInstance, body []byte) error {
	k := f.TriggerKey
	_, err := q.ExecContext(ctx,
		`INSERT INTO fires(id, trigger_grp, trigger_name, fired_at, body) VALUES(?,?,?,?,?)`,
		f.ID, k.Group, k.Name, nanos(f.ActualFireTime), string(body),
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	_, err = q.ExecContext(ctx,
		`DELETE FROM fires WHERE trigger_grp = ? AND trigger_name = ? AND seq <= (
		   SELECT seq FROM fires WHERE trigger_grp = ? AND trigger_name = ? ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		k.Group, k.Name, k.Group, k.Name, s.historySize,
	)
	if err != nil {
		return job.Unavailable(op, err)
	}
	return nil
}

func (s *sqliteStore) History(ctx context.Context, k job.TriggerKey, limit int) ([]job.FireInstance, error) {
	const op = "history"
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM fires WHERE trigger_grp = ? AND trigger_name = ? ORDER BY seq DESC LIMIT ?`,
		k.Group, k.Name, limit,
	)
	if err != nil {
		return nil, job.Unavailable(op, err)
	}
	defer rows.Close()
	var out []job.FireInstance
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, job.Unavailable(op, err)
		}
		var f job.FireInstance
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			s.log.Warn("skipping corrupt fire record", logx.String("trigger", k.String()), logx.Err(err))
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Unavailable(op, err)
	}
	return out, nil
}

func (s *sqliteStore) RecoverAcquired(ctx context.Context, instanceID string) ([]job.Trigger, error) {
	const op = "recover acquired"
	var out []job.Trigger
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		recs, err := s.queryTriggers(ctx, tx, op, `state = 'ACQUIRED' AND owner = ? ORDER BY grp, name`, instanceID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := s.release(ctx, tx, op, rec); err != nil {
				return err
			}
			out = append(out, rec.Trigger)
		}
		return nil
	})
	return out, err
}

func unwrapRecords(recs []triggerRecord) []job.Trigger {
	out := make([]job.Trigger, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Trigger)
	}
	return out
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
