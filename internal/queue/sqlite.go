package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"crawlflow/internal/domain"
)

// DefaultLockLifetime applies to jobs enqueued without one.
const DefaultLockLifetime = 3 * time.Minute

//go:embed schema.sql
var schema string

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, j domain.Job) (string, error)
	EnsureRecurring(ctx context.Context, j domain.Job) (string, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	Finish(ctx context.Context, id string, now time.Time, out Outcome) error
	Fail(ctx context.Context, id string, now time.Time, runErr error) error
	Release(ctx context.Context, id string, runAt time.Time) error
	CancelAll(ctx context.Context, jobType string) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
}

type Option func(*sqliteRepo)

// WithClock overrides the clock used for defaults (enqueue time, lock expiry on cancel).
func WithClock(now func() time.Time) Option {
	return func(r *sqliteRepo) { r.now = now }
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Repository {
	r := &sqliteRepo{db: db, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

const jobColumns = `id,type,payload,priority,next_run_at,locked_at,prev_locked_at,lock_lifetime_ms,repeat_spec,last_finished_at,fail_count,last_error,created_at,seq`

func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.Job) (string, error) {
	if j.RepeatSpec != "" {
		if err := ValidateRepeatSpec(j.RepeatSpec); err != nil {
			return "", err
		}
	}
	return r.insert(ctx, r.db, j)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *sqliteRepo) insert(ctx context.Context, ex execer, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	now := r.now()
	runAt := now
	if j.NextRunAt != nil {
		runAt = *j.NextRunAt
	}
	if j.LockLifetime <= 0 {
		j.LockLifetime = DefaultLockLifetime
	}
	if len(j.Payload) == 0 {
		j.Payload = []byte("{}")
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO jobs (id,type,payload,priority,next_run_at,lock_lifetime_ms,repeat_spec,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		id, j.Type, []byte(j.Payload), j.Priority, millis(runAt), j.LockLifetime.Milliseconds(), nullString(j.RepeatSpec), millis(now))
	if err != nil {
		return "", domain.Unavailable(err, "insert job")
	}
	return id, nil
}

// EnsureRecurring keeps exactly one repeating job of j.Type. An existing job keeps
// its schedule unless the repeat spec changed.
func (r *sqliteRepo) EnsureRecurring(ctx context.Context, j domain.Job) (string, error) {
	if err := ValidateRepeatSpec(j.RepeatSpec); err != nil {
		return "", err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.Unavailable(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var id, spec string
	err = tx.QueryRowContext(ctx,
		`SELECT id, repeat_spec FROM jobs WHERE type=? AND repeat_spec IS NOT NULL ORDER BY seq LIMIT 1`,
		j.Type).Scan(&id, &spec)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = r.insert(ctx, tx, j)
		if err != nil {
			return "", err
		}
	case err != nil:
		return "", domain.Unavailable(err, "find recurring job")
	case spec != j.RepeatSpec:
		next, err := NextOccurrence(j.RepeatSpec, r.now())
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET repeat_spec=?, next_run_at=? WHERE id=?`, j.RepeatSpec, millis(next), id); err != nil {
			return "", domain.Unavailable(err, "update recurring job")
		}
	}
	if err := tx.Commit(); err != nil {
		return "", domain.Unavailable(err, "commit recurring job")
	}
	return id, nil
}

// ClaimDue locks up to limit due jobs in one statement, so concurrent callers
// never receive the same job while its lock is valid.
func (r *sqliteRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	ts := millis(now)
	rows, err := r.db.QueryContext(ctx, `
UPDATE jobs
SET prev_locked_at = locked_at, locked_at = ?
WHERE seq IN (
  SELECT seq FROM jobs
  WHERE next_run_at IS NOT NULL AND next_run_at <= ?
    AND (locked_at IS NULL OR locked_at + lock_lifetime_ms <= ?)
  ORDER BY priority DESC, next_run_at ASC, seq ASC
  LIMIT ?
)
RETURNING `+jobColumns, ts, ts, ts, limit)
	if err != nil {
		return nil, domain.Unavailable(err, "claim due jobs")
	}
	defer rows.Close()

	type claimed struct {
		job domain.Job
		seq int64
	}
	var out []claimed
	for rows.Next() {
		j, seq, err := scanJob(rows)
		if err != nil {
			return nil, domain.Unavailable(err, "scan claimed job")
		}
		out = append(out, claimed{j, seq})
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable(err, "claim due jobs")
	}
	// RETURNING order is unspecified.
	sort.Slice(out, func(a, b int) bool {
		ja, jb := out[a].job, out[b].job
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.NextRunAt.Equal(*jb.NextRunAt) {
			return ja.NextRunAt.Before(*jb.NextRunAt)
		}
		return out[a].seq < out[b].seq
	})
	jobs := make([]domain.Job, len(out))
	for i, c := range out {
		jobs[i] = c.job
	}
	return jobs, nil
}

// Outcome describes how a claimed run ended.
type Outcome struct {
	// LockedAt is the lock the finishing worker claimed the job with.
	LockedAt time.Time
	Err      error
	// FollowUp is enqueued in the same transaction when Err is nil.
	FollowUp *domain.Job
}

// Finish records a run. It only touches the job while out.LockedAt is still
// its lock; a worker whose lock was taken over gets ErrLockExpired and changes
// nothing.
func (r *sqliteRepo) Finish(ctx context.Context, id string, now time.Time, out Outcome) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		spec   sql.NullString
		locked sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `SELECT repeat_spec, locked_at FROM jobs WHERE id=?`, id).Scan(&spec, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return domain.Unavailable(err, "load job")
	}
	lock := millis(out.LockedAt)
	if !locked.Valid || locked.Int64 != lock {
		return errors.Wrapf(domain.ErrLockExpired, "job %s is no longer held by this run", id)
	}

	failed, lastErr := 0, sql.NullString{}
	if out.Err != nil {
		failed, lastErr = 1, sql.NullString{String: out.Err.Error(), Valid: true}
	}

	switch {
	case spec.Valid:
		next, nerr := NextOccurrence(spec.String, now)
		var nextRun any = millis(next)
		if nerr != nil {
			// unparseable spec: park the job instead of spinning on it
			nextRun = nil
			failed, lastErr = 1, sql.NullString{String: nerr.Error(), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET locked_at=NULL, next_run_at=?, last_finished_at=?, fail_count=fail_count+?, last_error=COALESCE(?, last_error)
WHERE id=? AND locked_at=?`, nextRun, millis(now), failed, lastErr, id, lock)
	case out.Err == nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=? AND locked_at=?`, id, lock)
	default:
		_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET locked_at=NULL, next_run_at=NULL, last_finished_at=?, fail_count=fail_count+1, last_error=?
WHERE id=? AND locked_at=?`, millis(now), lastErr, id, lock)
	}
	if err != nil {
		return domain.Unavailable(err, "finish job")
	}
	if out.Err == nil && out.FollowUp != nil {
		if _, err := r.insert(ctx, tx, *out.FollowUp); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Unavailable(err, "commit finish")
	}
	return nil
}

// Fail makes the job terminal whatever its repeat spec.
func (r *sqliteRepo) Fail(ctx context.Context, id string, now time.Time, runErr error) error {
	msg := "failed"
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET locked_at=NULL, next_run_at=NULL, last_finished_at=?, fail_count=fail_count+1, last_error=?
WHERE id=?`, millis(now), msg, id)
	if err != nil {
		return domain.Unavailable(err, "fail job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return nil
}

func (r *sqliteRepo) Release(ctx context.Context, id string, runAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET locked_at=NULL, next_run_at=? WHERE id=?`, millis(runAt), id)
	return domain.Unavailable(err, "release job")
}

// CancelAll removes every job of jobType not currently held by a valid lock.
func (r *sqliteRepo) CancelAll(ctx context.Context, jobType string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE type=? AND (locked_at IS NULL OR locked_at + lock_lifetime_ms <= ?)`, jobType, millis(r.now()))
	if err != nil {
		return 0, domain.Unavailable(err, "cancel jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, _, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return domain.Job{}, domain.Unavailable(err, "get job")
	}
	return j, nil
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.Unavailable(err, "list jobs")
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, _, err := scanJob(rows)
		if err != nil {
			return nil, domain.Unavailable(err, "scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, domain.Unavailable(rows.Err(), "list jobs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, int64, error) {
	var (
		j                               domain.Job
		payload                         []byte
		nextRun, locked, prev, finished sql.NullInt64
		lockMs, created, seq            int64
		spec, lastErr                   sql.NullString
	)
	if err := s.Scan(&j.ID, &j.Type, &payload, &j.Priority, &nextRun, &locked, &prev, &lockMs,
		&spec, &finished, &j.FailCount, &lastErr, &created, &seq); err != nil {
		return domain.Job{}, 0, err
	}
	j.Payload = payload
	j.NextRunAt = fromNull(nextRun)
	j.LockedAt = fromNull(locked)
	j.Reclaimed = prev.Valid
	j.LockLifetime = time.Duration(lockMs) * time.Millisecond
	j.RepeatSpec = spec.String
	j.LastFinishedAt = fromNull(finished)
	j.LastError = lastErr.String
	j.CreatedAt = fromMillis(created)
	return j, seq, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
