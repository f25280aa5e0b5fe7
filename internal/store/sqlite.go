// Package store persists crawl targets and the subjects (tracked URLs) that own them.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"crawlflow/internal/domain"
)

//go:embed schema.sql
var schema string

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store reads and writes targets and subjects. Field updates are last-writer-wins.
type Store struct {
	db  *sql.DB
	q   dbtx
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

// WithClock returns a copy of the store stamping records with now().
func (s *Store) WithClock(now func() time.Time) *Store {
	cp := *s
	cp.now = now
	return &cp
}

// WithTx runs fn against a store bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable(err, "begin tx")
	}
	if err := fn(&Store{q: tx, now: s.now}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return domain.Unavailable(tx.Commit(), "commit tx")
}

// CreateTarget persists a pending target, assigning its ID and creation time when unset.
func (s *Store) CreateTarget(ctx context.Context, t domain.Target) (domain.Target, error) {
	if t.ID == "" {
		t.ID = "tgt_" + uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	opt, err := json.Marshal(t.Option)
	if err != nil {
		return domain.Target{}, errors.Wrap(err, "encode option")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO targets (id,input_url,crawl_option,created_at) VALUES (?,?,?,?)`,
		t.ID, t.InputURL, string(opt), t.CreatedAt.UnixMilli())
	if err != nil {
		return domain.Target{}, domain.Unavailable(err, "insert target")
	}
	return t, nil
}

const targetColumns = `id,input_url,crawl_option,content,error,requests,analysis,created_at,crawled_at`

func (s *Store) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id=?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Target{}, errors.Wrapf(domain.ErrNotFound, "target %s", id)
	}
	if err != nil {
		return domain.Target{}, domain.Unavailable(err, "get target")
	}
	return t, nil
}

// GetTargets returns the targets found among ids, keyed by id. Unknown ids are absent.
func (s *Store) GetTargets(ctx context.Context, ids []string) (map[string]domain.Target, error) {
	out := make(map[string]domain.Target, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, domain.Unavailable(err, "get targets")
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, domain.Unavailable(err, "scan target")
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable(err, "get targets")
	}
	return out, nil
}

// RecordCrawl writes the crawl outcome once. It reports false when an outcome
// was already recorded.
func (s *Store) RecordCrawl(ctx context.Context, id string, res domain.CrawlResult) (bool, error) {
	res = res.Normalized()
	reqs, err := json.Marshal(nonNil(res.Requests))
	if err != nil {
		return false, errors.Wrap(err, "encode requests")
	}
	out, err := s.q.ExecContext(ctx, `
UPDATE targets SET content=?, error=?, requests=?, crawled_at=?
WHERE id=? AND crawled_at IS NULL`,
		nullString(res.Content), nullString(res.Error), string(reqs), s.now().UnixMilli(), id)
	if err != nil {
		return false, domain.Unavailable(err, "record crawl")
	}
	if n, _ := out.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetTarget(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) SetAnalysis(ctx context.Context, id string, a domain.Analysis) error {
	b, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode analysis")
	}
	res, err := s.q.ExecContext(ctx, `UPDATE targets SET analysis=? WHERE id=?`, string(b), id)
	if err != nil {
		return domain.Unavailable(err, "set analysis")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "target %s", id)
	}
	return nil
}

const subjectColumns = `url,last_target_id,owner_groups,rec_remaining,rec_period_hours,rec_option,created_at,updated_at`

func (s *Store) GetSubject(ctx context.Context, url string) (domain.Subject, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE url=?`, url)
	sub, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subject{}, errors.Wrapf(domain.ErrNotFound, "subject %s", url)
	}
	if err != nil {
		return domain.Subject{}, domain.Unavailable(err, "get subject")
	}
	return sub, nil
}

// SaveSubject inserts or replaces the subject identified by its URL.
func (s *Store) SaveSubject(ctx context.Context, sub domain.Subject) error {
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	groups, err := json.Marshal(nonNil(sub.OwnerGroups))
	if err != nil {
		return errors.Wrap(err, "encode groups")
	}
	var remaining, period, option any
	if r := sub.Recurrence; r != nil {
		opt, err := json.Marshal(r.Option)
		if err != nil {
			return errors.Wrap(err, "encode recurrence option")
		}
		remaining, period, option = r.Remaining, r.PeriodHours, string(opt)
	}
	_, err = s.q.ExecContext(ctx, `
INSERT INTO subjects (url,last_target_id,owner_groups,rec_remaining,rec_period_hours,rec_option,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(url) DO UPDATE SET
  last_target_id=excluded.last_target_id,
  owner_groups=excluded.owner_groups,
  rec_remaining=excluded.rec_remaining,
  rec_period_hours=excluded.rec_period_hours,
  rec_option=excluded.rec_option,
  updated_at=excluded.updated_at`,
		sub.URL, nullString(sub.LastTargetID), string(groups), remaining, period, option,
		sub.CreatedAt.UnixMilli(), now.UnixMilli())
	return domain.Unavailable(err, "save subject")
}

// ListRecurring returns subjects whose recurrence still has runs remaining.
// AdvanceRecurrence spends one run of url's recurrence and points it at
// targetID, leaving every other field as stored. It reports false when the
// subject has no runs left.
func (s *Store) AdvanceRecurrence(ctx context.Context, url, targetID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
UPDATE subjects SET rec_remaining=rec_remaining-1, last_target_id=?, updated_at=?
WHERE url=? AND rec_remaining>0`, targetID, s.now().UTC().UnixMilli(), url)
	if err != nil {
		return false, domain.Unavailable(err, "advance recurrence")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable(err, "advance recurrence")
	}
	return n == 1, nil
}

func (s *Store) ListRecurring(ctx context.Context) ([]domain.Subject, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE rec_remaining > 0 ORDER BY url`)
	if err != nil {
		return nil, domain.Unavailable(err, "list recurring subjects")
	}
	defer rows.Close()

	var subs []domain.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, domain.Unavailable(err, "scan subject")
		}
		subs = append(subs, sub)
	}
	return subs, domain.Unavailable(rows.Err(), "list recurring subjects")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(s scanner) (domain.Target, error) {
	var (
		t                          domain.Target
		opt, reqs                  string
		content, errText, analysis sql.NullString
		created                    int64
		crawled                    sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.InputURL, &opt, &content, &errText, &reqs, &analysis, &created, &crawled); err != nil {
		return domain.Target{}, err
	}
	if err := json.Unmarshal([]byte(opt), &t.Option); err != nil {
		return domain.Target{}, errors.Wrap(err, "decode option")
	}
	if err := json.Unmarshal([]byte(reqs), &t.Requests); err != nil {
		return domain.Target{}, errors.Wrap(err, "decode requests")
	}
	if analysis.Valid {
		t.Analysis = &domain.Analysis{}
		if err := json.Unmarshal([]byte(analysis.String), t.Analysis); err != nil {
			return domain.Target{}, errors.Wrap(err, "decode analysis")
		}
	}
	t.Content = content.String
	t.Error = errText.String
	t.CreatedAt = time.UnixMilli(created).UTC()
	if crawled.Valid {
		at := time.UnixMilli(crawled.Int64).UTC()
		t.CrawledAt = &at
	}
	return t, nil
}

func scanSubject(s scanner) (domain.Subject, error) {
	var (
		sub               domain.Subject
		last, recOpt      sql.NullString
		groups            string
		remaining, period sql.NullInt64
		created, updated  int64
	)
	if err := s.Scan(&sub.URL, &last, &groups, &remaining, &period, &recOpt, &created, &updated); err != nil {
		return domain.Subject{}, err
	}
	if err := json.Unmarshal([]byte(groups), &sub.OwnerGroups); err != nil {
		return domain.Subject{}, errors.Wrap(err, "decode groups")
	}
	if remaining.Valid {
		sub.Recurrence = &domain.Recurrence{Remaining: int(remaining.Int64), PeriodHours: int(period.Int64)}
		if recOpt.Valid {
			if err := json.Unmarshal([]byte(recOpt.String), &sub.Recurrence.Option); err != nil {
				return domain.Subject{}, errors.Wrap(err, "decode recurrence option")
			}
		}
	}
	sub.LastTargetID = last.String
	sub.CreatedAt = time.UnixMilli(created).UTC()
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	return sub, nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
