package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nitewatch/internal/exam"
	logx "nitewatch/pkg/logx"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name        string
	numbered    bool // $1, $2 instead of ?
	maintenance []string
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const (
	qCurrentEvents = `SELECT exam_date, location_id, first_seen FROM exams ORDER BY exam_date, location_id`
	qInsertExam    = `INSERT INTO exams(exam_date, location_id, first_seen) VALUES(?,?,?)
		ON CONFLICT(exam_date, location_id) DO NOTHING`
	qDeleteExam = `DELETE FROM exams WHERE exam_date = ? AND location_id = ?`
	qAppendLog  = `INSERT INTO exam_log(exam_date, location_id, transition, at, cycle_id) VALUES(?,?,?,?,?)`

	qSubscribersFor = `SELECT channel, subscriber_id FROM subscriptions WHERE location_id = ?
		ORDER BY channel, subscriber_id`
	qInsertSubscriber = `INSERT INTO subscribers(channel, subscriber_id, created_at) VALUES(?,?,?)
		ON CONFLICT(channel, subscriber_id) DO NOTHING`
	qClearSubscriptions = `DELETE FROM subscriptions WHERE channel = ? AND subscriber_id = ?`
	qInsertSubscription = `INSERT INTO subscriptions(channel, subscriber_id, location_id) VALUES(?,?,?)
		ON CONFLICT(channel, subscriber_id, location_id) DO NOTHING`
	qDeleteSubscriber = `DELETE FROM subscribers WHERE channel = ? AND subscriber_id = ?`
	qSubscriptions    = `SELECT s.channel, s.subscriber_id, s.created_at, l.location_id
		FROM subscribers s LEFT JOIN subscriptions l
		ON l.channel = s.channel AND l.subscriber_id = s.subscriber_id
		ORDER BY s.channel, s.subscriber_id, l.location_id`
)

var _ Store = (*sqlStore)(nil)

// sqlStore implements Store on database/sql for every SQL dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, log: log.With(logx.String("driver", d.name))}
}

func (s *sqlStore) q(query string) string { return s.dialect.rebind(query) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CurrentEvents(ctx context.Context) (exam.Set, error) {
	rows, err := s.db.QueryContext(ctx, s.q(qCurrentEvents))
	if err != nil {
		return nil, &CommitError{Op: "read current", Err: err}
	}
	defer rows.Close()

	out := make(exam.Set)
	for rows.Next() {
		var (
			date, seen string
			loc        int64
		)
		if err := rows.Scan(&date, &loc, &seen); err != nil {
			return nil, &CommitError{Op: "read current", Err: err}
		}
		e, err := decodeEvent(date, loc, seen)
		if err != nil {
			return nil, &CommitError{Op: "read current", Err: err}
		}
		out.Add(e)
	}
	if err := rows.Err(); err != nil {
		return nil, &CommitError{Op: "read current", Err: err}
	}
	return out, nil
}

func (s *sqlStore) ApplyDiff(ctx context.Context, d exam.Diff, at time.Time, cycleID string) (Applied, error) {
	var applied Applied
	if d.Empty() {
		return applied, nil
	}
	stamp := formatTime(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, &CommitError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, e := range d.Appeared {
		seen := e.FirstSeen
		if seen.IsZero() {
			seen = at
		}
		res, err := tx.ExecContext(ctx, s.q(qInsertExam), e.Date.String(), int64(e.Location), formatTime(seen))
		if err != nil {
			return Applied{}, &CommitError{Op: "insert " + e.String(), Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(qAppendLog), e.Date.String(), int64(e.Location), string(exam.Appeared), stamp, cycleID); err != nil {
			return Applied{}, &CommitError{Op: "log " + e.String(), Err: err}
		}
		applied.Appeared++
	}
	for _, e := range d.Vanished {
		res, err := tx.ExecContext(ctx, s.q(qDeleteExam), e.Date.String(), int64(e.Location))
		if err != nil {
			return Applied{}, &CommitError{Op: "delete " + e.String(), Err: err}
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(qAppendLog), e.Date.String(), int64(e.Location), string(exam.Vanished), stamp, cycleID); err != nil {
			return Applied{}, &CommitError{Op: "log " + e.String(), Err: err}
		}
		applied.Vanished++
	}

	if err := tx.Commit(); err != nil {
		return Applied{}, &CommitError{Op: "commit", Err: err}
	}
	return applied, nil
}

func (s *sqlStore) ChangeLog(ctx context.Context, q ChangeQuery) ([]exam.Change, error) {
	var (
		where []string
		args  []any
	)
	if q.Location != 0 {
		where = append(where, "location_id = ?")
		args = append(args, int64(q.Location))
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, formatTime(q.Since))
	}
	query := `SELECT seq, exam_date, location_id, transition, at, cycle_id FROM exam_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var out []exam.Change
	for rows.Next() {
		var (
			c                       exam.Change
			date, transition, stamp string
			loc                     int64
		)
		if err := rows.Scan(&c.Seq, &date, &loc, &transition, &stamp, &c.CycleID); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		if c.Date, err = exam.ParseDate(date); err != nil {
			return nil, err
		}
		if c.At, err = parseTime(stamp); err != nil {
			return nil, fmt.Errorf("change %d timestamp: %w", c.Seq, err)
		}
		c.Location = exam.LocationID(loc)
		c.Transition = exam.Transition(transition)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SubscribersFor(ctx context.Context, loc exam.LocationID) ([]exam.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, s.q(qSubscribersFor), int64(loc))
	if err != nil {
		return nil, fmt.Errorf("query subscribers for %d: %w", loc, err)
	}
	defer rows.Close()

	var out []exam.Subscriber
	for rows.Next() {
		var sub exam.Subscriber
		var ch string
		if err := rows.Scan(&ch, &sub.ID); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Channel = exam.Channel(ch)
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) Subscribe(ctx context.Context, sub exam.Subscriber, locs []exam.LocationID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ch := string(sub.Channel)
	if _, err := tx.ExecContext(ctx, s.q(qInsertSubscriber), ch, sub.ID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("insert subscriber %s: %w", sub, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(qClearSubscriptions), ch, sub.ID); err != nil {
		return fmt.Errorf("clear subscriptions %s: %w", sub, err)
	}
	for _, loc := range locs {
		if _, err := tx.ExecContext(ctx, s.q(qInsertSubscription), ch, sub.ID, int64(loc)); err != nil {
			return fmt.Errorf("subscribe %s to %d: %w", sub, loc, err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Unsubscribe(ctx context.Context, sub exam.Subscriber) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ch := string(sub.Channel)
	if _, err := tx.ExecContext(ctx, s.q(qClearSubscriptions), ch, sub.ID); err != nil {
		return fmt.Errorf("clear subscriptions %s: %w", sub, err)
	}
	res, err := tx.ExecContext(ctx, s.q(qDeleteSubscriber), ch, sub.ID)
	if err != nil {
		return fmt.Errorf("delete subscriber %s: %w", sub, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, sub)
	}
	return tx.Commit()
}

func (s *sqlStore) Subscriptions(ctx context.Context) ([]exam.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(qSubscriptions))
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []exam.Subscription
	for rows.Next() {
		var (
			ch, id, created string
			loc             sql.NullInt64
		)
		if err := rows.Scan(&ch, &id, &created, &loc); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub := exam.Subscriber{Channel: exam.Channel(ch), ID: id}
		if n := len(out); n == 0 || out[n-1].Subscriber != sub {
			t, _ := parseTime(created)
			out = append(out, exam.Subscription{Subscriber: sub, CreatedAt: t})
		}
		if loc.Valid {
			last := &out[len(out)-1]
			last.Locations = append(last.Locations, exam.LocationID(loc.Int64))
		}
	}
	return out, rows.Err()
}

func (s *sqlStore) Maintain(ctx context.Context) error {
	var errs []error
	for _, stmt := range s.dialect.maintenance {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", stmt, err))
		}
	}
	return errors.Join(errs...)
}

func decodeEvent(date string, loc int64, seen string) (exam.Event, error) {
	d, err := exam.ParseDate(date)
	if err != nil {
		return exam.Event{}, err
	}
	t, err := parseTime(seen)
	if err != nil {
		return exam.Event{}, fmt.Errorf("first_seen of %s@%d: %w", date, loc, err)
	}
	return exam.Event{Date: d, Location: exam.LocationID(loc), FirstSeen: t}, nil
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
