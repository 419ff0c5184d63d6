package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Catch is one answered catch request.
type Catch struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Reply      string    `json:"reply"`
	Outcome    string    `json:"outcome"`
	ZoneID     string    `json:"zone_id,omitempty"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	Calibrated bool      `json:"calibrated"`
	Latency    float64   `json:"latency_ms"`
	At         time.Time `json:"at"`
}

// Pick is one coordinate pushed by the conveyor loop.
type Pick struct {
	ID          string    `json:"id"`
	ZoneID      string    `json:"zone_id"`
	ClientID    string    `json:"client_id,omitempty"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	Calibrated  bool      `json:"calibrated"`
	SentAt      time.Time `json:"sent_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Duration is the time from push to completion, or 0 while open.
func (p Pick) Duration() time.Duration {
	if p.CompletedAt.IsZero() {
		return 0
	}
	return p.CompletedAt.Sub(p.SentAt)
}

// BeltTransition is a change of a conveyor line.
type BeltTransition struct {
	ZoneID string    `json:"zone_id"`
	Line   int       `json:"line"`
	Level  string    `json:"level"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ErrPickNotFound is returned when completing an unknown pick.
var ErrPickNotFound = errors.New("pick not found")

func (db *DB) RecordCatch(ctx context.Context, c Catch) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO catches (catch_id, channel, reply, outcome, zone_id, x, y, z, calibrated, latency_ms, ts_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Channel, c.Reply, c.Outcome, nullString(c.ZoneID), c.X, c.Y, c.Z, boolInt(c.Calibrated), c.Latency, nanos(c.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record catch: %w", err)
	}
	return nil
}

func (db *DB) RecordPick(ctx context.Context, p Pick) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO picks (pick_id, zone_id, client_id, x, y, z, calibrated, sent_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ZoneID, nullString(p.ClientID), p.X, p.Y, p.Z, boolInt(p.Calibrated), nanos(p.SentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record pick: %w", err)
	}
	return nil
}

// CompletePick stamps the completion time of an open pick.
func (db *DB) CompletePick(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE picks SET completed_unix_nanos = ? WHERE pick_id = ? AND completed_unix_nanos IS NULL`,
		nanos(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete pick: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete %s: %w", id, ErrPickNotFound)
	}
	return nil
}

// DiscardPick removes a pick that was never delivered. Completed picks are
// kept.
func (db *DB) DiscardPick(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM picks WHERE pick_id = ? AND completed_unix_nanos IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to discard pick: %w", err)
	}
	return nil
}

func (db *DB) RecordBeltTransition(ctx context.Context, b BeltTransition) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO belt_transitions (zone_id, line, level, reason, ts_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		b.ZoneID, b.Line, b.Level, nullString(b.Reason), nanos(b.At),
	)
	if err != nil {
		return fmt.Errorf("failed to record belt transition: %w", err)
	}
	return nil
}

// RecentCatches returns up to limit catches, newest first.
func (db *DB) RecentCatches(ctx context.Context, limit int) ([]Catch, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT catch_id, channel, reply, outcome, zone_id, x, y, z, calibrated, latency_ms, ts_unix_nanos
		 FROM catches ORDER BY ts_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Catch
	for rows.Next() {
		var (
			c          Catch
			zone       sql.NullString
			x, y, z    sql.NullFloat64
			latency    sql.NullFloat64
			calibrated int
			ts         int64
		)
		if err := rows.Scan(&c.ID, &c.Channel, &c.Reply, &c.Outcome, &zone, &x, &y, &z, &calibrated, &latency, &ts); err != nil {
			return nil, err
		}
		c.ZoneID = zone.String
		c.X, c.Y, c.Z = x.Float64, y.Float64, z.Float64
		c.Calibrated = calibrated != 0
		c.Latency = latency.Float64
		c.At = fromNanos(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentPicks returns up to limit picks, newest first.
func (db *DB) RecentPicks(ctx context.Context, limit int) ([]Pick, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT pick_id, zone_id, client_id, x, y, z, calibrated, sent_unix_nanos, completed_unix_nanos
		 FROM picks ORDER BY sent_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pick
	for rows.Next() {
		var (
			p          Pick
			client     sql.NullString
			calibrated int
			sent       int64
			completed  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.ZoneID, &client, &p.X, &p.Y, &p.Z, &calibrated, &sent, &completed); err != nil {
			return nil, err
		}
		p.ClientID = client.String
		p.Calibrated = calibrated != 0
		p.SentAt = fromNanos(sent)
		p.CompletedAt = fromNanos(completed.Int64)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentBeltTransitions returns up to limit transitions, newest first.
func (db *DB) RecentBeltTransitions(ctx context.Context, limit int) ([]BeltTransition, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT zone_id, line, level, reason, ts_unix_nanos
		 FROM belt_transitions ORDER BY ts_unix_nanos DESC, transition_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BeltTransition
	for rows.Next() {
		var (
			b      BeltTransition
			reason sql.NullString
			ts     int64
		)
		if err := rows.Scan(&b.ZoneID, &b.Line, &b.Level, &reason, &ts); err != nil {
			return nil, err
		}
		b.Reason = reason.String
		b.At = fromNanos(ts)
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
