package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/db"
	"pepeunit/internal/domain"
)

func recordTable(policy domain.ProcessingPolicyType) (string, error) {
	switch policy {
	case domain.PolicyNRecords:
		return "n_records", nil
	case domain.PolicyTimeWindow:
		return "time_window_records", nil
	case domain.PolicyAggregation:
		return "aggregation_records", nil
	}
	return "", fmt.Errorf("policy %s has no record table", policy)
}

// InsertRecords appends records to the table of each record's policy.
func (r Repo) InsertRecords(ctx context.Context, recs []domain.Record) error {
	for _, rec := range recs {
		if err := r.insertRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) insertRecord(ctx context.Context, rec domain.Record) error {
	node := rec.UnitNodeUUID.String()
	created := db.FormatTime(rec.CreateDatetime)
	var err error
	switch rec.Policy {
	case domain.PolicyNRecords:
		_, err = r.q().ExecContext(ctx, `INSERT INTO n_records(unit_node_uuid,state,create_datetime) VALUES (?,?,?)`,
			node, rec.State, created)
	case domain.PolicyTimeWindow:
		if rec.ExpirationDatetime == nil {
			return fmt.Errorf("time window record requires expiration_datetime")
		}
		_, err = r.q().ExecContext(ctx, `INSERT INTO time_window_records(unit_node_uuid,state,create_datetime,expiration_datetime,time_window_size) VALUES (?,?,?,?,?)`,
			node, rec.State, created, db.FormatTime(*rec.ExpirationDatetime), rec.TimeWindowSize)
	case domain.PolicyAggregation:
		if rec.StartWindowDatetime == nil || rec.EndWindowDatetime == nil {
			return fmt.Errorf("aggregation record requires window bounds")
		}
		count := rec.Count
		if count < 1 {
			count = 1
		}
		_, err = r.q().ExecContext(ctx, `INSERT INTO aggregation_records(unit_node_uuid,state,count,aggregation_type,time_window_size,create_datetime,start_window_datetime,end_window_datetime) VALUES (?,?,?,?,?,?,?,?)`,
			node, rec.State, count, rec.AggregationType, rec.TimeWindowSize, created,
			db.FormatTime(*rec.StartWindowDatetime), db.FormatTime(*rec.EndWindowDatetime))
		err = conflict(err, "aggregation window %s already stored", db.FormatTime(*rec.StartWindowDatetime))
	default:
		_, err = recordTable(rec.Policy)
	}
	return err
}

// TrimNRecords keeps only the newest keep rows of a node.
func (r Repo) TrimNRecords(ctx context.Context, nodeUUID uuid.UUID, keep int) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM n_records WHERE unit_node_uuid=? AND id NOT IN (
  SELECT id FROM n_records WHERE unit_node_uuid=? ORDER BY create_datetime DESC, id DESC LIMIT ?)`,
		nodeUUID.String(), nodeUUID.String(), keep)
	return err
}

// DeleteExpiredRecords drops time window rows whose expiration is at or before now.
func (r Repo) DeleteExpiredRecords(ctx context.Context, nodeUUID uuid.UUID, now time.Time) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM time_window_records WHERE unit_node_uuid=? AND expiration_datetime<=?`,
		nodeUUID.String(), db.FormatTime(now))
	return err
}

// GetAggregate loads the bucket starting at start.
func (r Repo) GetAggregate(ctx context.Context, nodeUUID uuid.UUID, fn domain.AggregationFunction, size int, start time.Time) (domain.Record, error) {
	row := r.q().QueryRowContext(ctx, `SELECT `+aggregationColumns+` FROM aggregation_records
WHERE unit_node_uuid=? AND aggregation_type=? AND time_window_size=? AND start_window_datetime=?`,
		nodeUUID.String(), fn, size, db.FormatTime(start))
	return scanAggregate(row)
}

// SaveAggregate upserts a bucket.
func (r Repo) SaveAggregate(ctx context.Context, rec domain.Record) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO aggregation_records(unit_node_uuid,state,count,aggregation_type,time_window_size,create_datetime,start_window_datetime,end_window_datetime)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(unit_node_uuid,aggregation_type,time_window_size,start_window_datetime) DO UPDATE SET state=excluded.state,count=excluded.count,create_datetime=excluded.create_datetime`,
		rec.UnitNodeUUID.String(), rec.State, rec.Count, rec.AggregationType, rec.TimeWindowSize, db.FormatTime(rec.CreateDatetime),
		nullableTime(rec.StartWindowDatetime), nullableTime(rec.EndWindowDatetime))
	return err
}

// DeleteRecords clears a node's rows for policy.
func (r Repo) DeleteRecords(ctx context.Context, nodeUUID uuid.UUID, policy domain.ProcessingPolicyType) error {
	table, err := recordTable(policy)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `DELETE FROM `+table+` WHERE unit_node_uuid=?`, nodeUUID.String())
	return err
}

// ListRecords returns a node's rows for policy, oldest first.
func (r Repo) ListRecords(ctx context.Context, nodeUUID uuid.UUID, policy domain.ProcessingPolicyType, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 1024
	}
	var query string
	switch policy {
	case domain.PolicyNRecords:
		query = `SELECT id,state,create_datetime FROM n_records WHERE unit_node_uuid=? ORDER BY create_datetime, id LIMIT ?`
	case domain.PolicyTimeWindow:
		query = `SELECT id,state,create_datetime,expiration_datetime,time_window_size FROM time_window_records WHERE unit_node_uuid=? ORDER BY create_datetime, id LIMIT ?`
	case domain.PolicyAggregation:
		query = `SELECT ` + aggregationColumns + ` FROM aggregation_records WHERE unit_node_uuid=? ORDER BY start_window_datetime, id LIMIT ?`
	default:
		_, err := recordTable(policy)
		return nil, err
	}
	rows, err := r.q().QueryContext(ctx, query, nodeUUID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var rec domain.Record
		switch policy {
		case domain.PolicyNRecords:
			var ts string
			if err := rows.Scan(&rec.ID, &rec.State, &ts); err != nil {
				return nil, err
			}
			if rec.CreateDatetime, err = parseTime(ts); err != nil {
				return nil, err
			}
		case domain.PolicyTimeWindow:
			var ts, exp string
			if err := rows.Scan(&rec.ID, &rec.State, &ts, &exp, &rec.TimeWindowSize); err != nil {
				return nil, err
			}
			if rec.CreateDatetime, err = parseTime(ts); err != nil {
				return nil, err
			}
			e, err := parseTime(exp)
			if err != nil {
				return nil, err
			}
			rec.ExpirationDatetime = &e
		case domain.PolicyAggregation:
			if rec, err = scanAggregate(rows); err != nil {
				return nil, err
			}
		}
		rec.UnitNodeUUID = nodeUUID
		rec.Policy = policy
		res = append(res, rec)
	}
	return res, rows.Err()
}

const aggregationColumns = `id,unit_node_uuid,state,count,aggregation_type,time_window_size,create_datetime,start_window_datetime,end_window_datetime`

func scanAggregate(row interface{ Scan(...any) error }) (domain.Record, error) {
	var (
		rec                  domain.Record
		node, ts, start, end string
	)
	err := row.Scan(&rec.ID, &node, &rec.State, &rec.Count, &rec.AggregationType, &rec.TimeWindowSize, &ts, &start, &end)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rec.UnitNodeUUID, err = uuid.Parse(node); err != nil {
		return rec, err
	}
	if rec.CreateDatetime, err = parseTime(ts); err != nil {
		return rec, err
	}
	s, err := parseTime(start)
	if err != nil {
		return rec, err
	}
	e, err := parseTime(end)
	if err != nil {
		return rec, err
	}
	rec.Policy = domain.PolicyAggregation
	rec.StartWindowDatetime = &s
	rec.EndWindowDatetime = &e
	return rec, nil
}

// Counts is a snapshot of table sizes for the metrics summary.
type Counts struct {
	Users     int `json:"users"`
	Units     int `json:"units"`
	UnitNodes int `json:"unit_nodes"`
	Edges     int `json:"unit_node_edges"`
	Records   int `json:"records"`
}

func (r Repo) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.q().QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM users),
  (SELECT COUNT(*) FROM units),
  (SELECT COUNT(*) FROM unit_nodes),
  (SELECT COUNT(*) FROM unit_node_edges),
  (SELECT COUNT(*) FROM n_records) + (SELECT COUNT(*) FROM time_window_records) + (SELECT COUNT(*) FROM aggregation_records)`).
		Scan(&c.Users, &c.Units, &c.UnitNodes, &c.Edges, &c.Records)
	return c, err
}
