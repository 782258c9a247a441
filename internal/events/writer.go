package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/db"
)

// Drop is one MQTT-origin value the ingestion pipeline discarded.
type Drop struct {
	ID           int64      `json:"id"`
	At           time.Time  `json:"ts"`
	Topic        string     `json:"topic"`
	UnitNodeUUID *uuid.UUID `json:"unit_node_uuid,omitempty"`
	Publisher    string     `json:"publisher,omitempty"`
	Reason       string     `json:"reason"`
	Detail       string     `json:"detail,omitempty"`
}

// Writer is the drop ledger.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, d Drop) error {
	if d.At.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		d.At = now()
	}
	var node any
	if d.UnitNodeUUID != nil {
		node = d.UnitNodeUUID.String()
	}
	_, err := w.DB.ExecContext(ctx, `INSERT INTO drops(ts,topic,unit_node_uuid,publisher,reason,detail) VALUES (?,?,?,?,?,?)`,
		db.FormatTime(d.At), d.Topic, node, nullable(d.Publisher), d.Reason, nullable(d.Detail))
	return err
}

// List returns the newest drops first.
func (w Writer) List(ctx context.Context, limit int) ([]Drop, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,topic,unit_node_uuid,COALESCE(publisher,''),reason,COALESCE(detail,'') FROM drops ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Drop
	for rows.Next() {
		var (
			d    Drop
			ts   string
			node sql.NullString
		)
		if err := rows.Scan(&d.ID, &ts, &d.Topic, &node, &d.Publisher, &d.Reason, &d.Detail); err != nil {
			return nil, err
		}
		if d.At, err = db.ParseTime(ts); err != nil {
			return nil, err
		}
		if node.Valid {
			id, err := uuid.Parse(node.String)
			if err != nil {
				return nil, err
			}
			d.UnitNodeUUID = &id
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountByReason groups the ledger by drop reason.
func (w Writer) CountByReason(ctx context.Context) (map[string]int, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT reason, COUNT(*) FROM drops GROUP BY reason`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
