package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"pepeunit/internal/db"
	"pepeunit/internal/domain"
)

const edgeColumns = `uuid,node_output_uuid,node_input_uuid,creator_uuid,create_datetime`

func scanEdge(row interface{ Scan(...any) error }) (domain.UnitNodeEdge, error) {
	var (
		e                              domain.UnitNodeEdge
		id, output, input, creator, ts string
	)
	err := row.Scan(&id, &output, &input, &creator, &ts)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	for _, p := range []struct {
		dst *uuid.UUID
		src string
	}{{&e.UUID, id}, {&e.NodeOutputUUID, output}, {&e.NodeInputUUID, input}, {&e.CreatorUUID, creator}} {
		if *p.dst, err = uuid.Parse(p.src); err != nil {
			return e, err
		}
	}
	e.CreateDatetime, err = parseTime(ts)
	return e, err
}

// InsertEdge returns ErrConflict when the output/input pair already exists.
func (r Repo) InsertEdge(ctx context.Context, e domain.UnitNodeEdge) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO unit_node_edges(`+edgeColumns+`) VALUES (?,?,?,?,?)`,
		e.UUID.String(), e.NodeOutputUUID.String(), e.NodeInputUUID.String(), e.CreatorUUID.String(), db.FormatTime(e.CreateDatetime))
	return conflict(err, "edge %s -> %s already exists", e.NodeOutputUUID, e.NodeInputUUID)
}

func (r Repo) GetEdge(ctx context.Context, id uuid.UUID) (domain.UnitNodeEdge, error) {
	return scanEdge(r.q().QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM unit_node_edges WHERE uuid=?`, id.String()))
}

func (r Repo) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `DELETE FROM unit_node_edges WHERE uuid=?`, id.String()))
}

// ListEdgesFrom returns the edges leaving an Output node.
func (r Repo) ListEdgesFrom(ctx context.Context, outputUUID uuid.UUID) ([]domain.UnitNodeEdge, error) {
	return r.listEdges(ctx, `SELECT `+edgeColumns+` FROM unit_node_edges WHERE node_output_uuid=? ORDER BY create_datetime`, outputUUID.String())
}

func (r Repo) ListEdgesTo(ctx context.Context, inputUUID uuid.UUID) ([]domain.UnitNodeEdge, error) {
	return r.listEdges(ctx, `SELECT `+edgeColumns+` FROM unit_node_edges WHERE node_input_uuid=? ORDER BY create_datetime`, inputUUID.String())
}

func (r Repo) CountEdges(ctx context.Context) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_node_edges`).Scan(&n)
	return n, err
}

func (r Repo) listEdges(ctx context.Context, query string, args ...any) ([]domain.UnitNodeEdge, error) {
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UnitNodeEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
