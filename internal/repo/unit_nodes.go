package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/db"
	"pepeunit/internal/domain"
)

const (
	unitNodeColumns       = `uuid,type,visibility_level,is_rewritable_input,topic_name,state,last_update_datetime,unit_uuid,creator_uuid,is_data_pipe_active,COALESCE(data_pipe_yml,''),create_datetime`
	unitNodeInsertColumns = `uuid,type,visibility_level,is_rewritable_input,topic_name,state,last_update_datetime,unit_uuid,creator_uuid,is_data_pipe_active,data_pipe_yml,create_datetime`
)

func scanUnitNode(row interface{ Scan(...any) error }) (domain.UnitNode, error) {
	var (
		n                   domain.UnitNode
		id, unitID, creator string
		state, lastUpdate   sql.NullString
		rewritable, pipeOn  int
		created             string
	)
	err := row.Scan(&id, &n.Type, &n.Visibility, &rewritable, &n.TopicName, &state, &lastUpdate,
		&unitID, &creator, &pipeOn, &n.DataPipeYAML, &created)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if n.UUID, err = uuid.Parse(id); err != nil {
		return n, err
	}
	if n.UnitUUID, err = uuid.Parse(unitID); err != nil {
		return n, err
	}
	if n.CreatorUUID, err = uuid.Parse(creator); err != nil {
		return n, err
	}
	if state.Valid {
		s := state.String
		n.State = &s
	}
	if n.LastUpdateDatetime, err = parseNullTime(lastUpdate); err != nil {
		return n, err
	}
	n.IsRewritableInput = rewritable == 1
	n.IsDataPipeActive = pipeOn == 1
	n.CreateDatetime, err = parseTime(created)
	return n, err
}

func unitNodeArgs(n domain.UnitNode) []any {
	return []any{
		n.UUID.String(), n.Type, n.Visibility, boolInt(n.IsRewritableInput), n.TopicName,
		nullableStringPtr(n.State), nullableTime(n.LastUpdateDatetime), n.UnitUUID.String(),
		n.CreatorUUID.String(), boolInt(n.IsDataPipeActive), nullable(n.DataPipeYAML), db.FormatTime(n.CreateDatetime),
	}
}

// InsertUnitNode stores n and grants its creator and unit access to it.
func (r Repo) InsertUnitNode(ctx context.Context, n domain.UnitNode) error {
	return r.InTx(ctx, func(tx Repo) error {
		_, err := tx.q().ExecContext(ctx, `INSERT INTO unit_nodes(`+unitNodeInsertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, unitNodeArgs(n)...)
		if err != nil {
			return conflict(err, "unit node %s/%s already exists", n.UnitUUID, n.TopicName)
		}
		return tx.seedOwners(ctx, n.Ref(), n.CreateDatetime, nodeOwners(n)...)
	})
}

func (r Repo) GetUnitNode(ctx context.Context, id uuid.UUID) (domain.UnitNode, error) {
	return scanUnitNode(r.q().QueryRowContext(ctx, `SELECT `+unitNodeColumns+` FROM unit_nodes WHERE uuid=?`, id.String()))
}

// UpdateUnitNode writes the mutable fields of n.
func (r Repo) UpdateUnitNode(ctx context.Context, n domain.UnitNode) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `UPDATE unit_nodes SET visibility_level=?,is_rewritable_input=?,state=?,last_update_datetime=?,is_data_pipe_active=?,data_pipe_yml=? WHERE uuid=?`,
		n.Visibility, boolInt(n.IsRewritableInput), nullableStringPtr(n.State), nullableTime(n.LastUpdateDatetime),
		boolInt(n.IsDataPipeActive), nullable(n.DataPipeYAML), n.UUID.String()))
}

// UpdateUnitNodeState is the single-row write used by ingestion.
func (r Repo) UpdateUnitNodeState(ctx context.Context, id uuid.UUID, state string, at time.Time) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `UPDATE unit_nodes SET state=?,last_update_datetime=? WHERE uuid=?`,
		state, db.FormatTime(at), id.String()))
}

// BulkSaveUnitNodes upserts nodes in one transaction. The creator and unit of
// every node are granted access to it.
func (r Repo) BulkSaveUnitNodes(ctx context.Context, nodes []domain.UnitNode) error {
	return r.InTx(ctx, func(tx Repo) error {
		for _, n := range nodes {
			_, err := tx.q().ExecContext(ctx, `INSERT INTO unit_nodes(`+unitNodeInsertColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(uuid) DO UPDATE SET visibility_level=excluded.visibility_level,is_rewritable_input=excluded.is_rewritable_input,
state=excluded.state,last_update_datetime=excluded.last_update_datetime,is_data_pipe_active=excluded.is_data_pipe_active,data_pipe_yml=excluded.data_pipe_yml`,
				unitNodeArgs(n)...)
			if err != nil {
				return conflict(err, "unit node %s/%s already exists", n.UnitUUID, n.TopicName)
			}
			if err := tx.seedOwners(ctx, n.Ref(), n.CreateDatetime, nodeOwners(n)...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r Repo) DeleteUnitNode(ctx context.Context, id uuid.UUID) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `DELETE FROM unit_nodes WHERE uuid=?`, id.String()))
}

// UnitNodeFilter narrows ListUnitNodes. Nodes at VisibilityLevels are returned,
// except Private nodes, which must also appear in RestrictedUUIDs.
type UnitNodeFilter struct {
	UnitUUID         *uuid.UUID
	Type             domain.UnitNodeType
	SearchTopic      string
	VisibilityLevels []domain.VisibilityLevel
	RestrictedUUIDs  []uuid.UUID
	Limit            int
	Offset           int
}

func (r Repo) ListUnitNodes(ctx context.Context, f UnitNodeFilter) ([]domain.UnitNode, error) {
	var (
		where []string
		args  []any
	)
	if f.UnitUUID != nil {
		where = append(where, "unit_uuid=?")
		args = append(args, f.UnitUUID.String())
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.SearchTopic != "" {
		where = append(where, "topic_name LIKE ?")
		args = append(args, "%"+f.SearchTopic+"%")
	}
	var public []any
	private := false
	for _, l := range f.VisibilityLevels {
		if l == domain.VisibilityPrivate {
			private = true
			continue
		}
		public = append(public, l)
	}
	var vis []string
	if len(public) > 0 {
		vis = append(vis, fmt.Sprintf("visibility_level IN (%s)", placeholders(len(public))))
		args = append(args, public...)
	}
	if private && len(f.RestrictedUUIDs) > 0 {
		vis = append(vis, fmt.Sprintf("(visibility_level='Private' AND uuid IN (%s))", placeholders(len(f.RestrictedUUIDs))))
		args = append(args, uuidStrings(f.RestrictedUUIDs)...)
	}
	if len(vis) == 0 {
		return nil, nil
	}
	where = append(where, "("+strings.Join(vis, " OR ")+")")

	query := `SELECT ` + unitNodeColumns + ` FROM unit_nodes WHERE ` + strings.Join(where, " AND ") + ` ORDER BY create_datetime, uuid`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UnitNode
	for rows.Next() {
		n, err := scanUnitNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
