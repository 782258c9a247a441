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

const permissionColumns = `uuid,agent_type,agent_uuid,resource_type,resource_uuid,create_datetime`

func scanPermission(row interface{ Scan(...any) error }) (domain.Permission, error) {
	var (
		p                                    domain.Permission
		id, agentType, agentID, resType, res string
		ts                                   string
	)
	err := row.Scan(&id, &agentType, &agentID, &resType, &res, &ts)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.UUID, err = uuid.Parse(id); err != nil {
		return p, err
	}
	if p.Agent.Type, err = domain.ParseAgentType(agentType); err != nil {
		return p, fmt.Errorf("permission %s: %w", id, err)
	}
	if p.Agent.UUID, err = uuid.Parse(agentID); err != nil {
		return p, err
	}
	if p.Resource.Type, err = domain.ParseResourceType(resType); err != nil {
		return p, fmt.Errorf("permission %s: %w", id, err)
	}
	if p.Resource.UUID, err = uuid.Parse(res); err != nil {
		return p, err
	}
	p.CreateDatetime, err = parseTime(ts)
	return p, err
}

func (r Repo) InsertPermission(ctx context.Context, p domain.Permission) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO permissions(`+permissionColumns+`) VALUES (?,?,?,?,?,?)`,
		p.UUID.String(), p.Agent.Type, p.Agent.UUID.String(), p.Resource.Type, p.Resource.UUID.String(), db.FormatTime(p.CreateDatetime))
	return conflict(err, "permission %s -> %s already exists", p.Agent, p.Resource)
}

// seedOwners grants holders access to a freshly saved resource so its creator
// and owning unit keep access when it is Private. Existing edges are kept.
func (r Repo) seedOwners(ctx context.Context, res domain.ResourceRef, at time.Time, holders ...domain.AgentRef) error {
	for _, h := range holders {
		if h.UUID == uuid.Nil {
			continue
		}
		_, err := r.q().ExecContext(ctx, `INSERT INTO permissions(`+permissionColumns+`) VALUES (?,?,?,?,?,?)
ON CONFLICT(agent_type,agent_uuid,resource_type,resource_uuid) DO NOTHING`,
			uuid.New().String(), h.Type, h.UUID.String(), res.Type, res.UUID.String(), db.FormatTime(at))
		if err != nil {
			return fmt.Errorf("seed permission %s -> %s: %w", h, res, err)
		}
	}
	return nil
}

func nodeOwners(n domain.UnitNode) []domain.AgentRef {
	return []domain.AgentRef{
		{Type: domain.AgentTypeUser, UUID: n.CreatorUUID},
		{Type: domain.AgentTypeUnit, UUID: n.UnitUUID},
	}
}

func (r Repo) GetPermission(ctx context.Context, id uuid.UUID) (domain.Permission, error) {
	return scanPermission(r.q().QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE uuid=?`, id.String()))
}

func (r Repo) DeletePermission(ctx context.Context, id uuid.UUID) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `DELETE FROM permissions WHERE uuid=?`, id.String()))
}

// DeleteResourcePermissions drops every edge pointing at resource.
func (r Repo) DeleteResourcePermissions(ctx context.Context, resource domain.ResourceRef) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM permissions WHERE resource_type=? AND resource_uuid=?`, resource.Type, resource.UUID.String())
	return err
}

func (r Repo) HasPermission(ctx context.Context, agent domain.AgentRef, resource domain.ResourceRef) (bool, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT 1 FROM permissions WHERE agent_type=? AND agent_uuid=? AND resource_type=? AND resource_uuid=? LIMIT 1`,
		agent.Type, agent.UUID.String(), resource.Type, resource.UUID.String()).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ResourceUUIDs lists resources of resourceType the agent holds an edge to.
func (r Repo) ResourceUUIDs(ctx context.Context, agent domain.AgentRef, resourceType domain.ResourceType) ([]uuid.UUID, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT resource_uuid FROM permissions WHERE agent_type=? AND agent_uuid=? AND resource_type=? ORDER BY resource_uuid`,
		agent.Type, agent.UUID.String(), resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListResourcePermissions returns the edges granting access to resource.
func (r Repo) ListResourcePermissions(ctx context.Context, resource domain.ResourceRef) ([]domain.Permission, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE resource_type=? AND resource_uuid=? ORDER BY create_datetime`,
		resource.Type, resource.UUID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
