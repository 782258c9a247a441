package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pepeunit/internal/access"
	"pepeunit/internal/domain"
	"pepeunit/internal/repo"
)

// resourceLoader resolves a permission resource to the ownership target it
// belongs to.
type resourceLoader func(ctx context.Context, r repo.Repo, id uuid.UUID) (access.Target, error)

var resourceLoaders = map[domain.ResourceType]resourceLoader{
	domain.ResourceRepo: func(ctx context.Context, r repo.Repo, id uuid.UUID) (access.Target, error) {
		rp, err := r.GetRepo(ctx, id)
		return access.RepoTarget(rp), err
	},
	domain.ResourceUnit: func(ctx context.Context, r repo.Repo, id uuid.UUID) (access.Target, error) {
		u, err := r.GetUnit(ctx, id)
		return access.UnitTarget(u), err
	},
	domain.ResourceUnitNode: func(ctx context.Context, r repo.Repo, id uuid.UUID) (access.Target, error) {
		n, err := r.GetUnitNode(ctx, id)
		return access.NodeTarget(n), err
	},
}

type agentLoader func(ctx context.Context, r repo.Repo, id uuid.UUID) error

var agentLoaders = map[domain.AgentType]agentLoader{
	domain.AgentTypeUser: func(ctx context.Context, r repo.Repo, id uuid.UUID) error {
		_, err := r.GetUser(ctx, id)
		return err
	},
	domain.AgentTypeUnit: func(ctx context.Context, r repo.Repo, id uuid.UUID) error {
		_, err := r.GetUnit(ctx, id)
		return err
	},
}

// loadResource resolves ref through the closed loader map. Unknown tags are
// not found.
func (e Engine) loadResource(ctx context.Context, ref domain.ResourceRef) (access.Target, error) {
	load, ok := resourceLoaders[ref.Type]
	if !ok {
		return access.Target{}, fmt.Errorf("resource type %q: %w", ref.Type, repo.ErrNotFound)
	}
	t, err := load(ctx, e.Repo, ref.UUID)
	if err != nil {
		return access.Target{}, fmt.Errorf("resource %s: %w", ref, err)
	}
	return t, nil
}

func (e Engine) loadAgent(ctx context.Context, ref domain.AgentRef) error {
	load, ok := agentLoaders[ref.Type]
	if !ok {
		return fmt.Errorf("agent type %q: %w", ref.Type, repo.ErrNotFound)
	}
	if err := load(ctx, e.Repo, ref.UUID); err != nil {
		return fmt.Errorf("agent %s: %w", ref, err)
	}
	return nil
}

// ownedResource checks the agent created the resource behind ref.
func (e Engine) ownedResource(ctx context.Context, agent domain.Agent, ref domain.ResourceRef) error {
	svc := e.service(agent)
	if err := svc.CheckAccess(usersOnly); err != nil {
		return err
	}
	target, err := e.loadResource(ctx, ref)
	if err != nil {
		return err
	}
	return svc.CheckOwnership(target, creatorOwnship...)
}

// CreatePermission grants holder access to resource. Only the resource
// creator may grant.
func (e Engine) CreatePermission(ctx context.Context, agent domain.Agent, holder domain.AgentRef, resource domain.ResourceRef) (domain.Permission, error) {
	if _, err := domain.ParseAgentType(string(holder.Type)); err != nil {
		return domain.Permission{}, invalid("%v", err)
	}
	if _, err := domain.ParseResourceType(string(resource.Type)); err != nil {
		return domain.Permission{}, invalid("%v", err)
	}
	if err := e.ownedResource(ctx, agent, resource); err != nil {
		return domain.Permission{}, err
	}
	if err := e.loadAgent(ctx, holder); err != nil {
		return domain.Permission{}, err
	}
	p := domain.Permission{UUID: uuid.New(), Agent: holder, Resource: resource, CreateDatetime: e.now()}
	if err := e.Repo.InsertPermission(ctx, p); err != nil {
		return domain.Permission{}, err
	}
	return p, nil
}

// DeletePermission revokes a grant. The resource creator or the holder itself
// may do so.
func (e Engine) DeletePermission(ctx context.Context, agent domain.Agent, permissionUUID uuid.UUID) error {
	p, err := e.Repo.GetPermission(ctx, permissionUUID)
	if err != nil {
		return fmt.Errorf("permission %s: %w", permissionUUID, err)
	}
	if ref, err := agent.Ref(); err != nil || ref != p.Agent {
		if err := e.ownedResource(ctx, agent, p.Resource); err != nil {
			return err
		}
	}
	return e.Repo.DeletePermission(ctx, permissionUUID)
}

func (e Engine) ListPermissions(ctx context.Context, agent domain.Agent, resource domain.ResourceRef) ([]domain.Permission, error) {
	if err := e.ownedResource(ctx, agent, resource); err != nil {
		return nil, err
	}
	return e.Repo.ListResourcePermissions(ctx, resource)
}
