package access

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"pepeunit/internal/domain"
)

// PermissionLookup answers questions about the permission graph.
type PermissionLookup interface {
	HasPermission(ctx context.Context, agent domain.AgentRef, resource domain.ResourceRef) (bool, error)
	ResourceUUIDs(ctx context.Context, agent domain.AgentRef, resourceType domain.ResourceType) ([]uuid.UUID, error)
}

type OwnershipType string

const (
	OwnershipCreator         OwnershipType = "CREATOR"
	OwnershipUnit            OwnershipType = "UNIT"
	OwnershipUnitToInputNode OwnershipType = "UNIT_TO_INPUT_NODE"
)

// Target carries the fields ownership checks read from an entity.
type Target struct {
	CreatorUUID       uuid.UUID
	UnitUUID          uuid.UUID
	IsRewritableInput bool
}

func UnitTarget(u domain.Unit) Target {
	return Target{CreatorUUID: u.CreatorUUID, UnitUUID: u.UUID}
}

func NodeTarget(n domain.UnitNode) Target {
	return Target{CreatorUUID: n.CreatorUUID, UnitUUID: n.UnitUUID, IsRewritableInput: n.IsRewritableInput}
}

func RepoTarget(r domain.Repo) Target {
	return Target{CreatorUUID: r.CreatorUUID}
}

var defaultRoles = []domain.UserRole{domain.UserRoleUser, domain.UserRoleAdmin}

// Service runs capability checks for one resolved agent.
type Service struct {
	Agent       domain.Agent
	Permissions PermissionLookup
}

// CheckAccess rejects agents outside types. User agents must also hold one of
// roles, which defaults to User and Admin.
func (s Service) CheckAccess(types []domain.AgentType, roles ...domain.UserRole) error {
	if !slices.Contains(types, s.Agent.Type) {
		return rejected(fmt.Sprintf("Agent type %s is not allowed", s.Agent.Type))
	}
	if s.Agent.Type != domain.AgentTypeUser {
		return nil
	}
	if len(roles) == 0 {
		roles = defaultRoles
	}
	if !slices.Contains(roles, s.Agent.Role) {
		return rejected(fmt.Sprintf("Role %s is not allowed", s.Agent.Role))
	}
	return nil
}

// CheckOwnership passes when any of kinds holds for target.
func (s Service) CheckOwnership(target Target, kinds ...OwnershipType) error {
	reason := "No ownership rules given"
	for _, kind := range kinds {
		switch kind {
		case OwnershipCreator:
			if s.Agent.Type == domain.AgentTypeUser && s.Agent.UUID == target.CreatorUUID {
				return nil
			}
			reason = "Agent is not the creator"
		case OwnershipUnit:
			if s.Agent.Type == domain.AgentTypeUnit && s.Agent.UUID == target.UnitUUID {
				return nil
			}
			reason = "Agent is not the owning Unit"
		case OwnershipUnitToInputNode:
			if target.IsRewritableInput {
				return nil
			}
			reason = "Input is not rewritable"
		default:
			return rejected(fmt.Sprintf("Unknown ownership type %s", kind))
		}
	}
	return rejected(reason)
}

// CheckVisibility gates reads of a resource by its visibility level.
func (s Service) CheckVisibility(ctx context.Context, resource domain.ResourceRef, level domain.VisibilityLevel) error {
	switch level {
	case domain.VisibilityPublic:
		return nil
	case domain.VisibilityInternal:
		if s.Agent.Type == domain.AgentTypeUser || s.Agent.Type == domain.AgentTypeUnit {
			return nil
		}
		return rejected("Internal visibility level is not allowed")
	case domain.VisibilityPrivate:
		ref, err := s.Agent.Ref()
		if err != nil || s.Permissions == nil {
			return rejected("Private visibility level is not allowed")
		}
		ok, err := s.Permissions.HasPermission(ctx, ref, resource)
		if err != nil {
			return err
		}
		if !ok {
			return rejected("Private visibility level is not allowed")
		}
		return nil
	}
	return rejected(fmt.Sprintf("Unknown visibility level %s", level))
}

// AccessRestriction lists the resources of resourceType the agent holds a
// permission edge to. Agents that cannot hold edges get none.
func (s Service) AccessRestriction(ctx context.Context, resourceType domain.ResourceType) ([]uuid.UUID, error) {
	ref, err := s.Agent.Ref()
	if err != nil || s.Permissions == nil {
		return nil, nil
	}
	return s.Permissions.ResourceUUIDs(ctx, ref, resourceType)
}

// AvailableVisibilityLevels narrows the levels a list query may return.
func (s Service) AvailableVisibilityLevels(levels []domain.VisibilityLevel, restriction []uuid.UUID) []domain.VisibilityLevel {
	if s.Agent.Type == domain.AgentTypeBot {
		return []domain.VisibilityLevel{domain.VisibilityPublic}
	}
	out := []domain.VisibilityLevel{domain.VisibilityPublic, domain.VisibilityInternal}
	if len(restriction) == 0 {
		return out
	}
	for _, l := range levels {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}
