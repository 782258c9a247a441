package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/access"
	"pepeunit/internal/domain"
	"pepeunit/internal/repo"
)

// SetState is the HTTP-origin write of a node's value.
func (e Engine) SetState(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, value string) (domain.UnitNode, error) {
	return e.Router.SetState(ctx, agent, nodeUUID, value)
}

func (e Engine) GetUnitNode(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID) (domain.UnitNode, error) {
	return e.readableNode(ctx, agent, nodeUUID)
}

// UnitNodePatch carries the user-editable fields of a node. Nil fields are kept.
type UnitNodePatch struct {
	Visibility        *domain.VisibilityLevel
	IsRewritableInput *bool
	IsDataPipeActive  *bool
}

func (e Engine) UpdateUnitNode(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, patch UnitNodePatch) (domain.UnitNode, error) {
	node, err := e.ownedNode(ctx, agent, nodeUUID)
	if err != nil {
		return domain.UnitNode{}, err
	}
	if patch.Visibility != nil {
		if _, err := domain.ParseVisibilityLevel(string(*patch.Visibility)); err != nil {
			return domain.UnitNode{}, invalid("%v", err)
		}
		node.Visibility = *patch.Visibility
	}
	if patch.IsRewritableInput != nil {
		if *patch.IsRewritableInput && node.Type == domain.UnitNodeOutput {
			return domain.UnitNode{}, invalid("is_rewritable_input applies only to Input nodes")
		}
		node.IsRewritableInput = *patch.IsRewritableInput
	}
	if patch.IsDataPipeActive != nil {
		if *patch.IsDataPipeActive {
			if _, err := e.storedPipeline(node); err != nil {
				return domain.UnitNode{}, err
			}
		}
		node.IsDataPipeActive = *patch.IsDataPipeActive
	}
	if err := e.Repo.UpdateUnitNode(ctx, node); err != nil {
		return domain.UnitNode{}, err
	}
	return node, nil
}

// NodeQuery is a list request. Levels narrows the requested visibility tiers;
// empty asks for every tier the agent may see.
type NodeQuery struct {
	UnitUUID    *uuid.UUID
	Type        domain.UnitNodeType
	SearchTopic string
	Levels      []domain.VisibilityLevel
	Limit       int
	Offset      int
}

var allLevels = []domain.VisibilityLevel{domain.VisibilityPublic, domain.VisibilityInternal, domain.VisibilityPrivate}

// ListUnitNodes returns the nodes visible to agent. Private nodes are only
// returned when the agent holds a permission edge to them.
func (e Engine) ListUnitNodes(ctx context.Context, agent domain.Agent, q NodeQuery) ([]domain.UnitNode, error) {
	svc := e.service(agent)
	if err := svc.CheckAccess(anyReader); err != nil {
		return nil, err
	}
	restriction, err := svc.AccessRestriction(ctx, domain.ResourceUnitNode)
	if err != nil {
		return nil, err
	}
	requested := q.Levels
	if len(requested) == 0 {
		requested = allLevels
	}
	available := svc.AvailableVisibilityLevels(requested, restriction)
	var levels []domain.VisibilityLevel
	for _, l := range requested {
		if slices.Contains(available, l) {
			levels = append(levels, l)
		}
	}
	return e.Repo.ListUnitNodes(ctx, repo.UnitNodeFilter{
		UnitUUID:         q.UnitUUID,
		Type:             q.Type,
		SearchTopic:      q.SearchTopic,
		VisibilityLevels: levels,
		RestrictedUUIDs:  restriction,
		Limit:            q.Limit,
		Offset:           q.Offset,
	})
}

// CreateEdge links an Output node to an Input node. Any user who can see both
// endpoints may link them; a duplicate link is a conflict.
func (e Engine) CreateEdge(ctx context.Context, agent domain.Agent, outputUUID, inputUUID uuid.UUID) (domain.UnitNodeEdge, error) {
	if err := e.service(agent).CheckAccess(usersOnly); err != nil {
		return domain.UnitNodeEdge{}, err
	}
	output, err := e.readableNode(ctx, agent, outputUUID)
	if err != nil {
		return domain.UnitNodeEdge{}, err
	}
	input, err := e.readableNode(ctx, agent, inputUUID)
	if err != nil {
		return domain.UnitNodeEdge{}, err
	}
	if output.Type != domain.UnitNodeOutput {
		return domain.UnitNodeEdge{}, invalid("edge source %s is an %s node", output.UUID, output.Type)
	}
	if input.Type != domain.UnitNodeInput {
		return domain.UnitNodeEdge{}, invalid("edge target %s is an %s node", input.UUID, input.Type)
	}
	edge := domain.UnitNodeEdge{
		UUID:           uuid.New(),
		NodeOutputUUID: output.UUID,
		NodeInputUUID:  input.UUID,
		CreatorUUID:    agent.UUID,
		CreateDatetime: e.now(),
	}
	if err := e.Repo.InsertEdge(ctx, edge); err != nil {
		return domain.UnitNodeEdge{}, err
	}
	e.Logger.WithFields(logrus.Fields{"output": output.UUID.String(), "input": input.UUID.String()}).Info("edge created")
	return edge, nil
}

// DeleteEdge removes a link. Its creator or the creator of the input may do so.
func (e Engine) DeleteEdge(ctx context.Context, agent domain.Agent, edgeUUID uuid.UUID) error {
	svc := e.service(agent)
	if err := svc.CheckAccess(usersOnly); err != nil {
		return err
	}
	edge, err := e.Repo.GetEdge(ctx, edgeUUID)
	if err != nil {
		return fmt.Errorf("edge %s: %w", edgeUUID, err)
	}
	if edge.CreatorUUID != agent.UUID {
		input, err := e.Repo.GetUnitNode(ctx, edge.NodeInputUUID)
		if err != nil {
			return err
		}
		if err := svc.CheckOwnership(access.NodeTarget(input), creatorOwnship...); err != nil {
			return err
		}
	}
	return e.Repo.DeleteEdge(ctx, edgeUUID)
}

// ListEdges returns the links leaving an Output node.
func (e Engine) ListEdges(ctx context.Context, agent domain.Agent, outputUUID uuid.UUID) ([]domain.UnitNodeEdge, error) {
	if _, err := e.readableNode(ctx, agent, outputUUID); err != nil {
		return nil, err
	}
	return e.Repo.ListEdgesFrom(ctx, outputUUID)
}
