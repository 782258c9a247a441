package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ResourceType string

const (
	ResourceRepo     ResourceType = "Repo"
	ResourceUnit     ResourceType = "Unit"
	ResourceUnitNode ResourceType = "UnitNode"
)

// ParseAgentType accepts only agents that may hold a permission edge.
func ParseAgentType(v string) (AgentType, error) {
	switch AgentType(v) {
	case AgentTypeUser, AgentTypeUnit:
		return AgentType(v), nil
	}
	return "", fmt.Errorf("invalid permission agent type %q", v)
}

func ParseResourceType(v string) (ResourceType, error) {
	switch ResourceType(v) {
	case ResourceRepo, ResourceUnit, ResourceUnitNode:
		return ResourceType(v), nil
	}
	return "", fmt.Errorf("invalid permission resource type %q", v)
}

// AgentRef is the agent side of a permission edge.
type AgentRef struct {
	Type AgentType `json:"agent_type"`
	UUID uuid.UUID `json:"agent_uuid"`
}

func (r AgentRef) String() string { return string(r.Type) + ":" + r.UUID.String() }

// ResourceRef is the resource side of a permission edge.
type ResourceRef struct {
	Type ResourceType `json:"resource_type"`
	UUID uuid.UUID    `json:"resource_uuid"`
}

func (r ResourceRef) String() string { return string(r.Type) + ":" + r.UUID.String() }

type Permission struct {
	UUID           uuid.UUID   `json:"uuid"`
	Agent          AgentRef    `json:"agent"`
	Resource       ResourceRef `json:"resource"`
	CreateDatetime time.Time   `json:"create_datetime"`
}

func (r Repo) Ref() ResourceRef     { return ResourceRef{Type: ResourceRepo, UUID: r.UUID} }
func (u Unit) Ref() ResourceRef     { return ResourceRef{Type: ResourceUnit, UUID: u.UUID} }
func (n UnitNode) Ref() ResourceRef { return ResourceRef{Type: ResourceUnitNode, UUID: n.UUID} }

// Ref returns the permission agent reference, valid only for User and Unit agents.
func (a Agent) Ref() (AgentRef, error) {
	if _, err := ParseAgentType(string(a.Type)); err != nil {
		return AgentRef{}, err
	}
	return AgentRef{Type: a.Type, UUID: a.UUID}, nil
}
