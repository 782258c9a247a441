package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AgentType string

const (
	AgentTypeUser    AgentType = "User"
	AgentTypeUnit    AgentType = "Unit"
	AgentTypeBackend AgentType = "Backend"
	AgentTypeBot     AgentType = "Bot"
)

type AgentStatus string

const (
	AgentStatusUnverified AgentStatus = "Unverified"
	AgentStatusVerified   AgentStatus = "Verified"
	AgentStatusBlocked    AgentStatus = "Blocked"
)

type UserRole string

const (
	UserRoleUser  UserRole = "User"
	UserRoleAdmin UserRole = "Admin"
)

type VisibilityLevel string

const (
	VisibilityPublic   VisibilityLevel = "Public"
	VisibilityInternal VisibilityLevel = "Internal"
	VisibilityPrivate  VisibilityLevel = "Private"
)

// ParseVisibilityLevel rejects anything outside the three known tiers.
func ParseVisibilityLevel(v string) (VisibilityLevel, error) {
	switch VisibilityLevel(v) {
	case VisibilityPublic, VisibilityInternal, VisibilityPrivate:
		return VisibilityLevel(v), nil
	}
	return "", fmt.Errorf("invalid visibility level %q", v)
}

// Agent is any authenticated (or anonymous Bot) actor.
type Agent struct {
	UUID   uuid.UUID   `json:"uuid"`
	Name   string      `json:"name"`
	Type   AgentType   `json:"type"`
	Status AgentStatus `json:"status,omitempty"`
	Role   UserRole    `json:"role,omitempty"`
}

type User struct {
	UUID           uuid.UUID   `json:"uuid"`
	Login          string      `json:"login"`
	Role           UserRole    `json:"role"`
	Status         AgentStatus `json:"status"`
	TelegramChatID string      `json:"telegram_chat_id,omitempty"`
	CreateDatetime time.Time   `json:"create_datetime"`
}

func (u User) Agent() Agent {
	return Agent{UUID: u.UUID, Name: u.Login, Type: AgentTypeUser, Status: u.Status, Role: u.Role}
}

type Repo struct {
	UUID           uuid.UUID       `json:"uuid"`
	Name           string          `json:"name"`
	Visibility     VisibilityLevel `json:"visibility_level"`
	CreatorUUID    uuid.UUID       `json:"creator_uuid"`
	CreateDatetime time.Time       `json:"create_datetime"`
}

type Unit struct {
	UUID           uuid.UUID       `json:"uuid"`
	Name           string          `json:"name"`
	Visibility     VisibilityLevel `json:"visibility_level"`
	CreatorUUID    uuid.UUID       `json:"creator_uuid"`
	RepoUUID       *uuid.UUID      `json:"repo_uuid,omitempty"`
	CreateDatetime time.Time       `json:"create_datetime"`
}

func (u Unit) Agent() Agent {
	return Agent{UUID: u.UUID, Name: u.Name, Type: AgentTypeUnit, Status: AgentStatusVerified}
}

type UnitNodeType string

const (
	UnitNodeInput  UnitNodeType = "Input"
	UnitNodeOutput UnitNodeType = "Output"
)

type UnitNode struct {
	UUID               uuid.UUID       `json:"uuid"`
	Type               UnitNodeType    `json:"type"`
	Visibility         VisibilityLevel `json:"visibility_level"`
	IsRewritableInput  bool            `json:"is_rewritable_input"`
	TopicName          string          `json:"topic_name"`
	State              *string         `json:"state,omitempty"`
	LastUpdateDatetime *time.Time      `json:"last_update_datetime,omitempty"`
	UnitUUID           uuid.UUID       `json:"unit_uuid"`
	CreatorUUID        uuid.UUID       `json:"creator_uuid"`
	IsDataPipeActive   bool            `json:"is_data_pipe_active"`
	DataPipeYAML       string          `json:"data_pipe_yml,omitempty"`
	CreateDatetime     time.Time       `json:"create_datetime"`
}

type UnitNodeEdge struct {
	UUID           uuid.UUID `json:"uuid"`
	NodeOutputUUID uuid.UUID `json:"node_output_uuid"`
	NodeInputUUID  uuid.UUID `json:"node_input_uuid"`
	CreatorUUID    uuid.UUID `json:"creator_uuid"`
	CreateDatetime time.Time `json:"create_datetime"`
}
