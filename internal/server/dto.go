package server

import (
	"pepeunit/internal/datapipe"
	"pepeunit/internal/domain"
	"pepeunit/internal/events"
)

// Request payloads

type SetStateRequest struct {
	State string `json:"state"`
}

type UpdateUnitNodeRequest struct {
	VisibilityLevel   *string `json:"visibility_level,omitempty" enum:"Public,Internal,Private"`
	IsRewritableInput *bool   `json:"is_rewritable_input,omitempty"`
	IsDataPipeActive  *bool   `json:"is_data_pipe_active,omitempty"`
}

type CreateEdgeRequest struct {
	NodeOutputUUID string `json:"node_output_uuid" format:"uuid"`
	NodeInputUUID  string `json:"node_input_uuid" format:"uuid"`
}

type CreatePermissionRequest struct {
	AgentType    string `json:"agent_type"`
	AgentUUID    string `json:"agent_uuid" format:"uuid"`
	ResourceType string `json:"resource_type"`
	ResourceUUID string `json:"resource_uuid" format:"uuid"`
}

// MQTTAuthRequest is the broker's connect hook payload. Units and the backend
// connect with their token as username.
type MQTTAuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"clientid,omitempty"`
}

type MQTTACLRequest struct {
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Action   string `json:"action" enum:"publish,subscribe"`
	ClientID string `json:"clientid,omitempty"`
}

// Response payloads

type CheckDataPipeResponse struct {
	Valid  bool                  `json:"valid"`
	Errors []datapipe.FieldError `json:"errors"`
}

type UnitNodeListResponse struct {
	Items []domain.UnitNode `json:"items"`
}

type RecordListResponse struct {
	Items []domain.Record `json:"items"`
}

type EdgeListResponse struct {
	Items []domain.UnitNodeEdge `json:"items"`
}

type PermissionListResponse struct {
	Items []domain.Permission `json:"items"`
}

type DropListResponse struct {
	Items []events.Drop `json:"items"`
}

type MQTTHookResponse struct {
	Result      string `json:"result" enum:"allow,deny"`
	IsSuperuser bool   `json:"is_superuser"`
}

var (
	emptyFieldErrors = []datapipe.FieldError{}
	emptyNodes       = []domain.UnitNode{}
	emptyRecords     = []domain.Record{}
	emptyEdges       = []domain.UnitNodeEdge{}
	emptyPermissions = []domain.Permission{}
	emptyDrops       = []events.Drop{}
)
