package server

import (
	"bytes"
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pepeunit/internal/domain"
	"pepeunit/internal/engine"
)

type NodePath struct {
	UUID string `path:"uuid" format:"uuid"`
}

func registerDataPipe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "check-data-pipe",
		Method:      http.MethodPost,
		Path:        "/data-pipe/check",
		Summary:     "Validate a DataPipe document and report every violated rule",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body CheckDataPipeResponse `json:"body"`
	}, error) {
		errs, err := e.CheckDataPipe(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		resp := CheckDataPipeResponse{Valid: len(errs) == 0, Errors: errs}
		if resp.Errors == nil {
			resp.Errors = emptyFieldErrors
		}
		return &struct {
			Body CheckDataPipeResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-data-pipe",
		Method:      http.MethodGet,
		Path:        "/unit-nodes/{uuid}/data-pipe",
		Summary:     "Stored DataPipe document of a unit node",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *NodePath) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		doc, err := e.GetDataPipe(ctx, agentFromContext(ctx), id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "application/yaml", Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-data-pipe",
		Method:      http.MethodPut,
		Path:        "/unit-nodes/{uuid}/data-pipe",
		Summary:     "Replace the DataPipe document of a unit node",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		NodePath
		RawBody []byte
	}) (*struct {
		Body domain.UnitNode `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		node, err := e.SetDataPipe(ctx, agentFromContext(ctx), id, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitNode `json:"body"`
		}{Body: node}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-data-pipe-csv",
		Method:      http.MethodPost,
		Path:        "/unit-nodes/{uuid}/data-pipe/import",
		Summary:     "Replace the stored records of a unit node from CSV",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		NodePath
		RawBody []byte
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		res, err := e.ImportCSV(ctx, agentFromContext(ctx), id, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/unit-nodes/{uuid}/records",
		Summary:     "Stored time-series records of a unit node",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		NodePath
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		recs, err := e.ListRecords(ctx, agentFromContext(ctx), id, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := RecordListResponse{Items: recs}
		if resp.Items == nil {
			resp.Items = emptyRecords
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerUnitNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-unit-nodes",
		Method:      http.MethodGet,
		Path:        "/unit-nodes",
		Summary:     "List unit nodes visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UnitUUID    string   `query:"unit_uuid"`
		Type        string   `query:"type" enum:"Input,Output"`
		SearchTopic string   `query:"search_topic"`
		Levels      []string `query:"visibility_level"`
		Limit       int      `query:"limit" default:"50"`
		Offset      int      `query:"offset"`
	}) (*struct {
		Body UnitNodeListResponse `json:"body"`
	}, error) {
		q := engine.NodeQuery{
			Type:        domain.UnitNodeType(input.Type),
			SearchTopic: input.SearchTopic,
			Limit:       normalizeLimit(input.Limit),
			Offset:      input.Offset,
		}
		if input.UnitUUID != "" {
			id, perr := parseUUID("unit_uuid", input.UnitUUID)
			if perr != nil {
				return nil, perr
			}
			q.UnitUUID = &id
		}
		for _, raw := range input.Levels {
			level, err := domain.ParseVisibilityLevel(raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			q.Levels = append(q.Levels, level)
		}
		nodes, err := e.ListUnitNodes(ctx, agentFromContext(ctx), q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := UnitNodeListResponse{Items: nodes}
		if resp.Items == nil {
			resp.Items = emptyNodes
		}
		return &struct {
			Body UnitNodeListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit-node",
		Method:      http.MethodGet,
		Path:        "/unit-nodes/{uuid}",
		Summary:     "Get a unit node",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *NodePath) (*struct {
		Body domain.UnitNode `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		node, err := e.GetUnitNode(ctx, agentFromContext(ctx), id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitNode `json:"body"`
		}{Body: node}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-unit-node",
		Method:      http.MethodPatch,
		Path:        "/unit-nodes/{uuid}",
		Summary:     "Update visibility and DataPipe flags of a unit node",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		NodePath
		Body UpdateUnitNodeRequest
	}) (*struct {
		Body domain.UnitNode `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		patch := engine.UnitNodePatch{
			IsRewritableInput: input.Body.IsRewritableInput,
			IsDataPipeActive:  input.Body.IsDataPipeActive,
		}
		if input.Body.VisibilityLevel != nil {
			level := domain.VisibilityLevel(*input.Body.VisibilityLevel)
			patch.Visibility = &level
		}
		node, err := e.UpdateUnitNode(ctx, agentFromContext(ctx), id, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitNode `json:"body"`
		}{Body: node}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-unit-node-state",
		Method:      http.MethodPost,
		Path:        "/unit-nodes/{uuid}/state",
		Summary:     "Write a value to a unit node through its DataPipe",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		NodePath
		Body SetStateRequest
	}) (*struct {
		Body domain.UnitNode `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		node, err := e.SetState(ctx, agentFromContext(ctx), id, input.Body.State)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitNode `json:"body"`
		}{Body: node}, nil
	})
}

func registerEdges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-unit-node-edges",
		Method:      http.MethodGet,
		Path:        "/unit-nodes/{uuid}/edges",
		Summary:     "Links leaving an Output node",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *NodePath) (*struct {
		Body EdgeListResponse `json:"body"`
	}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		edges, err := e.ListEdges(ctx, agentFromContext(ctx), id)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EdgeListResponse{Items: edges}
		if resp.Items == nil {
			resp.Items = emptyEdges
		}
		return &struct {
			Body EdgeListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-unit-node-edge",
		Method:      http.MethodPost,
		Path:        "/unit-node-edges",
		Summary:     "Link an Output node to an Input node",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEdgeRequest
	}) (*struct {
		Body domain.UnitNodeEdge `json:"body"`
	}, error) {
		out, perr := parseUUID("node_output_uuid", input.Body.NodeOutputUUID)
		if perr != nil {
			return nil, perr
		}
		in, perr := parseUUID("node_input_uuid", input.Body.NodeInputUUID)
		if perr != nil {
			return nil, perr
		}
		edge, err := e.CreateEdge(ctx, agentFromContext(ctx), out, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitNodeEdge `json:"body"`
		}{Body: edge}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-unit-node-edge",
		Method:        http.MethodDelete,
		Path:          "/unit-node-edges/{uuid}",
		Summary:       "Remove a link",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *NodePath) (*struct{}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		if err := e.DeleteEdge(ctx, agentFromContext(ctx), id); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPermissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-permission",
		Method:      http.MethodPost,
		Path:        "/permissions",
		Summary:     "Grant an agent access to a resource",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreatePermissionRequest
	}) (*struct {
		Body domain.Permission `json:"body"`
	}, error) {
		agentID, perr := parseUUID("agent_uuid", input.Body.AgentUUID)
		if perr != nil {
			return nil, perr
		}
		resourceID, perr := parseUUID("resource_uuid", input.Body.ResourceUUID)
		if perr != nil {
			return nil, perr
		}
		p, err := e.CreatePermission(ctx, agentFromContext(ctx),
			domain.AgentRef{Type: domain.AgentType(input.Body.AgentType), UUID: agentID},
			domain.ResourceRef{Type: domain.ResourceType(input.Body.ResourceType), UUID: resourceID},
		)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Permission `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-permissions",
		Method:      http.MethodGet,
		Path:        "/permissions",
		Summary:     "Permission edges of a resource",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type" required:"true"`
		ResourceUUID string `query:"resource_uuid" required:"true"`
	}) (*struct {
		Body PermissionListResponse `json:"body"`
	}, error) {
		rt, err := domain.ParseResourceType(input.ResourceType)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		id, perr := parseUUID("resource_uuid", input.ResourceUUID)
		if perr != nil {
			return nil, perr
		}
		perms, err := e.ListPermissions(ctx, agentFromContext(ctx), domain.ResourceRef{Type: rt, UUID: id})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PermissionListResponse{Items: perms}
		if resp.Items == nil {
			resp.Items = emptyPermissions
		}
		return &struct {
			Body PermissionListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-permission",
		Method:        http.MethodDelete,
		Path:          "/permissions/{uuid}",
		Summary:       "Revoke a permission edge",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *NodePath) (*struct{}, error) {
		id, perr := parseUUID("uuid", input.UUID)
		if perr != nil {
			return nil, perr
		}
		if err := e.DeletePermission(ctx, agentFromContext(ctx), id); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
