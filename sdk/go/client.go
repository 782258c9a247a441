package pepeunitsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pepeunit HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Token:    token,
		Timeout:  10 * time.Second,
	}
}

// UnitNode represents the API unit node model (partial).
type UnitNode struct {
	UUID               string     `json:"uuid"`
	Type               string     `json:"type"`
	VisibilityLevel    string     `json:"visibility_level"`
	IsRewritableInput  bool       `json:"is_rewritable_input"`
	TopicName          string     `json:"topic_name"`
	State              *string    `json:"state,omitempty"`
	LastUpdateDatetime *time.Time `json:"last_update_datetime,omitempty"`
	UnitUUID           string     `json:"unit_uuid"`
	IsDataPipeActive   bool       `json:"is_data_pipe_active"`
}

// Record is one stored time-series row.
type Record struct {
	ID                  int64      `json:"id,omitempty"`
	UnitNodeUUID        string     `json:"unit_node_uuid"`
	Policy              string     `json:"policy"`
	State               string     `json:"state"`
	CreateDatetime      time.Time  `json:"create_datetime"`
	ExpirationDatetime  *time.Time `json:"expiration_datetime,omitempty"`
	StartWindowDatetime *time.Time `json:"start_window_datetime,omitempty"`
	EndWindowDatetime   *time.Time `json:"end_window_datetime,omitempty"`
	AggregationType     string     `json:"aggregation_type,omitempty"`
}

// FieldError is one violated DataPipe rule.
type FieldError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type CheckResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors"`
}

type ImportResult struct {
	UnitNodeUUID string `json:"unit_node_uuid"`
	Policy       string `json:"policy"`
	Rows         int    `json:"rows"`
}

type Edge struct {
	UUID           string `json:"uuid"`
	NodeOutputUUID string `json:"node_output_uuid"`
	NodeInputUUID  string `json:"node_input_uuid"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CheckDataPipe reports every violated rule of doc without storing it.
func (c *Client) CheckDataPipe(ctx context.Context, doc []byte) (CheckResult, error) {
	var resp CheckResult
	err := c.doRaw(ctx, http.MethodPost, "data-pipe/check", "application/yaml", bytes.NewReader(doc), &resp)
	return resp, err
}

// SetDataPipe stores doc on a unit node.
func (c *Client) SetDataPipe(ctx context.Context, nodeUUID string, doc []byte) (UnitNode, error) {
	var resp UnitNode
	err := c.doRaw(ctx, http.MethodPut, nodePath(nodeUUID, "data-pipe"), "application/yaml", bytes.NewReader(doc), &resp)
	return resp, err
}

// ImportCSV replaces the stored records of a unit node.
func (c *Client) ImportCSV(ctx context.Context, nodeUUID string, csv io.Reader) (ImportResult, error) {
	var resp ImportResult
	err := c.doRaw(ctx, http.MethodPost, nodePath(nodeUUID, "data-pipe/import"), "text/csv", csv, &resp)
	return resp, err
}

func (c *Client) GetUnitNode(ctx context.Context, nodeUUID string) (UnitNode, error) {
	var resp UnitNode
	err := c.do(ctx, http.MethodGet, nodePath(nodeUUID, ""), nil, &resp)
	return resp, err
}

// SetState writes a value through the node's DataPipe.
func (c *Client) SetState(ctx context.Context, nodeUUID, state string) (UnitNode, error) {
	var resp UnitNode
	err := c.do(ctx, http.MethodPost, nodePath(nodeUUID, "state"), map[string]any{"state": state}, &resp)
	return resp, err
}

func (c *Client) ListRecords(ctx context.Context, nodeUUID string, limit int) ([]Record, error) {
	endpoint := nodePath(nodeUUID, "records")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Record `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateEdge links an Output node to an Input node.
func (c *Client) CreateEdge(ctx context.Context, outputUUID, inputUUID string) (Edge, error) {
	body := map[string]any{
		"node_output_uuid": outputUUID,
		"node_input_uuid":  inputUUID,
	}
	var resp Edge
	err := c.do(ctx, http.MethodPost, "unit-node-edges", body, &resp)
	return resp, err
}

func (c *Client) DeleteEdge(ctx context.Context, edgeUUID string) error {
	return c.do(ctx, http.MethodDelete, "unit-node-edges/"+url.PathEscape(edgeUUID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func nodePath(nodeUUID, p string) string {
	endpoint := "unit-nodes/" + url.PathEscape(nodeUUID)
	if p != "" {
		endpoint += "/" + p
	}
	return endpoint
}

func (c *Client) url(endpoint string) string {
	basePath := strings.Trim(c.BasePath, "/")
	u := strings.TrimRight(c.BaseURL, "/")
	if basePath != "" {
		u += "/" + basePath
	}
	return u + "/" + strings.TrimLeft(endpoint, "/")
}
