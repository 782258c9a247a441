package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/access"
	"pepeunit/internal/datapipe"
	"pepeunit/internal/domain"
	"pepeunit/internal/events"
	"pepeunit/internal/observability"
	"pepeunit/internal/repo"
)

type NodeStore interface {
	GetUnitNode(ctx context.Context, id uuid.UUID) (domain.UnitNode, error)
	UpdateUnitNodeState(ctx context.Context, id uuid.UUID, state string, at time.Time) error
}

type EdgeStore interface {
	ListEdgesFrom(ctx context.Context, outputUUID uuid.UUID) ([]domain.UnitNodeEdge, error)
}

type RecordStore interface {
	InsertRecords(ctx context.Context, recs []domain.Record) error
	TrimNRecords(ctx context.Context, nodeUUID uuid.UUID, keep int) error
	DeleteExpiredRecords(ctx context.Context, nodeUUID uuid.UUID, now time.Time) error
	GetAggregate(ctx context.Context, nodeUUID uuid.UUID, fn domain.AggregationFunction, size int, start time.Time) (domain.Record, error)
	SaveAggregate(ctx context.Context, rec domain.Record) error
}

// Publisher is the pub/sub side used for propagation.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type DropSink interface {
	Append(ctx context.Context, d events.Drop) error
}

type Metrics interface {
	Accepted(policy string)
	Dropped(reason string)
	Propagated(ok bool)
}

// Drop reasons recorded for MQTT-origin values.
const (
	ReasonMalformedTopic  = "malformed_topic"
	ReasonForeignDomain   = "foreign_domain"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonNodeNotFound    = "node_not_found"
	ReasonTopicMismatch   = "topic_mismatch"
	ReasonUnauthorized    = "unauthorized"
	ReasonFiltered        = "filtered"
)

var (
	ErrMalformedTopic  = errors.New("malformed topic")
	ErrForeignDomain   = errors.New("topic belongs to another domain")
	ErrPayloadTooLarge = errors.New("payload exceeds mqtt_max_payload_size")
	ErrTopicMismatch   = errors.New("topic does not match the unit node type")
)

// Inbound is one message delivered by the transport.
type Inbound struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Publisher domain.Agent
}

// Outcome describes what happened to an inbound message. Dropped messages have
// Reason set and are never reported as errors.
type Outcome struct {
	Accepted bool
	Relayed  bool
	NodeUUID uuid.UUID
	State    string
	Reason   string
	Detail   string
}

// Router authorizes, filters, persists and propagates unit node values.
type Router struct {
	Nodes       NodeStore
	Edges       EdgeStore
	Records     RecordStore
	Permissions access.PermissionLookup
	Publisher   Publisher
	Drops       DropSink
	Metrics     Metrics
	Logger      logrus.FieldLogger
	// Relays remembers values this router published so their broker echo is not ingested twice.
	Relays         *observability.Cache[struct{}]
	Domain         string
	MaxPayloadSize int // KiB
	Now            func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Router) log() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return observability.DiscardLogger().ForComponent("ingest")
}

// AuthorizePublish decides whether agent may publish to topic. The broker ACL
// hook calls it before accepting a publish.
func (r *Router) AuthorizePublish(ctx context.Context, agent domain.Agent, topic string) error {
	_, err := r.target(ctx, agent, topic)
	return err
}

// AuthorizeSubscribe decides whether agent may subscribe to topic. Units may
// only follow topics of their own nodes; the backend may follow anything.
func (r *Router) AuthorizeSubscribe(ctx context.Context, agent domain.Agent, topic string) error {
	if agent.Type == domain.AgentTypeBackend {
		return nil
	}
	svc := access.Service{Agent: agent, Permissions: r.Permissions}
	if err := svc.CheckAccess([]domain.AgentType{domain.AgentTypeUnit}); err != nil {
		return err
	}
	t, ok := ParseTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	if t.Domain != r.Domain {
		return fmt.Errorf("%w: %s", ErrForeignDomain, t.Domain)
	}
	node, err := r.Nodes.GetUnitNode(ctx, t.NodeUUID)
	if err != nil {
		return err
	}
	if t.Output != (node.Type == domain.UnitNodeOutput) {
		return fmt.Errorf("%w: %s is an %s node", ErrTopicMismatch, topic, node.Type)
	}
	return svc.CheckOwnership(access.NodeTarget(node), access.OwnershipUnit)
}

// Ingest runs the pipeline for one MQTT-origin message.
func (r *Router) Ingest(ctx context.Context, in Inbound) (Outcome, error) {
	if r.consumeRelay(in) {
		return Outcome{Relayed: true}, nil
	}
	node, err := r.target(ctx, in.Publisher, in.Topic)
	if err == nil {
		err = r.checkPayload(in.Payload)
	}
	var stored string
	if err == nil {
		stored, err = r.apply(ctx, node, string(in.Payload), r.now())
	}
	if err != nil {
		reason, ok := dropReason(err)
		if !ok {
			return Outcome{}, err
		}
		r.drop(ctx, in, reason, err)
		return Outcome{NodeUUID: node.UUID, Reason: reason, Detail: err.Error()}, nil
	}
	return Outcome{Accepted: true, NodeUUID: node.UUID, State: stored}, nil
}

// SetState is the HTTP-origin write. Authorization failures and filter
// rejections are returned to the caller.
func (r *Router) SetState(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID, value string) (domain.UnitNode, error) {
	node, err := r.Nodes.GetUnitNode(ctx, nodeUUID)
	if err != nil {
		return domain.UnitNode{}, err
	}
	if err := r.authorizeWrite(ctx, agent, node); err != nil {
		return domain.UnitNode{}, err
	}
	if err := r.checkPayload([]byte(value)); err != nil {
		return domain.UnitNode{}, err
	}
	at := r.now()
	state, err := r.apply(ctx, node, value, at)
	if err != nil {
		return domain.UnitNode{}, err
	}
	node.State = &state
	node.LastUpdateDatetime = &at
	if node.Type == domain.UnitNodeInput {
		// The unit listens on its Input topic, not on the database.
		if err := r.deliver(ctx, InputTopic(r.Domain, node.UUID), state); err != nil {
			r.log().WithFields(logrus.Fields{"unit_node_uuid": node.UUID.String(), "error": err}).Error("deliver state")
		}
	}
	return node, nil
}

func (r *Router) target(ctx context.Context, agent domain.Agent, topic string) (domain.UnitNode, error) {
	t, ok := ParseTopic(topic)
	if !ok {
		return domain.UnitNode{}, fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	if t.Domain != r.Domain {
		return domain.UnitNode{}, fmt.Errorf("%w: %s", ErrForeignDomain, t.Domain)
	}
	node, err := r.Nodes.GetUnitNode(ctx, t.NodeUUID)
	if err != nil {
		return domain.UnitNode{UUID: t.NodeUUID}, err
	}
	if t.Output != (node.Type == domain.UnitNodeOutput) {
		return node, fmt.Errorf("%w: %s is an %s node", ErrTopicMismatch, topic, node.Type)
	}
	return node, r.authorizeWrite(ctx, agent, node)
}

func (r *Router) checkPayload(payload []byte) error {
	if r.MaxPayloadSize > 0 && len(payload) > r.MaxPayloadSize*1024 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

// authorizeWrite applies the write rules of a node's type. Backend agents are
// trusted relays.
func (r *Router) authorizeWrite(ctx context.Context, agent domain.Agent, node domain.UnitNode) error {
	svc := access.Service{Agent: agent, Permissions: r.Permissions}
	if agent.Type == domain.AgentTypeBackend {
		return nil
	}
	target := access.NodeTarget(node)
	switch node.Type {
	case domain.UnitNodeOutput:
		return svc.CheckOwnership(target, access.OwnershipUnit)
	case domain.UnitNodeInput:
		switch agent.Type {
		case domain.AgentTypeUnit:
			return svc.CheckOwnership(target, access.OwnershipUnitToInputNode)
		case domain.AgentTypeUser:
			if err := svc.CheckOwnership(target, access.OwnershipCreator, access.OwnershipUnitToInputNode); err != nil {
				return err
			}
			return svc.CheckVisibility(ctx, node.Ref(), node.Visibility)
		}
	}
	return svc.CheckAccess([]domain.AgentType{domain.AgentTypeUser, domain.AgentTypeUnit})
}

// apply filters, transforms, persists and propagates one value, returning the stored state.
func (r *Router) apply(ctx context.Context, node domain.UnitNode, raw string, at time.Time) (string, error) {
	cfg := r.pipeline(node)
	if cfg == nil {
		if err := r.Nodes.UpdateUnitNodeState(ctx, node.UUID, raw, at); err != nil {
			return "", err
		}
		r.accepted(domain.PolicyLastValue)
		r.propagate(ctx, node, raw, at)
		return raw, nil
	}

	v, err := cfg.Cast(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", datapipe.ErrFiltered, err)
	}
	if err := cfg.Accept(v, at, node.LastUpdateDatetime, node.State); err != nil {
		return "", err
	}
	v = cfg.Transform(v)
	state := v.String()
	if err := r.persist(ctx, node.UUID, cfg, v, at); err != nil {
		return "", err
	}
	if err := r.Nodes.UpdateUnitNodeState(ctx, node.UUID, state, at); err != nil {
		return "", err
	}
	r.accepted(cfg.ProcessingPolicy.PolicyType)
	r.propagate(ctx, node, state, at)
	return state, nil
}

// pipeline returns the node's active config, nil when none applies.
func (r *Router) pipeline(node domain.UnitNode) *datapipe.Config {
	if !node.IsDataPipeActive || strings.TrimSpace(node.DataPipeYAML) == "" {
		return nil
	}
	cfg, err := datapipe.Validator{MaxPayloadSize: r.MaxPayloadSize}.ValidateDocument([]byte(node.DataPipeYAML))
	if err != nil {
		r.log().WithFields(logrus.Fields{"unit_node_uuid": node.UUID.String(), "error": err}).
			Warn("stored data pipe config is invalid, storing value as LastValue")
		return nil
	}
	return cfg
}

func (r *Router) persist(ctx context.Context, nodeUUID uuid.UUID, cfg *datapipe.Config, v datapipe.Value, at time.Time) error {
	p := cfg.ProcessingPolicy
	rec := domain.Record{UnitNodeUUID: nodeUUID, Policy: p.PolicyType, State: v.String(), CreateDatetime: at}
	switch p.PolicyType {
	case domain.PolicyNRecords:
		if err := r.Records.InsertRecords(ctx, []domain.Record{rec}); err != nil {
			return err
		}
		return r.Records.TrimNRecords(ctx, nodeUUID, *p.NRecordsCount)
	case domain.PolicyTimeWindow:
		size := p.WindowSize()
		exp := at.Add(size)
		rec.ExpirationDatetime = &exp
		rec.TimeWindowSize = int(size / time.Second)
		if err := r.Records.InsertRecords(ctx, []domain.Record{rec}); err != nil {
			return err
		}
		return r.Records.DeleteExpiredRecords(ctx, nodeUUID, at)
	case domain.PolicyAggregation:
		return r.aggregate(ctx, nodeUUID, cfg, v.Number, at)
	}
	return nil
}

// aggregate folds x into the epoch-aligned bucket containing at.
func (r *Router) aggregate(ctx context.Context, nodeUUID uuid.UUID, cfg *datapipe.Config, x float64, at time.Time) error {
	size := cfg.ProcessingPolicy.WindowSize()
	fn := *cfg.ProcessingPolicy.AggregationFunctions
	seconds := int(size / time.Second)
	start := at.Truncate(size)
	end := start.Add(size)

	bucket, err := r.Records.GetAggregate(ctx, nodeUUID, fn, seconds, start)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		bucket = domain.Record{
			UnitNodeUUID:        nodeUUID,
			Policy:              domain.PolicyAggregation,
			State:               formatNumber(x),
			Count:               1,
			AggregationType:     fn,
			TimeWindowSize:      seconds,
			StartWindowDatetime: &start,
			EndWindowDatetime:   &end,
		}
	case err != nil:
		return err
	default:
		prev, err := strconv.ParseFloat(bucket.State, 64)
		if err != nil {
			return fmt.Errorf("aggregation bucket %s holds non numeric state %q", start, bucket.State)
		}
		bucket.State = formatNumber(fold(fn, prev, x, bucket.Count))
		bucket.Count++
	}
	bucket.CreateDatetime = at
	return r.Records.SaveAggregate(ctx, bucket)
}

func fold(fn domain.AggregationFunction, prev, x float64, count int) float64 {
	switch fn {
	case domain.AggregationMin:
		return min(prev, x)
	case domain.AggregationMax:
		return max(prev, x)
	case domain.AggregationSum:
		return prev + x
	}
	return prev + (x-prev)/float64(count+1)
}

func formatNumber(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

// propagate relays state to every Input linked from node. Relays skip filters
// and failures are only logged.
func (r *Router) propagate(ctx context.Context, node domain.UnitNode, state string, at time.Time) {
	if r.Edges == nil {
		return
	}
	edges, err := r.Edges.ListEdgesFrom(ctx, node.UUID)
	if err != nil {
		r.log().WithFields(logrus.Fields{"unit_node_uuid": node.UUID.String(), "error": err}).Error("list edges")
		return
	}
	for _, e := range edges {
		ok := true
		if err := r.Nodes.UpdateUnitNodeState(ctx, e.NodeInputUUID, state, at); err != nil {
			ok = false
			r.log().WithFields(logrus.Fields{"unit_node_uuid": e.NodeInputUUID.String(), "error": err}).Error("relay state")
		}
		topic := InputTopic(r.Domain, e.NodeInputUUID)
		if err := r.deliver(ctx, topic, state); err != nil {
			ok = false
			r.log().WithFields(logrus.Fields{"topic": topic, "error": err}).Error("relay publish")
		}
		if r.Metrics != nil {
			r.Metrics.Propagated(ok)
		}
	}
}

// deliver publishes state to an Input topic and remembers it so the broker
// echo is not ingested again.
func (r *Router) deliver(ctx context.Context, topic, state string) error {
	if r.Publisher == nil {
		return nil
	}
	r.markRelay(topic, state)
	return r.Publisher.Publish(ctx, topic, []byte(state))
}

func relayKey(topic, payload string) string {
	return topic + "\x00" + payload
}

func (r *Router) markRelay(topic, payload string) {
	if r.Relays != nil {
		r.Relays.Set(relayKey(topic, payload), struct{}{})
	}
}

func (r *Router) consumeRelay(in Inbound) bool {
	if r.Relays == nil || in.Publisher.Type != domain.AgentTypeBackend {
		return false
	}
	_, ok := r.Relays.Take(relayKey(in.Topic, string(in.Payload)))
	return ok
}

func (r *Router) accepted(policy domain.ProcessingPolicyType) {
	if r.Metrics != nil {
		r.Metrics.Accepted(string(policy))
	}
}

func dropReason(err error) (string, bool) {
	var ue *access.UnauthorizedError
	switch {
	case errors.Is(err, ErrMalformedTopic):
		return ReasonMalformedTopic, true
	case errors.Is(err, ErrForeignDomain):
		return ReasonForeignDomain, true
	case errors.Is(err, ErrPayloadTooLarge):
		return ReasonPayloadTooLarge, true
	case errors.Is(err, repo.ErrNotFound):
		return ReasonNodeNotFound, true
	case errors.Is(err, ErrTopicMismatch):
		return ReasonTopicMismatch, true
	case errors.As(err, &ue):
		return ReasonUnauthorized, true
	case errors.Is(err, datapipe.ErrFiltered):
		return ReasonFiltered, true
	}
	return "", false
}

func (r *Router) drop(ctx context.Context, in Inbound, reason string, cause error) {
	fields := logrus.Fields{"topic": in.Topic, "reason": reason, "publisher": string(in.Publisher.Type)}
	d := events.Drop{At: r.now(), Topic: in.Topic, Publisher: publisherName(in.Publisher), Reason: reason, Detail: cause.Error()}
	if t, ok := ParseTopic(in.Topic); ok {
		id := t.NodeUUID
		d.UnitNodeUUID = &id
		fields["unit_node_uuid"] = id.String()
	}
	entry := r.log().WithFields(fields)
	if reason == ReasonFiltered {
		entry.Info("value dropped by data pipe")
	} else {
		entry.Warn("mqtt value dropped")
	}
	if r.Metrics != nil {
		r.Metrics.Dropped(reason)
	}
	if r.Drops != nil {
		if err := r.Drops.Append(ctx, d); err != nil {
			r.log().WithFields(logrus.Fields{"topic": in.Topic, "error": err}).Error("record drop")
		}
	}
}

func publisherName(a domain.Agent) string {
	if a.Type == "" {
		return ""
	}
	if a.UUID == uuid.Nil {
		return string(a.Type)
	}
	return string(a.Type) + ":" + a.UUID.String()
}
