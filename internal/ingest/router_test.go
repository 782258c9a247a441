package ingest

import (
	"context"
	"errors"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/access"
	"pepeunit/internal/datapipe"
	"pepeunit/internal/db"
	"pepeunit/internal/domain"
	"pepeunit/internal/events"
	"pepeunit/internal/observability"
	"pepeunit/internal/repo"
)

const testDomain = "pepeunit.local"

type memStore struct {
	nodes   map[uuid.UUID]domain.UnitNode
	edges   []domain.UnitNodeEdge
	records []domain.Record
	aggs    map[string]domain.Record
	perms   map[domain.AgentRef][]domain.ResourceRef
	failOn  uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{
		nodes: map[uuid.UUID]domain.UnitNode{},
		aggs:  map[string]domain.Record{},
		perms: map[domain.AgentRef][]domain.ResourceRef{},
	}
}

func (m *memStore) GetUnitNode(_ context.Context, id uuid.UUID) (domain.UnitNode, error) {
	n, ok := m.nodes[id]
	if !ok {
		return domain.UnitNode{}, repo.ErrNotFound
	}
	return n, nil
}

func (m *memStore) UpdateUnitNodeState(_ context.Context, id uuid.UUID, state string, at time.Time) error {
	if id == m.failOn {
		return errors.New("disk full")
	}
	n, ok := m.nodes[id]
	if !ok {
		return repo.ErrNotFound
	}
	n.State = &state
	n.LastUpdateDatetime = &at
	m.nodes[id] = n
	return nil
}

func (m *memStore) ListEdgesFrom(_ context.Context, id uuid.UUID) ([]domain.UnitNodeEdge, error) {
	var out []domain.UnitNodeEdge
	for _, e := range m.edges {
		if e.NodeOutputUUID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) InsertRecords(_ context.Context, recs []domain.Record) error {
	m.records = append(m.records, recs...)
	return nil
}

func (m *memStore) TrimNRecords(_ context.Context, id uuid.UUID, keep int) error {
	var mine, rest []domain.Record
	for _, r := range m.records {
		if r.UnitNodeUUID == id && r.Policy == domain.PolicyNRecords {
			mine = append(mine, r)
		} else {
			rest = append(rest, r)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].CreateDatetime.Before(mine[j].CreateDatetime) })
	if len(mine) > keep {
		mine = mine[len(mine)-keep:]
	}
	m.records = append(rest, mine...)
	return nil
}

func (m *memStore) DeleteExpiredRecords(_ context.Context, id uuid.UUID, now time.Time) error {
	m.records = slices.DeleteFunc(m.records, func(r domain.Record) bool {
		return r.UnitNodeUUID == id && r.ExpirationDatetime != nil && !r.ExpirationDatetime.After(now)
	})
	return nil
}

func aggKey(id uuid.UUID, fn domain.AggregationFunction, size int, start time.Time) string {
	return id.String() + string(fn) + time.Duration(size).String() + db.FormatTime(start)
}

func (m *memStore) GetAggregate(_ context.Context, id uuid.UUID, fn domain.AggregationFunction, size int, start time.Time) (domain.Record, error) {
	r, ok := m.aggs[aggKey(id, fn, size, start)]
	if !ok {
		return domain.Record{}, repo.ErrNotFound
	}
	return r, nil
}

func (m *memStore) SaveAggregate(_ context.Context, r domain.Record) error {
	m.aggs[aggKey(r.UnitNodeUUID, r.AggregationType, r.TimeWindowSize, *r.StartWindowDatetime)] = r
	return nil
}

func (m *memStore) HasPermission(_ context.Context, a domain.AgentRef, res domain.ResourceRef) (bool, error) {
	return slices.Contains(m.perms[a], res), nil
}

func (m *memStore) ResourceUUIDs(_ context.Context, a domain.AgentRef, t domain.ResourceType) ([]uuid.UUID, error) {
	return nil, nil
}

type memDrops struct{ drops []events.Drop }

func (d *memDrops) Append(_ context.Context, drop events.Drop) error {
	d.drops = append(d.drops, drop)
	return nil
}

type memPublisher struct{ sent map[string][]string }

func (p *memPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if p.sent == nil {
		p.sent = map[string][]string{}
	}
	p.sent[topic] = append(p.sent[topic], string(payload))
	return nil
}

type fixture struct {
	router  *Router
	store   *memStore
	drops   *memDrops
	pub     *memPublisher
	clock   *time.Time
	creator domain.Agent
	unit    domain.Agent
	output  domain.UnitNode
	input   domain.UnitNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{store: newMemStore(), drops: &memDrops{}, pub: &memPublisher{}, clock: &now}
	f.creator = domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUser, Role: domain.UserRoleUser}
	f.unit = domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUnit}
	f.output = domain.UnitNode{UUID: uuid.New(), Type: domain.UnitNodeOutput, Visibility: domain.VisibilityPublic, UnitUUID: f.unit.UUID, CreatorUUID: f.creator.UUID}
	f.input = domain.UnitNode{UUID: uuid.New(), Type: domain.UnitNodeInput, Visibility: domain.VisibilityPublic, UnitUUID: uuid.New(), CreatorUUID: f.creator.UUID}
	f.store.nodes[f.output.UUID] = f.output
	f.store.nodes[f.input.UUID] = f.input
	f.router = &Router{
		Nodes:          f.store,
		Edges:          f.store,
		Records:        f.store,
		Permissions:    f.store,
		Publisher:      f.pub,
		Drops:          f.drops,
		Metrics:        observability.NewMetrics(prometheusRegistry()),
		Logger:         observability.DiscardLogger().ForComponent("ingest"),
		Relays:         observability.NewCache[struct{}](16, time.Minute, func() time.Time { return *f.clock }),
		Domain:         testDomain,
		MaxPayloadSize: 1,
		Now:            func() time.Time { return *f.clock },
	}
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) setPipe(t *testing.T, id uuid.UUID, doc string) {
	t.Helper()
	if _, err := (datapipe.Validator{MaxPayloadSize: 1}).ValidateDocument([]byte(doc)); err != nil {
		t.Fatalf("fixture pipe invalid: %v", err)
	}
	n := f.store.nodes[id]
	n.IsDataPipeActive = true
	n.DataPipeYAML = doc
	f.store.nodes[id] = n
}

func (f *fixture) state(id uuid.UUID) *string { return f.store.nodes[id].State }

func TestParseTopic(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		topic  string
		ok     bool
		output bool
	}{
		{testDomain + "/" + id.String(), true, false},
		{testDomain + "/" + id.String() + "/pepeunit", true, true},
		{testDomain + "/" + id.String() + "/other", false, false},
		{testDomain + "/not-a-uuid", false, false},
		{"/" + id.String(), false, false},
		{testDomain, false, false},
		{testDomain + "/" + id.String() + "/pepeunit/extra", false, false},
	}
	for _, tc := range cases {
		got, ok := ParseTopic(tc.topic)
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.topic, ok, tc.ok)
		}
		if ok && (got.Output != tc.output || got.NodeUUID != id || got.String() != tc.topic) {
			t.Fatalf("%s: parsed %+v", tc.topic, got)
		}
	}
}

func TestRewritableInputGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUnit}
	topic := InputTopic(testDomain, f.input.UUID)

	out, err := f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("1"), Publisher: other})
	if err != nil {
		t.Fatalf("drops must not surface errors: %v", err)
	}
	if out.Accepted || out.Reason != ReasonUnauthorized {
		t.Fatalf("expected unauthorized drop, got %+v", out)
	}
	if f.state(f.input.UUID) != nil {
		t.Fatalf("state changed on non rewritable input")
	}
	if len(f.drops.drops) != 1 || *f.drops.drops[0].UnitNodeUUID != f.input.UUID {
		t.Fatalf("drop not recorded: %+v", f.drops.drops)
	}

	n := f.store.nodes[f.input.UUID]
	n.IsRewritableInput = true
	f.store.nodes[f.input.UUID] = n
	out, err = f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("1"), Publisher: other})
	if err != nil || !out.Accepted {
		t.Fatalf("rewritable input must accept: %+v %v", out, err)
	}
	if s := f.state(f.input.UUID); s == nil || *s != "1" {
		t.Fatalf("state = %v", s)
	}
}

func TestOutputWritesOnlyByOwningUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := OutputTopic(testDomain, f.output.UUID)

	if err := f.router.AuthorizePublish(ctx, f.unit, topic); err != nil {
		t.Fatalf("owning unit: %v", err)
	}
	var ue *access.UnauthorizedError
	stranger := domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUnit}
	if err := f.router.AuthorizePublish(ctx, stranger, topic); !errors.As(err, &ue) {
		t.Fatalf("stranger unit must be rejected, got %v", err)
	}
	if err := f.router.AuthorizePublish(ctx, access.Bot, topic); !errors.As(err, &ue) {
		t.Fatalf("bot must be rejected, got %v", err)
	}
	if err := f.router.AuthorizePublish(ctx, f.unit, InputTopic(testDomain, f.output.UUID)); !errors.Is(err, ErrTopicMismatch) {
		t.Fatalf("input topic of an output node must mismatch, got %v", err)
	}
	if err := f.router.AuthorizePublish(ctx, access.BackendAgent(testDomain), topic); err != nil {
		t.Fatalf("backend relay: %v", err)
	}
}

func TestSubscribeOnlyOwnNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := OutputTopic(testDomain, f.output.UUID)

	if err := f.router.AuthorizeSubscribe(ctx, f.unit, topic); err != nil {
		t.Fatalf("owning unit: %v", err)
	}
	var ue *access.UnauthorizedError
	if err := f.router.AuthorizeSubscribe(ctx, f.unit, InputTopic(testDomain, f.input.UUID)); !errors.As(err, &ue) {
		t.Fatalf("foreign input must be rejected, got %v", err)
	}
	if err := f.router.AuthorizeSubscribe(ctx, f.creator, topic); !errors.As(err, &ue) {
		t.Fatalf("users do not subscribe, got %v", err)
	}
	if err := f.router.AuthorizeSubscribe(ctx, f.unit, "other.host/"+f.output.UUID.String()+"/pepeunit"); !errors.Is(err, ErrForeignDomain) {
		t.Fatalf("foreign domain, got %v", err)
	}
	if err := f.router.AuthorizeSubscribe(ctx, access.BackendAgent(testDomain), testDomain+"/+/pepeunit"); err != nil {
		t.Fatalf("backend wildcard: %v", err)
	}
}

func TestMalformedAndForeignTopicsAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		topic  string
		reason string
	}{
		{"garbage", ReasonMalformedTopic},
		{"other.example/" + f.input.UUID.String(), ReasonForeignDomain},
		{InputTopic(testDomain, uuid.New()), ReasonNodeNotFound},
	}
	for _, tc := range cases {
		out, err := f.router.Ingest(ctx, Inbound{Topic: tc.topic, Payload: []byte("1"), Publisher: f.unit})
		if err != nil || out.Reason != tc.reason {
			t.Fatalf("%s: got %+v %v, want %s", tc.topic, out, err, tc.reason)
		}
	}
	if len(f.drops.drops) != len(cases) {
		t.Fatalf("expected %d drops, got %d", len(cases), len(f.drops.drops))
	}
}

func TestPayloadLimit(t *testing.T) {
	f := newFixture(t)
	big := make([]byte, 1025)
	out, err := f.router.Ingest(context.Background(), Inbound{Topic: OutputTopic(testDomain, f.output.UUID), Payload: big, Publisher: f.unit})
	if err != nil || out.Reason != ReasonPayloadTooLarge {
		t.Fatalf("got %+v %v", out, err)
	}
}

func TestFilteredValueLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPipe(t, f.output.UUID, `
active_period: {type: Permanent}
filters: {type_input_value: Number, max_rate: 10, last_unique_check: false, max_size: 0}
transformations: {multiplication_ratio: 2}
processing_policy: {policy_type: NRecords, n_records_count: 2}
`)
	topic := OutputTopic(testDomain, f.output.UUID)
	in := func(v string) Inbound { return Inbound{Topic: topic, Payload: []byte(v), Publisher: f.unit} }

	out, err := f.router.Ingest(ctx, in("1.5"))
	if err != nil || !out.Accepted || out.State != "3" {
		t.Fatalf("first value: %+v %v", out, err)
	}
	f.advance(5 * time.Second)
	out, err = f.router.Ingest(ctx, in("4"))
	if err != nil || out.Reason != ReasonFiltered {
		t.Fatalf("max_rate must drop: %+v %v", out, err)
	}
	if s := f.state(f.output.UUID); *s != "3" {
		t.Fatalf("state changed to %s", *s)
	}
	out, _ = f.router.Ingest(ctx, in("abc"))
	if out.Reason != ReasonFiltered {
		t.Fatalf("non numeric value must be filtered: %+v", out)
	}

	for i := 0; i < 3; i++ {
		f.advance(10 * time.Second)
		if out, err := f.router.Ingest(ctx, in("1")); err != nil || !out.Accepted {
			t.Fatalf("value %d: %+v %v", i, out, err)
		}
	}
	if len(f.store.records) != 2 {
		t.Fatalf("n_records_count must bound stored rows, got %d", len(f.store.records))
	}
}

func TestTimeWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.setPipe(t, f.output.UUID, `
active_period: {type: Permanent}
filters: {type_input_value: Text, max_rate: 0, last_unique_check: true, max_size: 0}
processing_policy: {policy_type: TimeWindow, time_window_size: 60}
`)
	ctx := context.Background()
	topic := OutputTopic(testDomain, f.output.UUID)
	f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("a"), Publisher: f.unit})
	out, _ := f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("a"), Publisher: f.unit})
	if out.Reason != ReasonFiltered {
		t.Fatalf("last_unique_check must drop repeats: %+v", out)
	}
	f.advance(2 * time.Minute)
	f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("b"), Publisher: f.unit})
	if len(f.store.records) != 1 || f.store.records[0].State != "b" {
		t.Fatalf("expired rows must be removed: %+v", f.store.records)
	}
}

func TestAggregationFoldsIntoBucket(t *testing.T) {
	f := newFixture(t)
	f.setPipe(t, f.output.UUID, `
active_period: {type: Permanent}
filters: {type_input_value: Number, max_rate: 0, last_unique_check: false, max_size: 0}
processing_policy: {policy_type: Aggregation, time_window_size: 300, aggregation_functions: Avg}
`)
	ctx := context.Background()
	topic := OutputTopic(testDomain, f.output.UUID)
	f.advance(30 * time.Second)
	for _, v := range []string{"1", "2", "6"} {
		if out, err := f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte(v), Publisher: f.unit}); err != nil || !out.Accepted {
			t.Fatalf("value %s: %+v %v", v, out, err)
		}
		f.advance(time.Minute)
	}
	if len(f.store.aggs) != 1 {
		t.Fatalf("expected one bucket, got %d", len(f.store.aggs))
	}
	for _, b := range f.store.aggs {
		if b.State != "3" || b.Count != 3 {
			t.Fatalf("bucket = %+v", b)
		}
		if !b.StartWindowDatetime.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) || b.EndWindowDatetime.Sub(*b.StartWindowDatetime) != 5*time.Minute {
			t.Fatalf("bucket is not epoch aligned: %+v", b)
		}
	}
	f.advance(5 * time.Minute)
	f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("10"), Publisher: f.unit})
	if len(f.store.aggs) != 2 {
		t.Fatalf("expected a second bucket, got %d", len(f.store.aggs))
	}
}

func TestPropagationRelaysAndSuppressesEcho(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.edges = append(f.store.edges, domain.UnitNodeEdge{UUID: uuid.New(), NodeOutputUUID: f.output.UUID, NodeInputUUID: f.input.UUID})

	out, err := f.router.Ingest(ctx, Inbound{Topic: OutputTopic(testDomain, f.output.UUID), Payload: []byte("on"), Publisher: f.unit})
	if err != nil || !out.Accepted {
		t.Fatalf("ingest: %+v %v", out, err)
	}
	relayTopic := InputTopic(testDomain, f.input.UUID)
	if got := f.pub.sent[relayTopic]; len(got) != 1 || got[0] != "on" {
		t.Fatalf("relay not published: %v", f.pub.sent)
	}
	if s := f.state(f.input.UUID); s == nil || *s != "on" {
		t.Fatalf("downstream state = %v", s)
	}

	backend := access.BackendAgent(testDomain)
	echo, err := f.router.Ingest(ctx, Inbound{Topic: relayTopic, Payload: []byte("on"), Publisher: backend})
	if err != nil || !echo.Relayed {
		t.Fatalf("echo must be recognised: %+v %v", echo, err)
	}
	again, _ := f.router.Ingest(ctx, Inbound{Topic: relayTopic, Payload: []byte("on"), Publisher: backend})
	if again.Relayed || !again.Accepted {
		t.Fatalf("second delivery is a fresh backend write: %+v", again)
	}
}

func TestSetStateSurfacesErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := f.store.nodes[f.input.UUID]
	n.Visibility = domain.VisibilityPrivate
	f.store.nodes[f.input.UUID] = n

	var ue *access.UnauthorizedError
	if _, err := f.router.SetState(ctx, f.creator, f.input.UUID, "1"); !errors.As(err, &ue) || ue.Reason != "Private visibility level is not allowed" {
		t.Fatalf("private node without permission edge: %v", err)
	}
	ref, _ := f.creator.Ref()
	f.store.perms[ref] = []domain.ResourceRef{n.Ref()}
	node, err := f.router.SetState(ctx, f.creator, f.input.UUID, "1")
	if err != nil || *node.State != "1" {
		t.Fatalf("creator with permission: %+v %v", node, err)
	}
	stranger := domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUser, Role: domain.UserRoleUser}
	if _, err := f.router.SetState(ctx, stranger, f.input.UUID, "2"); !errors.As(err, &ue) {
		t.Fatalf("non creator on non rewritable input: %v", err)
	}
	if _, err := f.router.SetState(ctx, f.creator, uuid.New(), "1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing node: %v", err)
	}

	f.setPipe(t, f.input.UUID, `
active_period: {type: Permanent}
filters: {type_input_value: Number, type_value_threshold: Max, threshold_max: 10, max_rate: 0, last_unique_check: false, max_size: 0}
processing_policy: {policy_type: LastValue}
`)
	if _, err := f.router.SetState(ctx, f.creator, f.input.UUID, "11"); !errors.Is(err, datapipe.ErrFiltered) {
		t.Fatalf("threshold must surface ErrFiltered, got %v", err)
	}
}

func TestSetStatePublishesToInputTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.router.SetState(ctx, f.creator, f.input.UUID, "42"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	topic := InputTopic(testDomain, f.input.UUID)
	if got := f.pub.sent[topic]; len(got) != 1 || got[0] != "42" {
		t.Fatalf("input write not published: %v", f.pub.sent)
	}
	echo, err := f.router.Ingest(ctx, Inbound{Topic: topic, Payload: []byte("42"), Publisher: access.BackendAgent(testDomain)})
	if err != nil || !echo.Relayed {
		t.Fatalf("broker echo must be suppressed: %+v %v", echo, err)
	}

	if _, err := f.router.SetState(ctx, f.unit, f.output.UUID, "7"); err != nil {
		t.Fatalf("output write: %v", err)
	}
	if len(f.pub.sent) != 1 {
		t.Fatalf("output writes are not published: %v", f.pub.sent)
	}
}

func TestStorageFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.failOn = f.output.UUID
	_, err := f.router.Ingest(context.Background(), Inbound{Topic: OutputTopic(testDomain, f.output.UUID), Payload: []byte("1"), Publisher: f.unit})
	if err == nil {
		t.Fatalf("storage errors must be returned")
	}
	if len(f.drops.drops) != 0 {
		t.Fatalf("storage errors are not drops")
	}
}
