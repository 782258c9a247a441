package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/db"
	"pepeunit/internal/domain"
	"pepeunit/internal/migrate"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

type graph struct {
	user   domain.User
	unit   domain.Unit
	output domain.UnitNode
	input  domain.UnitNode
}

func seed(t *testing.T, r Repo) graph {
	t.Helper()
	ctx := context.Background()
	g := graph{user: domain.User{UUID: uuid.New(), Login: "alice", Role: domain.UserRoleUser, Status: domain.AgentStatusVerified, CreateDatetime: base}}
	if err := r.InsertUser(ctx, g.user); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	g.unit = domain.Unit{UUID: uuid.New(), Name: "sensor", Visibility: domain.VisibilityPublic, CreatorUUID: g.user.UUID, CreateDatetime: base}
	if err := r.InsertUnit(ctx, g.unit); err != nil {
		t.Fatalf("insert unit: %v", err)
	}
	g.output = domain.UnitNode{UUID: uuid.New(), Type: domain.UnitNodeOutput, Visibility: domain.VisibilityPublic, TopicName: "temp/pepeunit", UnitUUID: g.unit.UUID, CreatorUUID: g.user.UUID, CreateDatetime: base}
	g.input = domain.UnitNode{UUID: uuid.New(), Type: domain.UnitNodeInput, Visibility: domain.VisibilityPrivate, TopicName: "set_temp", UnitUUID: g.unit.UUID, CreatorUUID: g.user.UUID, CreateDatetime: base.Add(time.Second)}
	if err := r.BulkSaveUnitNodes(ctx, []domain.UnitNode{g.output, g.input}); err != nil {
		t.Fatalf("save nodes: %v", err)
	}
	return g
}

func TestUnitNodeRoundTrip(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	if err := r.UpdateUnitNodeState(ctx, g.output.UUID, "21.5", base.Add(time.Minute)); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, err := r.GetUnitNode(ctx, g.output.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State == nil || *got.State != "21.5" || !got.LastUpdateDatetime.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected node state %+v", got)
	}

	got.IsDataPipeActive = true
	got.DataPipeYAML = "active_period: {type: Permanent}"
	if err := r.UpdateUnitNode(ctx, got); err != nil {
		t.Fatalf("update node: %v", err)
	}
	again, _ := r.GetUnitNode(ctx, g.output.UUID)
	if !again.IsDataPipeActive || again.DataPipeYAML != got.DataPipeYAML {
		t.Fatalf("pipe fields not persisted: %+v", again)
	}

	if _, err := r.GetUnitNode(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpdateUnitNodeState(ctx, uuid.New(), "x", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing node, got %v", err)
	}
}

func TestListUnitNodesVisibility(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	public, err := r.ListUnitNodes(ctx, UnitNodeFilter{VisibilityLevels: []domain.VisibilityLevel{domain.VisibilityPublic, domain.VisibilityInternal, domain.VisibilityPrivate}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(public) != 1 || public[0].UUID != g.output.UUID {
		t.Fatalf("private node must be hidden without restriction: %v", public)
	}
	all, err := r.ListUnitNodes(ctx, UnitNodeFilter{
		UnitUUID:         &g.unit.UUID,
		VisibilityLevels: []domain.VisibilityLevel{domain.VisibilityPublic, domain.VisibilityPrivate},
		RestrictedUUIDs:  []uuid.UUID{g.input.UUID},
	})
	if err != nil {
		t.Fatalf("list restricted: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both nodes, got %d", len(all))
	}
	inputs, _ := r.ListUnitNodes(ctx, UnitNodeFilter{Type: domain.UnitNodeInput, VisibilityLevels: []domain.VisibilityLevel{domain.VisibilityPublic}})
	if len(inputs) != 0 {
		t.Fatalf("expected no public inputs, got %v", inputs)
	}
}

func TestEdgeCreationIsIdempotent(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	edge := domain.UnitNodeEdge{UUID: uuid.New(), NodeOutputUUID: g.output.UUID, NodeInputUUID: g.input.UUID, CreatorUUID: g.user.UUID, CreateDatetime: base}
	if err := r.InsertEdge(ctx, edge); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	edge.UUID = uuid.New()
	if err := r.InsertEdge(ctx, edge); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if n, _ := r.CountEdges(ctx); n != 1 {
		t.Fatalf("expected exactly one edge, got %d", n)
	}
	from, err := r.ListEdgesFrom(ctx, g.output.UUID)
	if err != nil || len(from) != 1 || from[0].NodeInputUUID != g.input.UUID {
		t.Fatalf("edges from output: %v %v", from, err)
	}
	if err := r.DeleteEdge(ctx, from[0].UUID); err != nil {
		t.Fatalf("delete edge: %v", err)
	}
	if err := r.DeleteEdge(ctx, from[0].UUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must be ErrNotFound, got %v", err)
	}
}

func TestPermissions(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	bob := domain.User{UUID: uuid.New(), Login: "bob", Role: domain.UserRoleUser, Status: domain.AgentStatusVerified, CreateDatetime: base}
	if err := r.InsertUser(ctx, bob); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	agent := domain.AgentRef{Type: domain.AgentTypeUser, UUID: bob.UUID}
	p := domain.Permission{UUID: uuid.New(), Agent: agent, Resource: g.input.Ref(), CreateDatetime: base}
	if err := r.InsertPermission(ctx, p); err != nil {
		t.Fatalf("insert permission: %v", err)
	}
	dup := p
	dup.UUID = uuid.New()
	if err := r.InsertPermission(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	ok, err := r.HasPermission(ctx, agent, g.input.Ref())
	if err != nil || !ok {
		t.Fatalf("has permission: %v %v", ok, err)
	}
	if ok, _ := r.HasPermission(ctx, agent, g.output.Ref()); ok {
		t.Fatalf("unexpected permission on output")
	}
	ids, _ := r.ResourceUUIDs(ctx, agent, domain.ResourceUnitNode)
	if len(ids) != 1 || ids[0] != g.input.UUID {
		t.Fatalf("resource uuids = %v", ids)
	}
	got, err := r.GetPermission(ctx, p.UUID)
	if err != nil || got.Resource != p.Resource || got.Agent != agent {
		t.Fatalf("get permission: %+v %v", got, err)
	}
	if err := r.DeleteResourcePermissions(ctx, g.input.Ref()); err != nil {
		t.Fatalf("delete resource permissions: %v", err)
	}
	if list, _ := r.ListResourcePermissions(ctx, g.input.Ref()); len(list) != 0 {
		t.Fatalf("expected no permissions, got %v", list)
	}
}

func TestSaveGrantsCreatorAndUnit(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	creator := domain.AgentRef{Type: domain.AgentTypeUser, UUID: g.user.UUID}
	unit := domain.AgentRef{Type: domain.AgentTypeUnit, UUID: g.unit.UUID}
	for _, res := range []domain.ResourceRef{g.input.Ref(), g.output.Ref(), g.unit.Ref()} {
		for _, a := range []domain.AgentRef{creator, unit} {
			if ok, err := r.HasPermission(ctx, a, res); err != nil || !ok {
				t.Fatalf("%s -> %s not granted: %v", a, res, err)
			}
		}
	}

	// Saving again keeps a single edge per holder.
	if err := r.BulkSaveUnitNodes(ctx, []domain.UnitNode{g.input}); err != nil {
		t.Fatalf("resave: %v", err)
	}
	list, err := r.ListResourcePermissions(ctx, g.input.Ref())
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two seeded permissions, got %d (%v)", len(list), err)
	}

	rp := domain.Repo{UUID: uuid.New(), Name: "firmware", Visibility: domain.VisibilityPrivate, CreatorUUID: g.user.UUID, CreateDatetime: base}
	if err := r.InsertRepo(ctx, rp); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	if ok, _ := r.HasPermission(ctx, creator, rp.Ref()); !ok {
		t.Fatalf("repo creator not granted")
	}
}

func TestNRecordsTrim(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	var recs []domain.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, domain.Record{UnitNodeUUID: g.output.UUID, Policy: domain.PolicyNRecords, State: string(rune('a' + i)), CreateDatetime: base.Add(time.Duration(i) * time.Second)})
	}
	if err := r.InsertRecords(ctx, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.TrimNRecords(ctx, g.output.UUID, 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	got, err := r.ListRecords(ctx, g.output.UUID, domain.PolicyNRecords, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].State != "d" || got[1].State != "e" {
		t.Fatalf("expected newest two records, got %+v", got)
	}
}

func TestTimeWindowExpiry(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	soon, later := base.Add(time.Minute), base.Add(time.Hour)
	recs := []domain.Record{
		{UnitNodeUUID: g.output.UUID, Policy: domain.PolicyTimeWindow, State: "1", CreateDatetime: base, ExpirationDatetime: &soon, TimeWindowSize: 60},
		{UnitNodeUUID: g.output.UUID, Policy: domain.PolicyTimeWindow, State: "2", CreateDatetime: base, ExpirationDatetime: &later, TimeWindowSize: 3600},
	}
	if err := r.InsertRecords(ctx, recs); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.DeleteExpiredRecords(ctx, g.output.UUID, soon); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _ := r.ListRecords(ctx, g.output.UUID, domain.PolicyTimeWindow, 0)
	if len(got) != 1 || got[0].State != "2" || !got[0].ExpirationDatetime.Equal(later) {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestAggregateUpsert(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	start, end := base, base.Add(5*time.Minute)
	rec := domain.Record{UnitNodeUUID: g.output.UUID, Policy: domain.PolicyAggregation, State: "2", Count: 1, AggregationType: domain.AggregationAvg,
		TimeWindowSize: 300, CreateDatetime: base, StartWindowDatetime: &start, EndWindowDatetime: &end}
	if _, err := r.GetAggregate(ctx, g.output.UUID, domain.AggregationAvg, 300, start); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.SaveAggregate(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.State, rec.Count = "3", 2
	if err := r.SaveAggregate(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := r.GetAggregate(ctx, g.output.UUID, domain.AggregationAvg, 300, start)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "3" || got.Count != 2 || !got.EndWindowDatetime.Equal(end) {
		t.Fatalf("unexpected bucket %+v", got)
	}
	if err := r.InsertRecords(ctx, []domain.Record{rec}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate bucket insert must conflict, got %v", err)
	}
	counts, err := r.Counts(ctx)
	if err != nil || counts.Records != 1 || counts.UnitNodes != 2 {
		t.Fatalf("counts: %+v %v", counts, err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	r := testRepo(t)
	g := seed(t, r)
	ctx := context.Background()

	boom := errors.New("boom")
	err := r.InTx(ctx, func(tx Repo) error {
		rec := domain.Record{UnitNodeUUID: g.output.UUID, Policy: domain.PolicyNRecords, State: "1", CreateDatetime: base}
		if err := tx.InsertRecords(ctx, []domain.Record{rec}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := r.ListRecords(ctx, g.output.UUID, domain.PolicyNRecords, 0); len(got) != 0 {
		t.Fatalf("rolled back insert is visible: %v", got)
	}
}
