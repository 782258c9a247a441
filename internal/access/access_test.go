package access

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pepeunit/internal/domain"
	"pepeunit/internal/repo"
)

type fakeAgents struct {
	users map[uuid.UUID]domain.User
	units map[uuid.UUID]domain.Unit
}

func (f fakeAgents) GetUser(_ context.Context, id uuid.UUID) (domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (f fakeAgents) GetUserByChatID(_ context.Context, chatID string) (domain.User, error) {
	for _, u := range f.users {
		if u.TelegramChatID == chatID {
			return u, nil
		}
	}
	return domain.User{}, repo.ErrNotFound
}

func (f fakeAgents) GetUnit(_ context.Context, id uuid.UUID) (domain.Unit, error) {
	u, ok := f.units[id]
	if !ok {
		return domain.Unit{}, repo.ErrNotFound
	}
	return u, nil
}

type fakePermissions map[domain.AgentRef][]domain.ResourceRef

func (f fakePermissions) HasPermission(_ context.Context, agent domain.AgentRef, res domain.ResourceRef) (bool, error) {
	return slices.Contains(f[agent], res), nil
}

func (f fakePermissions) ResourceUUIDs(_ context.Context, agent domain.AgentRef, t domain.ResourceType) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, r := range f[agent] {
		if r.Type == t {
			out = append(out, r.UUID)
		}
	}
	return out, nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func fixture() (Resolver, domain.User, domain.User, domain.Unit) {
	active := domain.User{UUID: uuid.New(), Login: "alice", Role: domain.UserRoleUser, Status: domain.AgentStatusVerified, TelegramChatID: "100"}
	blocked := domain.User{UUID: uuid.New(), Login: "bob", Role: domain.UserRoleUser, Status: domain.AgentStatusBlocked, TelegramChatID: "200"}
	unit := domain.Unit{UUID: uuid.New(), Name: "sensor", CreatorUUID: active.UUID}
	store := fakeAgents{
		users: map[uuid.UUID]domain.User{active.UUID: active, blocked.UUID: blocked},
		units: map[uuid.UUID]domain.Unit{unit.UUID: unit},
	}
	codec := TokenCodec{Secret: "secret", Now: func() time.Time { return now }}
	return Resolver{Agents: store, Tokens: codec, Domain: "pepeunit.local"}, active, blocked, unit
}

func reason(t *testing.T, err error) string {
	t.Helper()
	var ue *UnauthorizedError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	return ue.Reason
}

func TestResolveStates(t *testing.T) {
	r, active, blocked, unit := fixture()
	ctx := context.Background()

	agent, err := r.Resolve(ctx, "")
	if err != nil || agent.Type != domain.AgentTypeBot {
		t.Fatalf("no token must resolve to Bot: %v %v", agent, err)
	}

	tok, _ := r.Tokens.UserToken(active.UUID, time.Hour)
	agent, err = r.Resolve(ctx, tok)
	if err != nil || agent.UUID != active.UUID || agent.Type != domain.AgentTypeUser {
		t.Fatalf("user token: %v %v", agent, err)
	}

	tok, _ = r.Tokens.UserToken(blocked.UUID, time.Hour)
	if _, err := r.Resolve(ctx, tok); reason(t, err) != "User is Blocked" {
		t.Fatalf("blocked user: %v", err)
	}

	tok, _ = r.Tokens.UserToken(uuid.New(), time.Hour)
	if _, err := r.Resolve(ctx, tok); reason(t, err) != "User not found" {
		t.Fatalf("missing user: %v", err)
	}

	tok, _ = r.Tokens.UnitToken(unit.UUID)
	agent, err = r.Resolve(ctx, tok)
	if err != nil || agent.Type != domain.AgentTypeUnit {
		t.Fatalf("unit token: %v %v", agent, err)
	}
	tok, _ = r.Tokens.UnitToken(uuid.New())
	if _, err := r.Resolve(ctx, tok); reason(t, err) != "Unit not found" {
		t.Fatalf("missing unit: %v", err)
	}

	tok, _ = r.Tokens.BackendToken("pepeunit.local", time.Hour)
	if agent, err := r.Resolve(ctx, tok); err != nil || agent.Type != domain.AgentTypeBackend {
		t.Fatalf("backend token: %v %v", agent, err)
	}
	tok, _ = r.Tokens.BackendToken("other.example", time.Hour)
	msg := reason(t, func() error { _, err := r.Resolve(ctx, tok); return err }())
	if !strings.Contains(msg, "other.example") || !strings.Contains(msg, "pepeunit.local") {
		t.Fatalf("domain mismatch must name both domains: %s", msg)
	}

	if _, err := r.Resolve(ctx, "garbage"); reason(t, err) != "Token is invalid" {
		t.Fatalf("garbage: %v", err)
	}
}

func TestResolveExpiredAndForeignToken(t *testing.T) {
	r, active, _, _ := fixture()
	tok, _ := r.Tokens.UserToken(active.UUID, time.Minute)
	later := r
	later.Tokens.Now = func() time.Time { return now.Add(time.Hour) }
	if _, err := later.Resolve(context.Background(), tok); reason(t, err) != "Token expired" {
		t.Fatalf("expired: %v", err)
	}

	foreign := TokenCodec{Secret: "other", Now: r.Tokens.Now}
	tok, _ = foreign.UserToken(active.UUID, time.Hour)
	if _, err := r.Resolve(context.Background(), tok); reason(t, err) != "Token is invalid" {
		t.Fatalf("foreign signature: %v", err)
	}

	tok, _ = r.Tokens.sign(Claims{UUID: active.UUID.String(), Type: "Robot"}, time.Hour)
	if _, err := r.Resolve(context.Background(), tok); reason(t, err) != "Invalid agent type" {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestUnitTokenExpiry(t *testing.T) {
	r, _, _, unit := fixture()
	tok, _ := r.Tokens.UnitToken(unit.UUID)
	claims, err := r.Tokens.Decode(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claims.ExpiresAt != nil {
		t.Fatalf("unit tokens carry no expiry by default")
	}

	r.Tokens.UnitTTL = 24 * time.Hour
	tok, _ = r.Tokens.UnitToken(unit.UUID)
	claims, _ = r.Tokens.Decode(tok)
	if claims.ExpiresAt == nil || !claims.ExpiresAt.Time.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestResolveByChatID(t *testing.T) {
	r, active, _, _ := fixture()
	agent, err := r.ResolveByChatID(context.Background(), "100")
	if err != nil || agent.UUID != active.UUID {
		t.Fatalf("chat id: %v %v", agent, err)
	}
	if _, err := r.ResolveByChatID(context.Background(), "200"); reason(t, err) != "User is Blocked" {
		t.Fatalf("blocked chat id: %v", err)
	}
	if _, err := r.ResolveByChatID(context.Background(), "300"); reason(t, err) != "User not found" {
		t.Fatalf("missing chat id: %v", err)
	}
}

func TestCheckAccess(t *testing.T) {
	user := Service{Agent: domain.Agent{Type: domain.AgentTypeUser, Role: domain.UserRoleUser}}
	if err := user.CheckAccess([]domain.AgentType{domain.AgentTypeUser}); err != nil {
		t.Fatalf("default roles: %v", err)
	}
	if err := user.CheckAccess([]domain.AgentType{domain.AgentTypeUser}, domain.UserRoleAdmin); err == nil {
		t.Fatalf("admin only must reject plain user")
	}
	if err := (Service{Agent: Bot}).CheckAccess([]domain.AgentType{domain.AgentTypeUser, domain.AgentTypeUnit}); err == nil {
		t.Fatalf("bot must be rejected")
	}
}

func TestCheckOwnership(t *testing.T) {
	creator := uuid.New()
	unitID := uuid.New()
	node := domain.UnitNode{UUID: uuid.New(), Type: domain.UnitNodeInput, UnitUUID: unitID, CreatorUUID: creator}

	owner := Service{Agent: domain.Agent{UUID: creator, Type: domain.AgentTypeUser}}
	if err := owner.CheckOwnership(NodeTarget(node), OwnershipCreator); err != nil {
		t.Fatalf("creator: %v", err)
	}
	stranger := Service{Agent: domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUser}}
	if err := stranger.CheckOwnership(NodeTarget(node), OwnershipCreator); err == nil {
		t.Fatalf("stranger must be rejected")
	}
	unit := Service{Agent: domain.Agent{UUID: unitID, Type: domain.AgentTypeUnit}}
	if err := unit.CheckOwnership(NodeTarget(node), OwnershipUnit); err != nil {
		t.Fatalf("owning unit: %v", err)
	}
	other := Service{Agent: domain.Agent{UUID: uuid.New(), Type: domain.AgentTypeUnit}}
	if err := other.CheckOwnership(NodeTarget(node), OwnershipUnitToInputNode); err == nil {
		t.Fatalf("non rewritable input must be rejected")
	}
	node.IsRewritableInput = true
	if err := other.CheckOwnership(NodeTarget(node), OwnershipUnitToInputNode); err != nil {
		t.Fatalf("rewritable input: %v", err)
	}
	if err := stranger.CheckOwnership(NodeTarget(node), OwnershipCreator, OwnershipUnitToInputNode); err != nil {
		t.Fatalf("any matching rule passes: %v", err)
	}
}

func TestCheckVisibility(t *testing.T) {
	userRef := domain.AgentRef{Type: domain.AgentTypeUser, UUID: uuid.New()}
	node := domain.ResourceRef{Type: domain.ResourceUnitNode, UUID: uuid.New()}
	perms := fakePermissions{}
	user := Service{Agent: domain.Agent{UUID: userRef.UUID, Type: domain.AgentTypeUser}, Permissions: perms}
	bot := Service{Agent: Bot, Permissions: perms}
	ctx := context.Background()

	if err := bot.CheckVisibility(ctx, node, domain.VisibilityPublic); err != nil {
		t.Fatalf("public: %v", err)
	}
	if err := bot.CheckVisibility(ctx, node, domain.VisibilityInternal); err == nil {
		t.Fatalf("bot must not see internal")
	}
	if err := user.CheckVisibility(ctx, node, domain.VisibilityInternal); err != nil {
		t.Fatalf("user internal: %v", err)
	}
	err := user.CheckVisibility(ctx, node, domain.VisibilityPrivate)
	if reason(t, err) != "Private visibility level is not allowed" {
		t.Fatalf("private without edge: %v", err)
	}
	perms[userRef] = []domain.ResourceRef{node}
	if err := user.CheckVisibility(ctx, node, domain.VisibilityPrivate); err != nil {
		t.Fatalf("private with edge: %v", err)
	}
	ids, _ := user.AccessRestriction(ctx, domain.ResourceUnitNode)
	if len(ids) != 1 || ids[0] != node.UUID {
		t.Fatalf("restriction = %v", ids)
	}
	if ids, _ := bot.AccessRestriction(ctx, domain.ResourceUnitNode); len(ids) != 0 {
		t.Fatalf("bot restriction must be empty")
	}
}

func TestAvailableVisibilityLevels(t *testing.T) {
	all := []domain.VisibilityLevel{domain.VisibilityPublic, domain.VisibilityInternal, domain.VisibilityPrivate}
	restriction := []uuid.UUID{uuid.New()}

	bot := Service{Agent: Bot}.AvailableVisibilityLevels(all, restriction)
	if !slices.Equal(bot, []domain.VisibilityLevel{domain.VisibilityPublic}) {
		t.Fatalf("bot levels = %v", bot)
	}
	user := Service{Agent: domain.Agent{Type: domain.AgentTypeUser}}
	if got := user.AvailableVisibilityLevels(all, nil); slices.Contains(got, domain.VisibilityPrivate) || len(got) != 2 {
		t.Fatalf("user without restriction = %v", got)
	}
	if got := user.AvailableVisibilityLevels(all, restriction); !slices.Equal(got, all) {
		t.Fatalf("user with restriction = %v", got)
	}
	unit := Service{Agent: domain.Agent{Type: domain.AgentTypeUnit}}
	if got := unit.AvailableVisibilityLevels(nil, nil); !slices.Contains(got, domain.VisibilityInternal) {
		t.Fatalf("unit levels = %v", got)
	}
}
