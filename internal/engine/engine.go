package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/access"
	"pepeunit/internal/datapipe"
	"pepeunit/internal/domain"
	"pepeunit/internal/events"
	"pepeunit/internal/ingest"
	"pepeunit/internal/observability"
	"pepeunit/internal/repo"
)

// ErrInvalid marks a request that is well formed but not allowed for the
// addressed resources.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type Options struct {
	Domain         string
	MaxPayloadSize int // KiB
	Tokens         access.TokenCodec
	Publisher      ingest.Publisher
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	SummaryTTL     time.Duration
	RelayTTL       time.Duration
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Router    *ingest.Router
	Drops     events.Writer
	Resolver  access.Resolver
	Validator datapipe.Validator
	Metrics   *observability.Metrics
	Summary   *observability.Cache[Summary]
	Logger    logrus.FieldLogger
	Domain    string
	Now       func() time.Time

	summaryTTL time.Duration
	relayTTL   time.Duration
}

func New(db *sql.DB, opts Options) Engine {
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = 30 * time.Second
	}
	if opts.RelayTTL <= 0 {
		opts.RelayTTL = time.Minute
	}
	r := repo.Repo{DB: db}
	drops := events.Writer{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Drops:     drops,
		Resolver:  access.Resolver{Agents: r, Tokens: opts.Tokens, Domain: opts.Domain},
		Validator: datapipe.Validator{MaxPayloadSize: opts.MaxPayloadSize},
		Metrics:   opts.Metrics,
		Logger:    logger.ForComponent("engine"),
		Domain:    opts.Domain,
		Now:       time.Now,

		summaryTTL: opts.SummaryTTL,
		relayTTL:   opts.RelayTTL,
	}
	e.Router = &ingest.Router{
		Nodes:          r,
		Edges:          r,
		Records:        r,
		Permissions:    r,
		Publisher:      opts.Publisher,
		Drops:          drops,
		Logger:         logger.ForComponent("ingest"),
		Relays:         observability.NewCache[struct{}](4096, opts.RelayTTL, nil),
		Domain:         opts.Domain,
		MaxPayloadSize: opts.MaxPayloadSize,
		Now:            time.Now,
	}
	if opts.Metrics != nil {
		e.Router.Metrics = opts.Metrics
	}
	e.Summary = observability.NewCache[Summary](1, opts.SummaryTTL, nil)
	return e
}

// WithClock returns a copy of e whose engine, router, drop ledger and caches
// all read time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Drops.Now = now
	e.Resolver.Tokens.Now = now
	router := *e.Router
	router.Now = now
	router.Relays = observability.NewCache[struct{}](4096, e.relayTTL, now)
	e.Router = &router
	e.Summary = observability.NewCache[Summary](1, e.summaryTTL, now)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) service(agent domain.Agent) access.Service {
	return access.Service{Agent: agent, Permissions: e.Repo}
}

var (
	usersOnly      = []domain.AgentType{domain.AgentTypeUser}
	usersAndUnits  = []domain.AgentType{domain.AgentTypeUser, domain.AgentTypeUnit}
	anyReader      = []domain.AgentType{domain.AgentTypeUser, domain.AgentTypeUnit, domain.AgentTypeBackend, domain.AgentTypeBot}
	creatorOwnship = []access.OwnershipType{access.OwnershipCreator}
)

// readableNode loads a node and checks the agent may see it.
func (e Engine) readableNode(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID) (domain.UnitNode, error) {
	svc := e.service(agent)
	if err := svc.CheckAccess(anyReader); err != nil {
		return domain.UnitNode{}, err
	}
	node, err := e.Repo.GetUnitNode(ctx, nodeUUID)
	if err != nil {
		return domain.UnitNode{}, fmt.Errorf("unit node %s: %w", nodeUUID, err)
	}
	if err := svc.CheckVisibility(ctx, node.Ref(), node.Visibility); err != nil {
		return domain.UnitNode{}, err
	}
	return node, nil
}

// ownedNode loads a node the agent created.
func (e Engine) ownedNode(ctx context.Context, agent domain.Agent, nodeUUID uuid.UUID) (domain.UnitNode, error) {
	svc := e.service(agent)
	if err := svc.CheckAccess(usersOnly); err != nil {
		return domain.UnitNode{}, err
	}
	node, err := e.Repo.GetUnitNode(ctx, nodeUUID)
	if err != nil {
		return domain.UnitNode{}, fmt.Errorf("unit node %s: %w", nodeUUID, err)
	}
	if err := svc.CheckOwnership(access.NodeTarget(node), creatorOwnship...); err != nil {
		return domain.UnitNode{}, err
	}
	return node, nil
}

// UserToken issues a token for a verified user.
func (e Engine) UserToken(ctx context.Context, userUUID uuid.UUID, ttl time.Duration) (string, error) {
	u, err := e.Repo.GetUser(ctx, userUUID)
	if err != nil {
		return "", fmt.Errorf("user %s: %w", userUUID, err)
	}
	if u.Status == domain.AgentStatusBlocked {
		return "", invalid("user %s is blocked", userUUID)
	}
	return e.Resolver.Tokens.UserToken(u.UUID, ttl)
}

// UnitToken issues the credential a unit connects to the broker with.
func (e Engine) UnitToken(ctx context.Context, unitUUID uuid.UUID) (string, error) {
	u, err := e.Repo.GetUnit(ctx, unitUUID)
	if err != nil {
		return "", fmt.Errorf("unit %s: %w", unitUUID, err)
	}
	return e.Resolver.Tokens.UnitToken(u.UUID)
}
