package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pepeunit/internal/domain"
	"pepeunit/internal/repo"
)

// AgentStore looks up the agents a credential may refer to. Missing rows are repo.ErrNotFound.
type AgentStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (domain.User, error)
	GetUserByChatID(ctx context.Context, chatID string) (domain.User, error)
	GetUnit(ctx context.Context, id uuid.UUID) (domain.Unit, error)
}

// Bot is the agent of every request that carries no credential.
var Bot = domain.Agent{Name: "Bot", Type: domain.AgentTypeBot}

// BackendAgent is the agent a trusted peer or the local broker relay acts as.
func BackendAgent(backendDomain string) domain.Agent {
	return domain.Agent{
		UUID:   uuid.NewSHA1(uuid.NameSpaceDNS, []byte(backendDomain)),
		Name:   backendDomain,
		Type:   domain.AgentTypeBackend,
		Status: domain.AgentStatusVerified,
	}
}

// Resolver turns a credential into an agent.
type Resolver struct {
	Agents AgentStore
	Tokens TokenCodec
	Domain string
}

// Resolve decodes token and loads its agent. An empty token resolves to Bot.
func (r Resolver) Resolve(ctx context.Context, token string) (domain.Agent, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Bot, nil
	}
	claims, err := r.Tokens.Decode(token)
	if err != nil {
		return domain.Agent{}, unresolved(err.Error())
	}
	switch claims.Type {
	case domain.AgentTypeUser:
		id, err := uuid.Parse(claims.UUID)
		if err != nil {
			return domain.Agent{}, unresolved("Token is invalid")
		}
		user, err := r.Agents.GetUser(ctx, id)
		return r.userAgent(user, err)
	case domain.AgentTypeUnit:
		id, err := uuid.Parse(claims.UUID)
		if err != nil {
			return domain.Agent{}, unresolved("Token is invalid")
		}
		unit, err := r.Agents.GetUnit(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agent{}, unresolved("Unit not found")
		}
		if err != nil {
			return domain.Agent{}, err
		}
		return unit.Agent(), nil
	case domain.AgentTypeBackend:
		if claims.Domain != r.Domain {
			return domain.Agent{}, unresolved(fmt.Sprintf("Domain mismatch: token domain %s, instance domain %s", claims.Domain, r.Domain))
		}
		return BackendAgent(claims.Domain), nil
	}
	return domain.Agent{}, unresolved("Invalid agent type")
}

// ResolveByChatID resolves bot-originated calls by the user's linked chat id.
func (r Resolver) ResolveByChatID(ctx context.Context, chatID string) (domain.Agent, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return domain.Agent{}, unresolved("User not found")
	}
	user, err := r.Agents.GetUserByChatID(ctx, chatID)
	return r.userAgent(user, err)
}

func (r Resolver) userAgent(user domain.User, err error) (domain.Agent, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Agent{}, unresolved("User not found")
	}
	if err != nil {
		return domain.Agent{}, err
	}
	if user.Status == domain.AgentStatusBlocked {
		return domain.Agent{}, unresolved("User is Blocked")
	}
	return user.Agent(), nil
}
