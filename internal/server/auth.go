package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/access"
	"pepeunit/internal/domain"
	"pepeunit/internal/observability"
)

const (
	headerAuthToken = "x-auth-token"
	headerChatID    = "x-chat-id"
	headerBotSecret = "x-bot-secret"
)

type AuthConfig struct {
	// BotSecret authorizes x-chat-id resolution. Empty disables it.
	BotSecret string
	Logger    logrus.FieldLogger
}

func (c AuthConfig) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return observability.DiscardLogger().ForComponent("http")
}

type agentKey struct{}

func withAgent(ctx context.Context, a domain.Agent) context.Context {
	return context.WithValue(ctx, agentKey{}, a)
}

// agentFromContext returns the resolved agent, Bot when the request carried
// no credential.
func agentFromContext(ctx context.Context) domain.Agent {
	if a, ok := ctx.Value(agentKey{}).(domain.Agent); ok {
		return a
	}
	return access.Bot
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// credential picks the token from x-auth-token or a bearer Authorization header.
func credential(req *http.Request) (string, bool) {
	if token := strings.TrimSpace(req.Header.Get(headerAuthToken)); token != "" {
		return token, true
	}
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	if authz == "" {
		return "", true
	}
	return bearerToken(authz)
}

func newAuthMiddleware(basePath string, cfg AuthConfig, resolver access.Resolver) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):    true,
		path.Join(basePath, "mqtt/auth"): true,
		path.Join(basePath, "mqtt/acl"):  true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			token, ok := credential(req)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			var (
				agent domain.Agent
				err   error
			)
			switch chatID := strings.TrimSpace(req.Header.Get(headerChatID)); {
			case token != "":
				agent, err = resolver.Resolve(req.Context(), token)
			case chatID != "":
				secret := req.Header.Get(headerBotSecret)
				if cfg.BotSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(cfg.BotSecret)) != 1 {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid bot secret", nil))
					return
				}
				agent, err = resolver.ResolveByChatID(req.Context(), chatID)
			default:
				agent = access.Bot
			}
			if err != nil {
				var ue *access.UnauthorizedError
				if !errors.As(err, &ue) {
					cfg.logger().WithError(err).Error("agent resolution failed")
				}
				respondStatusError(w, handleError(err))
				return
			}
			ctx := withAgent(req.Context(), agent)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
