package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/domain"
	"pepeunit/internal/engine"
)

const (
	hookAllow = "allow"
	hookDeny  = "deny"
)

// mqttAgent resolves a broker client by the token it sent as username. Only
// Units and the backend connect to the broker.
func mqttAgent(ctx context.Context, e engine.Engine, token string) (domain.Agent, bool) {
	if token == "" {
		return domain.Agent{}, false
	}
	agent, err := e.Resolver.Resolve(ctx, token)
	if err != nil {
		return domain.Agent{}, false
	}
	switch agent.Type {
	case domain.AgentTypeUnit, domain.AgentTypeBackend:
		return agent, true
	}
	return domain.Agent{}, false
}

func hookLogger(e engine.Engine) logrus.FieldLogger {
	return e.Logger.WithField("component", "broker_hooks")
}

func registerBrokerHooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mqtt-auth",
		Method:      http.MethodPost,
		Path:        "/mqtt/auth",
		Summary:     "Broker connect hook",
		Tags:        []string{"broker"},
	}, func(ctx context.Context, input *struct {
		Body MQTTAuthRequest
	}) (*struct {
		Body MQTTHookResponse `json:"body"`
	}, error) {
		resp := MQTTHookResponse{Result: hookDeny}
		if agent, ok := mqttAgent(ctx, e, input.Body.Username); ok {
			resp.Result = hookAllow
			resp.IsSuperuser = agent.Type == domain.AgentTypeBackend
		} else {
			hookLogger(e).WithField("clientid", input.Body.ClientID).Debug("broker connect denied")
		}
		return &struct {
			Body MQTTHookResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mqtt-acl",
		Method:      http.MethodPost,
		Path:        "/mqtt/acl",
		Summary:     "Broker publish/subscribe authorization hook",
		Tags:        []string{"broker"},
	}, func(ctx context.Context, input *struct {
		Body MQTTACLRequest
	}) (*struct {
		Body MQTTHookResponse `json:"body"`
	}, error) {
		resp := MQTTHookResponse{Result: hookDeny}
		agent, ok := mqttAgent(ctx, e, input.Body.Username)
		if ok {
			var err error
			switch input.Body.Action {
			case "publish":
				err = e.Router.AuthorizePublish(ctx, agent, input.Body.Topic)
			case "subscribe":
				err = e.Router.AuthorizeSubscribe(ctx, agent, input.Body.Topic)
			}
			if err == nil {
				resp.Result = hookAllow
			} else {
				hookLogger(e).WithFields(logrus.Fields{
					"topic":  input.Body.Topic,
					"action": input.Body.Action,
					"agent":  agent.Name,
				}).WithError(err).Debug("broker acl denied")
			}
		}
		return &struct {
			Body MQTTHookResponse `json:"body"`
		}{Body: resp}, nil
	})
}
