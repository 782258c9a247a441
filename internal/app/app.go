// Package app wires a pepeunit instance from its settings.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pepeunit/internal/access"
	"pepeunit/internal/config"
	"pepeunit/internal/db"
	"pepeunit/internal/engine"
	"pepeunit/internal/migrate"
	"pepeunit/internal/mqtt"
	"pepeunit/internal/observability"
	"pepeunit/internal/server"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	Settings *config.Settings
	DB       *sql.DB
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Engine   engine.Engine
}

// Open migrates the workspace database and builds the engine. Logs go to
// logOut, stdout when nil.
func Open(ctx context.Context, s *config.Settings, logOut io.Writer) (*App, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := observability.NewLogger(s.Log, logOut)
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.ForComponent("app").WithField("applied", applied).Info("migrations applied")
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e := engine.New(conn, engine.Options{
		Domain:         s.BackendDomain,
		MaxPayloadSize: s.MQTTMaxPayloadSize,
		Tokens:         access.TokenCodec{Secret: s.SecretKey, UnitTTL: s.UnitTokenTTL},
		Logger:         logger,
		Metrics:        observability.NewMetrics(reg),
		SummaryTTL:     s.MetricsCacheTTL,
	})
	return &App{Settings: s, DB: conn, Logger: logger, Registry: reg, Engine: e}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Auth:     server.AuthConfig{BotSecret: a.Settings.BotSecret, Logger: a.Logger.ForComponent("http")},
		Gatherer: a.Registry,
	})
}

// Broker builds the MQTT client and installs it as the router's publisher.
// The backend connects with its own token unless a username is configured.
func (a *App) Broker() (*mqtt.Client, error) {
	s := a.Settings
	username := s.MQTT.Username
	if username == "" {
		token, err := a.Engine.Resolver.Tokens.BackendToken(s.BackendDomain, 0)
		if err != nil {
			return nil, fmt.Errorf("backend token: %w", err)
		}
		username = token
	}
	client := mqtt.New(mqtt.Config{
		Broker:   s.MQTT.Broker,
		ClientID: s.MQTT.ClientID,
		Username: username,
		Password: s.MQTT.Password,
		QoS:      s.MQTT.QoS,
		Domain:   s.BackendDomain,
	}, access.BackendAgent(s.BackendDomain), a.Engine.Router, a.Logger.ForComponent("mqtt"))
	a.Engine.Router.Publisher = client
	return client, nil
}

// Serve runs the broker subscriber and the HTTP API until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	log := a.Logger.ForComponent("app")
	if a.Settings.MQTT.Broker != "" {
		client, err := a.Broker()
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: a.Settings.HTTP.Addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.WithField("addr", a.Settings.HTTP.Addr).Info("serving pepeunit API")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
