package commands

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jakechorley/carevisit/internal/config"
	"github.com/jakechorley/carevisit/pkg/clients/kafkaclient"
	"github.com/jakechorley/carevisit/pkg/core/model"
	"github.com/jakechorley/carevisit/pkg/core/services"
	"github.com/jakechorley/carevisit/pkg/db"
	"github.com/jakechorley/carevisit/pkg/metrics"
	"github.com/jakechorley/carevisit/pkg/postgres"
)

// AppContext holds the application dependencies shared across all commands
type AppContext struct {
	Env      string
	Cfg      *config.Config
	Store    db.Store
	Postgres *postgres.DB // nil unless the postgres driver is configured
	Core     *services.Core
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	// Publisher is nil unless kafka brokers are configured
	Publisher *kafkaclient.Publisher
	Logger    *zap.Logger
	Ctx       context.Context

	// Set from the persistent --actor and --elevated flags
	ActorID       string
	ActorElevated bool
}

// Actor returns the caller identity given on the command line
func (a *AppContext) Actor() (model.Actor, error) {
	if a.ActorID == "" {
		return model.Actor{}, fmt.Errorf("--actor is required for this command")
	}
	return model.Actor{ID: a.ActorID, Elevated: a.ActorElevated}, nil
}

// Close releases the store and publisher
func (a *AppContext) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
