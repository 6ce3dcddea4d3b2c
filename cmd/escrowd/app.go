package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"escrowflow/agent"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/relay"
)

var errNeedsPostgres = errors.New("command requires the postgres ledger backend")

// app bundles the services built from one configuration.
type app struct {
	cfg  *config.Config
	log  *logrus.Logger
	pool *pgxpool.Pool

	store    ledger.Store
	agents   *agent.Service
	escrows  *escrow.Service
	disputes *dispute.Service
	auth     *auth.Service
}

func newLogger(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func openApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var creds auth.Repository
	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.pool = pool
		a.store = db.NewStore(pool)
		creds = auth.NewRepository(pool)
	case config.BackendMemory:
		a.store = ledger.NewMemStore()
		creds = auth.NewMemoryRepository()
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Ledger.Backend)
	}

	ttl, err := cfg.TokenTTLDuration()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.agents = agent.NewService(a.store, agent.Config{
		RegistrationCost: cfg.Ledger.RegistrationCost,
		ReservedMinimum:  cfg.Ledger.ReservedMinimum,
	}).WithLogger(log)
	a.escrows = escrow.NewService(a.store).WithLogger(log)
	a.disputes = dispute.NewService(dispute.NewRepository(a.store))
	a.auth = auth.NewService(creds, cfg.API.JWTSecret, ttl)
	return a, nil
}

// persistent reports an error for commands whose effects would vanish with
// an in-memory store.
func (a *app) persistent() error {
	if a.pool == nil {
		return errNeedsPostgres
	}
	return nil
}

func (a *app) server() *Server {
	return &Server{
		agentService:   a.agents,
		escrowService:  a.escrows,
		disputeService: a.disputes,
		authService:    a.auth,
		corsOrigins:    a.cfg.API.CORSOrigins,
		log:            a.log,
	}
}

func (a *app) relay() *relay.Relay {
	var pub relay.Publisher = relay.NewLogPublisher(a.log)
	if a.cfg.Relay.WebhookURL != "" {
		pub = relay.NewWebhookPublisher(a.cfg.Relay.WebhookURL, 0)
	}
	return relay.New(a.store, pub, relay.Config{
		BatchSize:     a.cfg.Relay.BatchSize,
		MaxAttempts:   a.cfg.Relay.MaxAttempts,
		RatePerSecond: a.cfg.Relay.RatePerSecond,
	}).WithLogger(a.log)
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
