package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/zhouzirui/turnflow/internal/config"
	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/docstore/badgerstore"
	"github.com/zhouzirui/turnflow/internal/docstore/couchstore"
	"github.com/zhouzirui/turnflow/internal/journal"
	"github.com/zhouzirui/turnflow/internal/logger"
	"github.com/zhouzirui/turnflow/internal/observability"
	"github.com/zhouzirui/turnflow/internal/persister"
	"github.com/zhouzirui/turnflow/internal/retry"
	"github.com/zhouzirui/turnflow/internal/service/ai"
	"github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
	"github.com/zhouzirui/turnflow/internal/worker"
	"github.com/zhouzirui/turnflow/internal/workflow"
)

// app holds the wired services shared by every command.
type app struct {
	cfg          *config.Config
	log          zerolog.Logger
	journal      *journal.Journal
	chats        *chat.Service
	orchestrator *workflow.Orchestrator
	recovery     *worker.Pool

	closers []func() error
}

func bootstrap(ctx context.Context) (*app, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Options{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	zlog.Logger = log
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, using the process environment only")
	}

	a := &app{cfg: cfg, log: log}

	shutdownTracing, err := observability.Setup(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	opener, err := a.openStore()
	if err != nil {
		a.close()
		return nil, err
	}

	a.journal, err = journal.Open(journal.Options{
		Path:     cfg.Journal.Path,
		InMemory: cfg.Journal.InMemory,
		Logger:   log,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, a.journal.Close)

	sessions := session.NewJWTIssuer(a.sessionSecret(), cfg.Session.TTL)
	a.chats = chat.NewService(opener, sessions, log)

	wf := cfg.Workflow
	a.orchestrator = workflow.New(workflow.Options{
		Journal:   a.journal,
		Opener:    opener,
		Sessions:  sessions,
		Generator: ai.NewService(cfg.AI, log),
		Persister: persister.New(persister.Options{
			Policy: policy(wf.ChunkMaxRetries, wf),
			Buffer: wf.StreamBuffer,
			Logger: log,
		}),
		CleanupPolicy:     policy(wf.ConsolidateMaxRetries, wf),
		StatusMaxAttempts: wf.StatusMaxAttempts,
		Logger:            log,
	})

	a.recovery = worker.NewPool(a.journal, a.orchestrator, worker.Config{
		WorkerCount: cfg.Recovery.Workers,
		Interval:    cfg.Recovery.Interval,
		StaleAfter:  cfg.Recovery.StaleAfter,
	}, log)

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("default_model", cfg.AI.DefaultModel).
		Bool("ark", cfg.AI.ArkEnabled()).
		Bool("tracing", cfg.Tracing.Enabled).
		Msg("services initialized")
	return a, nil
}

func (a *app) openStore() (docstore.Opener, error) {
	switch a.cfg.Store.Backend {
	case "couch":
		return couchstore.New(couchstore.Config{
			BaseURL: a.cfg.Store.CouchURL,
			Timeout: a.cfg.Store.CouchTimeout,
		}), nil
	default:
		bcfg := badgerstore.DefaultConfig(a.cfg.Store.BadgerPath)
		if a.cfg.Store.BadgerMemory {
			bcfg = badgerstore.InMemoryConfig()
		}
		bcfg.Logger = a.log
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	}
}

// sessionSecret returns the configured signing secret. The embedded store
// ignores tokens, so without one a random per-process secret is used.
func (a *app) sessionSecret() string {
	if a.cfg.Session.Secret != "" {
		return a.cfg.Session.Secret
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		a.log.Warn().Err(err).Msg("could not generate a session secret")
		return ""
	}
	if a.cfg.Store.Backend == "couch" {
		a.log.Warn().Msg("SESSION_SECRET is unset; the remote store will reject minted tokens")
	}
	return hex.EncodeToString(buf)
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn().Err(err).Msg("shutdown finished with errors")
	}
}

func policy(maxRetries int, wf config.WorkflowConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = maxRetries
	p.InitialDelay = wf.RetryBaseDelay
	return p
}
