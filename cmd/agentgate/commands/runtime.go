// runtime.go builds the daemon's component graph from a loaded config.
// serve and chat share the same wiring; the ops API client commands
// (schedule, health) talk to a running daemon instead.
package commands

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/agent"
	"github.com/jholhewres/agentgate/pkg/agentgate/config"
	"github.com/jholhewres/agentgate/pkg/agentgate/gateway"
	"github.com/jholhewres/agentgate/pkg/agentgate/health"
	"github.com/jholhewres/agentgate/pkg/agentgate/persona"
	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/sandbox"
	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
	"github.com/jholhewres/agentgate/pkg/agentgate/secrets"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
	"github.com/jholhewres/agentgate/pkg/agentgate/tools"
)

// summarizePrompt instructs the model during context compaction.
const summarizePrompt = `Summarize the conversation below for use as rolling context.
Preserve decisions, facts, names, open tasks and tool outcomes. Be concise.`

// runtime holds the assembled component graph.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	store      *session.Store
	router     *persona.Router
	handles    []*provider.Handle
	chain      *provider.Chain
	compactor  *session.Compactor
	sandbox    sandbox.Executor
	executor   *tools.Executor
	loop       *agent.Loop
	manager    *agent.Manager
	dispatcher *gateway.Dispatcher
	sched      *scheduler.Scheduler
	monitor    *health.Monitor
}

// loadConfig resolves the config file from the --config flag or discovery.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		if path = config.FindConfigFile(); path == "" {
			return nil, "", fmt.Errorf("no configuration file found, run: agentgate setup")
		}
	}
	cfg, err := config.Load(path, logger)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// buildLogger creates the slog logger per config and the --verbose flag.
func buildLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	if verbose || (cfg != nil && cfg.Logging.Level == "debug") {
		level = slog.LevelDebug
	} else if cfg != nil {
		switch cfg.Logging.Level {
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	var handler slog.Handler
	if cfg != nil && cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// buildRuntime wires the full component graph. The caller owns Close.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	resolver := secrets.NewResolver(secrets.VaultFile, logger)

	// Provider handles in config order; earlier entries win.
	handles := make([]*provider.Handle, 0, len(cfg.Providers))
	for i, pc := range cfg.Providers {
		pc.APIKey = resolver.Resolve(secrets.ProviderKeyName(pc.Name), pc.APIKey)
		backend := provider.NewOpenAIBackend(pc, logger)
		handles = append(handles, provider.NewHandle(pc.Name, i, backend,
			cfg.Chain.FailureThreshold, cfg.Chain.Cooldown))
	}
	chain := provider.NewChain(handles, cfg.Chain, logger)

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Database)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	persister, err := session.NewSQLitePersister(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store := session.NewStore(persister, logger)
	if err := store.LoadPersisted(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading persisted sessions: %w", err)
	}

	summarize := func(ctx context.Context, transcript string) (string, error) {
		res, err := chain.Complete(ctx, &provider.Request{
			Turns: []session.Turn{
				session.NewTurn(session.RoleSystem, summarizePrompt),
				session.NewTurn(session.RoleUser, transcript),
			},
		})
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
	compactor := session.NewCompactor(store, summarize, cfg.Compaction, logger)

	sb := sandbox.NewDirectExecutor(cfg.Sandbox, logger)
	executor := tools.NewExecutor(cfg.Tools, logger)
	tools.RegisterBuiltins(executor, sb)

	loop := agent.NewLoop(chain, store, executor, cfg.Agent, logger)

	router, err := persona.NewRouter(cfg.Personas)
	if err != nil {
		db.Close()
		return nil, err
	}

	dispatcher := gateway.NewDispatcher(router, store, compactor, loop, logger)

	// Sub-agents run the same loop in an isolated session and post their
	// result back to the spawning conversation's channel.
	runSubagent := func(ctx context.Context, conversationID, personaName, task string) (string, error) {
		var p *persona.Persona
		if personaName != "" {
			if p = router.Get(personaName); p == nil {
				return "", fmt.Errorf("persona %q not configured", personaName)
			}
		} else {
			var rerr error
			if p, rerr = router.Resolve(conversationID); rerr != nil {
				return "", rerr
			}
		}
		final, err := loop.RunTurn(ctx, conversationID, p, session.NewTurn(session.RoleUser, task))
		if err != nil {
			return "", err
		}
		return final.Content, nil
	}
	manager := agent.NewManager(runSubagent, dispatcher.Deliver, cfg.Subagents, logger)
	manager.RegisterTools(executor)

	jobStorage, err := scheduler.NewSQLiteJobStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	sched := scheduler.New(jobStorage, dispatcher.DispatchJob, cfg.Scheduler, logger)

	monitor := health.New(handles, cfg.Health, logger)

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		store:      store,
		router:     router,
		handles:    handles,
		chain:      chain,
		compactor:  compactor,
		sandbox:    sb,
		executor:   executor,
		loop:       loop,
		manager:    manager,
		dispatcher: dispatcher,
		sched:      sched,
		monitor:    monitor,
	}, nil
}

// Close releases the runtime's resources.
func (r *runtime) Close() {
	if r.manager != nil {
		r.manager.CancelAll()
	}
	if r.sandbox != nil {
		r.sandbox.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
}
