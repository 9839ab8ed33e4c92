package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kcenon/ad-sdlc/internal/config"
	"github.com/kcenon/ad-sdlc/internal/dispatch"
	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
	"github.com/kcenon/ad-sdlc/internal/registry"
	"github.com/kcenon/ad-sdlc/internal/scratchpad"
	"github.com/kcenon/ad-sdlc/internal/security"
	"github.com/kcenon/ad-sdlc/internal/statemgr"
)

// app bundles the long-lived components a command runs against, built
// once from environment+file configuration the way the teacher's main()
// builds a Config and hands it to the Orchestrator.
type app struct {
	cfg      config.Config
	workflow config.WorkflowConfig

	sp         *scratchpad.Scratchpad
	sm         *statemgr.Manager
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	gate       *security.Gate
	logger     *slog.Logger
}

// remoteAgent is the Agent Registry's lifecycle handle for an agent whose
// body lives entirely outside this process (reached over the file
// bridge): there is nothing to construct or dispose beyond the descriptor
// bookkeeping the Registry itself already does.
type remoteAgent struct{ id string }

func (r remoteAgent) AgentID() string { return r.id }
func (r remoteAgent) Dispose() error  { return nil }

func remoteAgentConstructor(id string) registry.Constructor {
	return func() (registry.Instance, error) { return remoteAgent{id: id}, nil }
}

func logLevel(s string) slog.Level {
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// docsRootFor derives docs/ as a sibling of AD_SDLC_HOME, per §6's on-disk
// layout where docs/ sits alongside .ad-sdlc/ at the project root.
func docsRootFor(home string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(home)), "docs")
}

// buildApp wires every component a CLI command needs from cfg, validating
// and loading config/workflow.yaml and config/agents.yaml along the way.
func buildApp(cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	spRoot := filepath.Join(cfg.Home, "scratchpad")
	sp := scratchpad.New(spRoot, 10*time.Second)
	sm := statemgr.New(sp)

	workflowCfg, err := config.LoadWorkflow(filepath.Join(cfg.Home, "config", "workflow.yaml"))
	if err != nil {
		return nil, err
	}
	agentsCfg, err := config.LoadAgents(filepath.Join(cfg.Home, "config", "agents.yaml"))
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	var fileBridgeTypes []string
	for _, a := range agentsCfg.Agents {
		desc := model.AgentDescriptor{
			AgentID:      a.AgentID,
			Name:         a.Name,
			Description:  a.Description,
			Lifecycle:    a.Lifecycle,
			Dependencies: a.Dependencies,
		}
		if err := reg.Register(desc, remoteAgentConstructor(a.AgentID)); err != nil {
			return nil, err
		}
		if err := reg.ValidateDependencies(a.AgentID); err != nil {
			return nil, err
		}
		if a.Transport == "file-bridge" {
			fileBridgeTypes = append(fileBridgeTypes, a.AgentType)
		}
	}

	secrets := security.NewSecretManagerWithLookup(os.LookupEnv)
	whitelist := security.NewWhitelist(
		security.CommandSpec{Base: "git", Subcommands: map[string]bool{
			"status": true, "diff": true, "commit": true, "push": true, "checkout": true, "merge": true,
		}},
	)
	limiter := security.NewRateLimiter(5, 10)

	docs, err := security.NewPathResolver(docsRootFor(cfg.Home))
	if err != nil {
		return nil, err
	}

	auditPath := filepath.Join(cfg.Home, "logs", "audit.db")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create log directory", err)
	}
	audit, err := security.OpenSQLAuditLog(auditPath)
	if err != nil {
		return nil, err
	}

	gate := security.NewGate(whitelist, docs, secrets, limiter, audit)

	fileBridge := dispatch.NewFileBridgeTransport(spRoot, 250*time.Millisecond, fileBridgeTypes)
	audited := dispatch.NewAuditingTransport(fileBridge, audit)
	dispatcher := dispatch.New(audited)

	return &app{
		cfg:        cfg,
		workflow:   workflowCfg,
		sp:         sp,
		sm:         sm,
		registry:   reg,
		dispatcher: dispatcher,
		gate:       gate,
		logger:     logger,
	}, nil
}

// docsPathResolver exposes the Gate's path resolver for components (the
// Orchestrator's final-document publisher) that need it directly.
func (a *app) docsPathResolver() *security.PathResolver {
	return a.gate.Paths
}
