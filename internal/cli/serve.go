package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rafi/astra/internal/config"
	"github.com/rafi/astra/internal/logger"
	"github.com/rafi/astra/internal/sidecar"
	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/agent"
	"github.com/rafi/astra/pkg/coretools"
	"github.com/rafi/astra/pkg/loop"
	"github.com/rafi/astra/pkg/memory"
	"github.com/rafi/astra/pkg/persona"
	"github.com/rafi/astra/pkg/provider"
	"github.com/rafi/astra/pkg/router"
	"github.com/rafi/astra/pkg/session"
	"github.com/rafi/astra/pkg/subagent"
	"github.com/rafi/astra/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the astra orchestration service",
	Long: `Run the orchestration service in the foreground: it accepts turns over
HTTP, streams sidecar events over websocket, and sweeps expired sessions
in the background.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// snapshotHolder provides a consistent routing snapshot per router call
// while allowing hot reload to swap the table between calls.
type snapshotHolder struct {
	value atomic.Value
}

func (h *snapshotHolder) set(snap router.Snapshot) {
	h.value.Store(snap)
}

func (h *snapshotHolder) get() router.Snapshot {
	return h.value.Load().(router.Snapshot)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zlog := lg.Zerolog()

	if err := tracing.InitOpenTelemetry("astra"); err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.ShutdownOpenTelemetry(ctx)
	}()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir+"/workspace", 0700); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	pool := provider.NewPool()
	if cfg.Providers.Anthropic.Enabled() {
		pool.Add(provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		}))
	}
	if cfg.Providers.OpenAI.Enabled() {
		pool.Add(provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		}))
	}
	if len(pool.Names()) == 0 {
		return fmt.Errorf("no providers configured: set ASTRA_ANTHROPIC_API_KEY or ASTRA_OPENAI_API_KEY")
	}

	snapshots := &snapshotHolder{}
	snapshots.set(snapshotFromConfig(cfg))

	routes, err := router.New(router.Config{
		Pool:       pool,
		Snapshot:   snapshots.get,
		RetryBound: cfg.Router.RetryBound,
		Backoff:    cfg.Router.Backoff(),
		Logger:     zlog,
	})
	if err != nil {
		return err
	}

	bus := sidecar.NewBus(cfg.Sidecar.BufferSize, zlog)
	defer bus.Close()
	var sink sidecar.Sink = bus
	if !cfg.Sidecar.Enabled {
		sink = sidecar.NopSink{}
	}

	store, err := session.NewSQLiteStore(cfg.Session.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := session.New(session.Config{
		Store:  store,
		TTL:    cfg.Session.TTL(),
		Logger: zlog,
	})
	if err != nil {
		return err
	}

	sweeper, err := session.NewSweeper(session.SweeperConfig{
		Store:  store,
		Sink:   sink,
		Logger: zlog,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(cfg.Session.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	recall, err := memory.NewSQLiteRetriever(cfg.DataDir+"/memory.db", zlog)
	if err != nil {
		return err
	}
	defer recall.Close()

	registry := tools.NewRegistry()
	approvals := tools.NewApprovalStore()
	if err := coretools.Register(registry, coretools.Options{WorkspaceRoot: cfg.DataDir + "/workspace"}); err != nil {
		return err
	}
	if err := registerMemoryTools(registry, recall); err != nil {
		return err
	}

	loops, err := loop.New(loop.Config{
		Model:     routes,
		Registry:  registry,
		Approvals: approvals,
		Logger:    zlog,
	})
	if err != nil {
		return err
	}

	resolver := resolverFromConfig(cfg)
	runner, err := subagent.New(subagent.Config{
		Loops:          loops,
		Agents:         resolver,
		MaxDepth:       cfg.SubAgents.MaxDepth,
		DefaultTimeout: cfg.SubAgents.Timeout(),
		Sink:           sink,
		Logger:         zlog,
	})
	if err != nil {
		return err
	}
	if err := registry.Register(subagent.NewDelegateTool(runner)); err != nil {
		return err
	}

	dispatcher, err := agent.New(agent.Config{
		Sessions:  sessions,
		Loops:     loops,
		Agents:    resolver,
		Persona:   personaFromConfig(cfg),
		Memory:    recall,
		Approvals: approvals,
		Sink:      sink,
		MaxTokens: cfg.Loop.MaxTokens,
		Logger:    zlog,
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		snapshots.set(snapshotFromConfig(next))
	}, zlog)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		zlog.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turn", turnHandler(dispatcher))
	mux.HandleFunc("/v1/approve", approveHandler(approvals, registry))
	mux.Handle("/v1/events", bus.Handler())
	server := &http.Server{Addr: cfg.Sidecar.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().Str("listen", cfg.Sidecar.Listen).Msg("Astra service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func snapshotFromConfig(cfg *config.Config) router.Snapshot {
	aliases := make(map[string]router.Route, len(cfg.Models.Aliases))
	for alias, route := range cfg.Models.Aliases {
		aliases[alias] = router.Route{Provider: route.Provider, Model: route.Model}
	}
	fallbacks := make([]string, len(cfg.Models.GlobalFallbacks))
	copy(fallbacks, cfg.Models.GlobalFallbacks)
	return router.Snapshot{Aliases: aliases, GlobalFallbacks: fallbacks}
}

func resolverFromConfig(cfg *config.Config) subagent.StaticResolver {
	resolver := make(subagent.StaticResolver, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		maxRounds := ac.MaxRounds
		if maxRounds <= 0 {
			maxRounds = cfg.Loop.MaxRounds
		}
		resolver[ac.ID] = subagent.AgentSpec{
			ID:           ac.ID,
			Model:        ac.Model,
			Fallbacks:    ac.Fallbacks,
			SystemPrompt: ac.SystemPrompt,
			Tools:        ac.Tools,
			MaxRounds:    maxRounds,
		}
	}
	return resolver
}

func personaFromConfig(cfg *config.Config) persona.Store {
	prompts := make(map[string]string, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		prompts[ac.ID] = ac.SystemPrompt
	}
	return persona.NewStaticStore("", prompts)
}

// registerMemoryTools exposes the retriever to agents as tools.
func registerMemoryTools(registry *tools.Registry, recall memory.Retriever) error {
	search := &tools.Func{
		Def: tools.Definition{
			Name:        "memory_search",
			Description: "Search stored notes for context relevant to a query.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			}, []string{"query"}),
			Risk: tools.RiskSafe,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			query, _ := input["query"].(string)
			snippets, err := recall.Search(ctx, query, 5)
			if err != nil {
				return "", err
			}
			if len(snippets) == 0 {
				return "no matching notes", nil
			}
			out := ""
			for _, snip := range snippets {
				out += "- " + snip.Text + "\n"
			}
			return out, nil
		},
	}
	write := &tools.Func{
		Def: tools.Definition{
			Name:        "memory_write",
			Description: "Store a note for later recall.",
			InputSchema: tools.ObjectSchema(map[string]interface{}{
				"text":        map[string]interface{}{"type": "string"},
				"destination": map[string]interface{}{"type": "string"},
			}, []string{"text"}),
			Risk: tools.RiskGuarded,
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (string, error) {
			text, _ := input["text"].(string)
			destination, _ := input["destination"].(string)
			if err := recall.Write(ctx, text, destination); err != nil {
				return "", err
			}
			return "note stored", nil
		},
	}

	if err := registry.Register(search); err != nil {
		return err
	}
	return registry.Register(write)
}

type approveRequest struct {
	Channel     string `json:"channel"`
	ConnectorID string `json:"connector_id"`
	ChatScope   string `json:"chat_scope"`
	UserScope   string `json:"user_scope"`
	Tool        string `json:"tool"`
	// Scope is "session" for a standing approval or "call" for a
	// single-use token.
	Scope  string `json:"scope"`
	Revoke bool   `json:"revoke"`
}

type approveResponse struct {
	Granted       bool   `json:"granted"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// approveHandler is the operator surface for authorizing guarded and unsafe
// tools: standing approvals are keyed to a session identity, call tokens are
// minted per invocation.
func approveHandler(approvals *tools.ApprovalStore, registry *tools.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req approveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if _, ok := registry.Get(req.Tool); !ok {
			http.Error(w, fmt.Sprintf("unknown tool: %s", req.Tool), http.StatusBadRequest)
			return
		}

		if req.Scope == "call" {
			token, err := approvals.IssueCallToken(req.Tool)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(approveResponse{Granted: true, ApprovalToken: token})
			return
		}

		identity := session.Identity{
			Channel:     req.Channel,
			ConnectorID: req.ConnectorID,
			ChatScope:   req.ChatScope,
			UserScope:   req.UserScope,
		}
		if err := identity.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Revoke {
			approvals.Revoke(identity.Key(), req.Tool)
		} else {
			approvals.Grant(identity.Key(), req.Tool)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(approveResponse{Granted: !req.Revoke})
	}
}

type turnRequest struct {
	Channel     string `json:"channel"`
	ConnectorID string `json:"connector_id"`
	ChatScope   string `json:"chat_scope"`
	UserScope   string `json:"user_scope"`
	AgentID     string `json:"agent_id"`
	Text        string `json:"text"`
}

type turnResponse struct {
	Reply           string `json:"reply"`
	SessionKey      string `json:"session_key"`
	ExpiredPrevious bool   `json:"expired_previous"`
	Rounds          int    `json:"rounds"`
}

func turnHandler(dispatcher *agent.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req turnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.AgentID == "" {
			req.AgentID = "main"
		}

		identity := session.Identity{
			Channel:     req.Channel,
			ConnectorID: req.ConnectorID,
			ChatScope:   req.ChatScope,
			UserScope:   req.UserScope,
		}
		if err := identity.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply, err := dispatcher.HandleTurn(r.Context(), agent.Turn{
			Identity: identity,
			AgentID:  req.AgentID,
			Text:     req.Text,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(turnResponse{
			Reply:           reply.Text,
			SessionKey:      reply.SessionKey,
			ExpiredPrevious: reply.ExpiredPrevious,
			Rounds:          reply.Rounds,
		})
	}
}
