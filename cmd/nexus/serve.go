package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexuscore/nexus/internal/compaction"
	"github.com/nexuscore/nexus/internal/config"
	"github.com/nexuscore/nexus/internal/ctxassembler"
	"github.com/nexuscore/nexus/internal/gateway"
	"github.com/nexuscore/nexus/internal/memory"
	"github.com/nexuscore/nexus/internal/models"
	"github.com/nexuscore/nexus/internal/providers"
	"github.com/nexuscore/nexus/internal/sessionfiles"
	"github.com/nexuscore/nexus/internal/store"
	"github.com/nexuscore/nexus/internal/stream"
	"github.com/nexuscore/nexus/internal/tools"
	"github.com/nexuscore/nexus/internal/toolloop"
	pmodels "github.com/nexuscore/nexus/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the WebSocket Gateway with all configured providers and tools.

The server will:
1. Load configuration from the given file (env overrides always win for secrets)
2. Open the Durable Store (Postgres or the embedded SQLite backend)
3. Wire whichever LLM providers have an API_KEY_* set
4. Serve the WebSocket Gateway until SIGINT/SIGTERM`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := stream.NewRegistry(logger)
	catalog := models.NewCatalog()

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build provider adapters: %w", err)
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no provider adapters configured: set at least one API_KEY_*")
	}
	resolver := buildResolver(catalog, adapters)

	var srv *gateway.Server
	bcast := serverBroadcaster{get: func() *gateway.Server { return srv }}

	settings := config.NewSettings(st, cfg, bcast)
	assembler := ctxassembler.New(st, func(model string) bool { return modelSupportsVision(catalog, model) })

	resources := tools.NewResourceManager(cfg.Tools.IdleTimeout, logger)
	executor := tools.NewExecutor(resources)
	tools.RegisterFilesystemTools(executor, tools.FilesystemConfig{Root: cfg.Tools.WorkspaceRoot, MaxReadBytes: cfg.Tools.MaxReadBytes})
	tools.RegisterMemoryTools(executor, st, cfg.Memory.MaxReturnTokens*4)
	browserCfg := tools.BrowserConfig{Headless: cfg.Tools.BrowserHeadless}
	tools.RegisterBrowserTools(executor, browserCfg)
	// No CoordinateBackend is wired here: §1 treats the vision/showui
	// locate models as out of scope. vnc_click is still registered so the
	// runtime setting (§6 vnc_coordinate_backend) has somewhere to land;
	// calls fail with a structured "unknown backend" error until one is
	// configured.
	tools.RegisterVNCTools(executor, settings, map[string]tools.CoordinateBackend{}, tools.BrowserScreenshot(executor, browserCfg))

	policy := tools.NewApprovalPolicy(&tools.Policy{Profile: tools.ProfileCoding})

	systemPrompt := func(ctx context.Context, sessionID string) (string, error) {
		if v, err := settings.Get(ctx, config.KeySystemPrompt); err != nil {
			return "", err
		} else if v != "" {
			return v, nil
		}
		return defaultSystemPrompt, nil
	}

	summarizer := providerSummarizer{resolve: resolver}
	compactor := compaction.NewEngine(st, summarizer, bcast)

	loop := toolloop.NewLoop(registry, st, assembler, resolver, executor, policy, systemPrompt, settings, compactor, logger)

	filesRoot := filepath.Join(cfg.Tools.WorkspaceRoot, ".nexus-files")
	if cfg.Tools.WorkspaceRoot == "" {
		filesRoot = ".nexus-files"
	}
	files, err := sessionfiles.NewStore(filesRoot)
	if err != nil {
		return fmt.Errorf("open session files store: %w", err)
	}

	memSvc := memory.NewService(st, bcast, cfg.Memory.MaxStorageTokens, cfg.Memory.MaxReturnTokens)

	srv = gateway.NewServer(st, registry, loop, compactor, settings, memSvc, files, executor, policy, catalog, cfg.Gateway.JWTSecret, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	httpServer := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("nexus gateway listening", "addr", addr, "providers", adapterNames(adapters))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

const defaultSystemPrompt = "You are a helpful assistant with access to tools. Use them when they would help answer the user accurately."

// serverBroadcaster lets the Settings/Compaction Engine/Memory Service be
// constructed before the gateway.Server that implements their Broadcaster
// interface exists: get is re-evaluated on every Push, so wiring srv after
// the fact (it needs these components as constructor arguments) works.
type serverBroadcaster struct {
	get func() *gateway.Server
}

func (b serverBroadcaster) Push(sessionID string, ev pmodels.Event) {
	if s := b.get(); s != nil {
		s.Push(sessionID, ev)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "postgresql":
		pgCfg := store.DefaultPostgresConfig()
		pgCfg.DSN = cfg.Database.URL
		if cfg.Database.MaxConnections > 0 {
			pgCfg.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		return store.NewPostgresStore(ctx, pgCfg)
	default:
		path := cfg.Database.URL
		if path == "" {
			path = "nexus.db"
		}
		return store.NewSQLiteStore(ctx, path)
	}
}

// buildAdapters wires one Provider Adapter per configured API_KEY_*. A
// provider with no key set is simply absent from the map; resolving a
// model routed to it fails with a clear error rather than panicking.
func buildAdapters(ctx context.Context, cfg *config.Config) (map[models.Provider]toolloop.Provider, error) {
	adapters := make(map[models.Provider]toolloop.Provider)
	if key := cfg.LLM.APIKeys["anthropic"]; key != "" {
		adapters[models.ProviderAnthropic] = providers.NewAnthropicAdapter(providers.AnthropicConfig{APIKey: key})
	}
	if key := cfg.LLM.APIKeys["openai"]; key != "" {
		adapters[models.ProviderOpenAI] = providers.NewOpenAIAdapter(providers.OpenAIConfig{APIKey: key})
	}
	if key := cfg.LLM.APIKeys["google"]; key != "" {
		adapter, err := providers.NewGeminiAdapter(ctx, providers.GeminiConfig{APIKey: key})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		adapters[models.ProviderGoogle] = adapter
	}
	if _, ok := cfg.LLM.APIKeys["bedrock"]; ok {
		adapter, err := providers.NewBedrockAdapter(ctx, providers.BedrockConfig{})
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		adapters[models.ProviderBedrock] = adapter
	}
	return adapters, nil
}

func adapterNames(adapters map[models.Provider]toolloop.Provider) []string {
	names := make([]string, 0, len(adapters))
	for p := range adapters {
		names = append(names, string(p))
	}
	return names
}

func buildResolver(catalog *models.Catalog, adapters map[models.Provider]toolloop.Provider) toolloop.ProviderResolver {
	return func(model string) (toolloop.Provider, error) {
		m, ok := catalog.Get(model)
		if !ok {
			return nil, fmt.Errorf("toolloop: unknown model %q", model)
		}
		adapter, ok := adapters[m.Provider]
		if !ok {
			return nil, fmt.Errorf("toolloop: no provider adapter configured for %q (model %q)", m.Provider, model)
		}
		return adapter, nil
	}
}

func modelSupportsVision(catalog *models.Catalog, model string) bool {
	m, ok := catalog.Get(model)
	if !ok {
		return false
	}
	return m.SupportsVision()
}

// providerSummarizer implements compaction.Summarizer over a Provider in
// non-streaming mode: it runs one Stream call with a single user turn and
// accumulates the token events into a single string, since the Tool Loop's
// Provider contract has no separate non-streaming entry point.
type providerSummarizer struct {
	resolve toolloop.ProviderResolver
}

func (s providerSummarizer) Summarize(ctx context.Context, model, instruction, transcript string) (string, error) {
	adapter, err := s.resolve(model)
	if err != nil {
		return "", err
	}
	req := toolloop.Request{
		Model: model,
		History: []toolloop.Turn{
			{Role: pmodels.RoleUser, Content: instruction + "\n\n" + transcript},
		},
	}
	var out strings.Builder
	var streamErr error
	err = adapter.Stream(ctx, req, func(ev pmodels.Event) {
		switch ev.Type {
		case pmodels.EventToken:
			if ev.Token != nil {
				out.WriteString(ev.Token.Delta)
			}
		case pmodels.EventError:
			if ev.Error != nil {
				streamErr = fmt.Errorf("%s: %s", ev.Error.Kind, ev.Error.Message)
			}
		}
	})
	if err != nil {
		return "", err
	}
	if streamErr != nil {
		return "", streamErr
	}
	return out.String(), nil
}
