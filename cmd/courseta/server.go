package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"courseta/internal/api"
	"courseta/internal/config"
	"courseta/internal/index"
	"courseta/internal/pipeline"
	"courseta/internal/provider"
	"courseta/internal/query"
	"courseta/internal/retrieval"
	"courseta/internal/storage"
	"courseta/internal/synthesis"
)

var mcpStdio bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the courseta HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&mcpStdio, "mcp", false, "also serve MCP tools over stdio")
}

func runServer(parent context.Context) error {
	fmt.Fprintf(os.Stderr, "courseta version %s\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	})))

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("no provider API key configured (set OPENAI_API_KEY or provider.api_key)")
	}
	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured (set COURSETA_API_TOKEN or server.api_token)")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	client := provider.NewClient(provider.Options{
		BaseURL:         cfg.Provider.BaseURL,
		APIKey:          cfg.Provider.APIKey,
		EmbedModel:      cfg.Provider.EmbedModel,
		CompletionModel: cfg.Provider.CompletionModel,
		VisionModel:     cfg.Provider.VisionModel,
		RequestsPerSec:  cfg.Provider.RequestsPerSec,
		MaxRetries:      cfg.Provider.MaxRetries,
	})

	idx := index.New(store.DB())
	retriever := retrieval.NewRetriever(client, idx, cfg.Retrieval.SimilarityFloor)
	synthesizer := synthesis.New(client, 0, cfg.Retrieval.MaxLinks)
	queries := query.NewNormalizer(client)
	svc := pipeline.NewService(
		client, idx, retriever, synthesizer, queries, store,
		cfg.Retrieval.TopK, cfg.Chunking.MaxTokens, cfg.Chunking.OverlapTokens,
	)

	handler := api.NewHandler(api.Deps{
		Pipeline: svc,
		Ingester: svc,
		Store:    store,
		Index:    idx,
		Deleter:  idx,
		Token:    cfg.Server.APIToken,
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Pipeline: svc, Retriever: retriever})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("courseta listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
