package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/api"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/config"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve gateway tools over MCP (stdio)",
	Long: `Serve the gateway's administration and chat tools to an MCP client over
stdin/stdout. The command opens the same database as "cursorgw serve"; the
chat tool sends prompts through the rotating credential pool.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().String("model", "", "default model for the chat tool")
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr only.
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logging.Sync(log)

	g, err := buildGateway(cfg, log)
	if err != nil {
		return err
	}
	defer g.store.Close()

	model, _ := cmd.Flags().GetString("model")
	srv := api.NewMCPServer(api.MCPDeps{
		Store:    g.store,
		Pool:     g.pool,
		Queue:    g.queue,
		Pipeline: g.pipeline,
		Model:    model,
		Version:  version,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("MCP server started (stdio transport)")
	stdio := server.NewStdioServer(srv)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("MCP stdio server error", zap.Error(err))
		return err
	}
	return nil
}
