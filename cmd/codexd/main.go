// Package main provides the Living Codex CLI entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/living-codex/codex-core/pkg/codex"
	"github.com/living-codex/codex-core/pkg/config"
	"github.com/living-codex/codex-core/pkg/graph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codexd",
		Short: "Living Codex - a typed, tri-state (Ice/Water/Gas) property graph engine",
		Long: `codexd hosts the Living Codex core: nodes and edges carry a
durability phase (Ice/Water/Gas) that determines which storage tier
persists them, with edges deriving their state from the more fluid of
their two endpoints.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codexd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the core and block until a shutdown signal arrives",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Open the core once, hydrate, and report what was loaded",
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node/edge counts and the per-phase breakdown",
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	exportCmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Dump every node and edge as newline-delimited JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	rootCmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Load nodes and edges from a file previously written by export",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openCore(ctx context.Context) (*codex.Codex, *slog.Logger, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.LoadFromEnv()
	c, err := codex.Open(ctx, cfg, logger)
	if err != nil {
		return nil, logger, fmt.Errorf("opening codex core: %w", err)
	}
	return c, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, logger, err := openCore(ctx)
	if err != nil {
		return err
	}

	logger.Info("codex is ready", "nodes", len(c.AllNodes()), "edges", len(c.AllEdges()))
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Close(shutdownCtx); err != nil {
		return fmt.Errorf("closing codex core: %w", err)
	}
	fmt.Println("stopped gracefully")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, _, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	h := c.Hydration()
	fmt.Printf("nodes loaded:     %d\n", h.NodesLoaded)
	fmt.Printf("edges loaded:     %d\n", h.EdgesLoaded)
	fmt.Printf("rows skipped:     %d\n", h.RowsSkipped)
	fmt.Printf("volatile purged:  %t\n", h.VolatilePurged)
	fmt.Printf("types seeded:     %d\n", h.TypesSeeded)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, _, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	stats, err := c.StatsAsync(ctx)
	if err != nil {
		return fmt.Errorf("collecting stats: %w", err)
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// record is one line of the newline-delimited export/import format: a
// node or an edge, discriminated by kind. Exactly one of Node/Edge is
// populated.
type record struct {
	Kind string      `json:"kind"`
	Node *graph.Node `json:"node,omitempty"`
	Edge *graph.Edge `json:"edge,omitempty"`
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, _, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	nodes, edges := c.AllNodes(), c.AllEdges()
	for _, n := range nodes {
		if err := enc.Encode(record{Kind: "node", Node: n}); err != nil {
			return fmt.Errorf("encoding node %s: %w", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := enc.Encode(record{Kind: "edge", Edge: e}); err != nil {
			return fmt.Errorf("encoding edge %s->%s: %w", e.FromID, e.ToID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing export file: %w", err)
	}

	fmt.Printf("exported %d nodes, %d edges to %s\n", len(nodes), len(edges), args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	c, logger, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening import file: %w", err)
	}
	defer f.Close()

	var nodeCount, edgeCount, skipped int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("skipping unparseable import line", "err", err)
			skipped++
			continue
		}

		switch rec.Kind {
		case "node":
			if rec.Node == nil {
				skipped++
				continue
			}
			if err := c.Upsert(ctx, rec.Node); err != nil {
				logger.Warn("skipping node", "id", rec.Node.ID, "err", err)
				skipped++
				continue
			}
			nodeCount++
		case "edge":
			if rec.Edge == nil {
				skipped++
				continue
			}
			if err := c.UpsertEdge(rec.Edge); err != nil {
				logger.Warn("skipping edge", "from", rec.Edge.FromID, "to", rec.Edge.ToID, "err", err)
				skipped++
				continue
			}
			edgeCount++
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading import file: %w", err)
	}

	fmt.Printf("imported %d nodes, %d edges (%d skipped)\n", nodeCount, edgeCount, skipped)
	return nil
}
