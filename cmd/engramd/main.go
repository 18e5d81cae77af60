// cmd/engramd is a thin process entry point around the Engram core. It
// stands in for the MCP/REST/WebSocket/CLI front ends spec.md §1 treats as
// external collaborators: this binary only opens the store, starts the
// background loops (embedding workers, lifecycle sweeper, decay jobs), and
// keeps them running until a shutdown signal arrives. Nothing here speaks
// a wire protocol — wiring an actual transport is explicitly out of scope.
//
// Startup sequence mirrors the teacher's memento-mcp entry point:
//  1. Load configuration from environment variables.
//  2. Ensure the data directory exists.
//  3. Open the Engram core (applies pending migrations, starts workers).
//  4. Block until SIGINT/SIGTERM, then close the core cleanly.
package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/embedder"
	"github.com/engramdb/engram/internal/engine"
)

func main() {
	log.SetPrefix("engramd: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if dir := filepath.Dir(cfg.Storage.DataPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Fatalf("failed to create data directory %q: %v", dir, err)
		}
	}

	opts := engine.Options{
		Clock: embedder.SystemClock{},
		IDs:   embedder.NewSequentialIdGen(),
	}
	// No production Embedder implementation ships with this core — only
	// the capability interface and its resilient wrapper (spec.md §6, §9
	// list concrete variants as TFIDF/OpenAI-compatible, neither of which
	// is this module's concern). Operators that want real embeddings wire
	// one in; without it the embedding queue degrades gracefully per
	// spec.md §4.4 and pending rows simply accumulate.
	if os.Getenv("ENGRAM_LOCAL_EMBEDDER") == "1" {
		opts.Embedder = embedder.NewResilient(embedder.NewHashEmbedder(cfg.Embedder.Dimensions), cfg.Embedder.RatePerSecond)
	}

	core, err := engine.Open(cfg, opts)
	if err != nil {
		log.Fatalf("failed to open engram core: %v", err)
	}
	log.Printf("engram core ready, store=%s", cfg.Storage.DataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("received shutdown signal, stopping background loops")
	if err := core.Close(); err != nil {
		log.Fatalf("error during shutdown: %v", err)
	}
	log.Println("shutdown complete")
}
