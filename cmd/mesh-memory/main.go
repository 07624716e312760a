// Command mesh-memory is a thin CLI over the store: it loads the
// configuration, assembles the configured backend and runs one
// operation. Useful for poking at a deployment without writing code.
//
//	mesh-memory save <session> <key> <value>
//	mesh-memory get <session> <key>
//	mesh-memory query <embedding-json> [threshold]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/meshworks/mesh-memory/pkg/common/config"
	"github.com/meshworks/mesh-memory/pkg/memory/factory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerFromConfig("mesh-memory", cfg.Logging)
	store, err := factory.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", map[string]interface{}{"error": err.Error()})
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "save":
		if len(os.Args) != 5 {
			usage()
		}
		if err := store.Save(ctx, os.Args[2], os.Args[3], os.Args[4]); err != nil {
			log.Fatalf("Save failed: %v", err)
		}

	case "get":
		if len(os.Args) != 4 {
			usage()
		}
		value, err := store.Get(ctx, os.Args[2], os.Args[3])
		if err != nil {
			log.Fatalf("Get failed: %v", err)
		}
		fmt.Println(value)

	case "query":
		if len(os.Args) < 3 || len(os.Args) > 4 {
			usage()
		}
		threshold := 0.75
		if len(os.Args) == 4 {
			threshold, err = strconv.ParseFloat(os.Args[3], 64)
			if err != nil {
				log.Fatalf("Invalid threshold %q: %v", os.Args[3], err)
			}
		}
		results, err := store.QuerySimilar(ctx, os.Args[2], threshold)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, value := range results {
			fmt.Println(value)
		}

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  mesh-memory save <session> <key> <value>
  mesh-memory get <session> <key>
  mesh-memory query <embedding-json> [threshold]
`)
	os.Exit(2)
}
