package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/apikey"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/postgres"
)

// apikeys manages operator keys for the administrative endpoints of the
// ranker and materializer.
//
// Usage:
//
//	apikeys create  --name "oncall" [--expires-in 720h]
//	apikeys revoke  --key <raw-key>
//	apikeys list
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Exec(ctx, apikey.Schema...); err != nil {
		slog.Error("failed to apply api key schema", "error", err)
		os.Exit(1)
	}
	store := apikey.NewStore(db)

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		cmdCreate(ctx, store, args[1:])
	case "revoke":
		cmdRevoke(ctx, store, args[1:])
	case "list":
		cmdList(ctx, store)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func cmdCreate(ctx context.Context, s *apikey.Store, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "operator or system the key is issued to")
	expiresIn := fs.Duration("expires-in", 0, "expiry duration, e.g. 720h (optional)")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expiresIn > 0 {
		t := time.Now().Add(*expiresIn)
		expiresAt = &t
	}

	key, err := s.Create(ctx, *name, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Operator key created. It cannot be shown again.")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", key)
	fmt.Printf("  Name:    %s\n", *name)
	if expiresAt != nil {
		fmt.Printf("  Expires: %s\n", expiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("  Expires: never")
	}
}

func cmdRevoke(ctx context.Context, s *apikey.Store, args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	key := fs.String("key", "", "raw key to revoke")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "error: --key is required")
		os.Exit(1)
	}

	if err := s.Revoke(ctx, *key); err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			fmt.Fprintln(os.Stderr, "no active key matches")
		} else {
			fmt.Fprintf(os.Stderr, "failed to revoke key: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Println("Operator key revoked.")
}

func cmdList(ctx context.Context, s *apikey.Store) {
	keys, err := s.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list keys: %v\n", err)
		os.Exit(1)
	}

	if len(keys) == 0 {
		fmt.Println("No active operator keys.")
		return
	}

	fmt.Printf("%-8s  %-24s  %-25s  %s\n", "ID", "Name", "Created", "Expires")
	fmt.Println("--------  ------------------------  -------------------------  -------------------------")
	for _, k := range keys {
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-8d  %-24s  %-25s  %s\n", k.ID, k.Name, k.CreatedAt.Format(time.RFC3339), expires)
	}

	fmt.Printf("\nTotal: %d active key(s)\n", len(keys))
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: apikeys <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  create   Issue a new operator key")
	fmt.Fprintln(os.Stderr, "  revoke   Revoke an operator key")
	fmt.Fprintln(os.Stderr, "  list     List active operator keys")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, `  apikeys create --name "oncall" --expires-in 720h`)
	fmt.Fprintln(os.Stderr, `  apikeys revoke --key "abc123..."`)
	fmt.Fprintln(os.Stderr, `  apikeys list`)
}
