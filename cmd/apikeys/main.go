// Command apikeys manages gateway API keys from the shell. Each key is bound
// to the wallet address whose purchases it authorizes.
//
// Usage:
//
//	apikeys create --name "buyer-1" --public-key 0xabc... [--rate-limit 100] [--expires-in 720h]
//	apikeys revoke --key <raw-key>
//	apikeys list
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/internal/auth/apikey"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Encrypted-Chunk-Marketplace/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("apikeys", cfg.Logging.Level, cfg.Logging.Format)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	keys := apikey.NewValidator(db)
	if err := keys.Migrate(ctx); err != nil {
		slog.Error("failed to migrate api keys", "error", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		cmdCreate(ctx, keys, args[1:])
	case "revoke":
		cmdRevoke(ctx, keys, args[1:])
	case "list":
		cmdList(ctx, keys)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func cmdCreate(ctx context.Context, v *apikey.Validator, args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "name for the api key")
	publicKey := fs.String("public-key", "", "wallet address the key buys for")
	rateLimit := fs.Int("rate-limit", apikey.DefaultRateLimit, "requests per window")
	expiresIn := fs.Duration("expires-in", 0, "expiry duration, e.g. 720h (optional)")
	fs.Parse(args)

	if *name == "" || *publicKey == "" {
		fmt.Fprintln(os.Stderr, "error: --name and --public-key are required")
		os.Exit(1)
	}

	var expiresAt *time.Time
	if *expiresIn > 0 {
		t := time.Now().Add(*expiresIn)
		expiresAt = &t
	}

	key, err := v.CreateKey(ctx, *name, *publicKey, *rateLimit, expiresAt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("API key created. It cannot be retrieved again.")
	fmt.Println()
	fmt.Printf("  Key:        %s\n", key)
	fmt.Printf("  Name:       %s\n", *name)
	fmt.Printf("  Rate Limit: %d\n", *rateLimit)
	if expiresAt != nil {
		fmt.Printf("  Expires:    %s\n", expiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("  Expires:    never")
	}
}

func cmdRevoke(ctx context.Context, v *apikey.Validator, args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	key := fs.String("key", "", "raw api key to revoke")
	fs.Parse(args)

	if *key == "" {
		fmt.Fprintln(os.Stderr, "error: --key is required")
		os.Exit(1)
	}
	if err := v.RevokeKey(ctx, *key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to revoke key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("API key revoked.")
}

func cmdList(ctx context.Context, v *apikey.Validator) {
	keys, err := v.ListKeys(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list keys: %v\n", err)
		os.Exit(1)
	}
	if len(keys) == 0 {
		fmt.Println("No active API keys.")
		return
	}

	fmt.Printf("%-36s  %-16s  %-42s  %-6s  %s\n", "ID", "Name", "Public Key", "Limit", "Expires")
	for _, k := range keys {
		expires := "never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("%-36s  %-16s  %-42s  %-6d  %s\n", k.ID, k.Name, k.PublicKey, k.RateLimit, expires)
	}
	fmt.Printf("\nTotal: %d active key(s)\n", len(keys))
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: apikeys <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  create   Create an API key bound to a wallet address")
	fmt.Fprintln(os.Stderr, "  revoke   Revoke an API key")
	fmt.Fprintln(os.Stderr, "  list     List active API keys")
}
