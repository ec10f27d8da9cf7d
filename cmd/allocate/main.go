// Package main provides a CLI for range administration against the configured store.
// Usage: allocate initial
//
//	allocate usage
//	allocate renumber <location> <operation-type>
//	allocate token admin <subject>
//	allocate token location <subject> <location>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"docnum/internal/config"
	"docnum/internal/core/numerator"
	"docnum/internal/domain/auth"
	"docnum/internal/domain/numbering"
	"docnum/internal/infrastructure/storage"
	"docnum/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLvl, Development: true})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx := context.Background()
	if err := run(ctx, cfg, os.Args[1:], os.Stdout); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`docnum range administration

Usage:
  allocate <command> [arguments]

Commands:
  initial                                Allocate first blocks for LOCATIONS x OPERATION_TYPES
  usage                                  Print usage of every active range
  renumber <location> <operation-type>   Move a pair to a fresh block
  token admin <subject>                  Print an admin bearer token
  token location <subject> <location>    Print a token bound to one location
  help                                   Show this help

Environment Variables:
  STORE_DRIVER             memory | postgres | sqlite | redis
  DATABASE_URL             Postgres connection string
  SQLITE_PATH              SQLite database file
  REDIS_URL                Redis connection URL
  LOCATIONS                Comma separated location ids (initial)
  OPERATION_TYPES          Comma separated operation types, empty for all
  RANGE_MINIMAL_SIZE       Fallback block size
  RANGE_RECOMMENDED_SIZE   Preferred block size
  JWT_SECRET               Secret used to sign tokens

Examples:
  LOCATIONS=1,2,3 allocate initial
  allocate renumber 2 sale
  allocate token location till-7 7`)
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	switch args[0] {
	case "initial":
		return withService(ctx, cfg, func(svc *numbering.Service) error { return createInitial(ctx, cfg, svc, out) })
	case "usage":
		return withService(ctx, cfg, func(svc *numbering.Service) error { return printUsageReport(ctx, svc, out) })
	case "renumber":
		if len(args) != 3 {
			return fmt.Errorf("usage: allocate renumber <location> <operation-type>")
		}
		return withService(ctx, cfg, func(svc *numbering.Service) error { return renumber(ctx, svc, args[1], args[2], out) })
	case "token":
		return printToken(cfg, args[1:], out)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func withService(ctx context.Context, cfg *config.Config, fn func(svc *numbering.Service) error) error {
	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc, err := numbering.NewService(numbering.ServiceConfig{
		Store:     backend.Store,
		Numbering: cfg.Numbering(),
		Audit:     backend.Audit,
	})
	if err != nil {
		return err
	}
	return fn(svc)
}

func createInitial(ctx context.Context, cfg *config.Config, svc *numbering.Service, out io.Writer) error {
	locations, err := cfg.LocationIDs()
	if err != nil {
		return err
	}
	if len(locations) == 0 {
		return fmt.Errorf("LOCATIONS is empty")
	}
	ops, err := cfg.OperationTypeList()
	if err != nil {
		return err
	}

	created, err := svc.CreateInitialRanges(ctx, locations, ops, cfg.MinimalSize, cfg.RecommendedSize)
	if err != nil {
		return err
	}

	ranges := make([]numerator.NumberRange, 0, len(created))
	for _, r := range created {
		ranges = append(ranges, r)
	}
	numerator.SortRanges(ranges)
	for _, r := range ranges {
		fmt.Fprintf(out, "%-12s location=%-6d start=%-14d size=%d\n", r.OperationType, r.Location, r.StartNumber, r.Size)
	}
	return nil
}

func printUsageReport(ctx context.Context, svc *numbering.Service, out io.Writer) error {
	usages, err := svc.ComputeUsage(ctx)
	if err != nil {
		return err
	}
	for _, u := range usages {
		flag := ""
		if u.NearExhaustion {
			flag = "  NEAR EXHAUSTION"
		}
		fmt.Fprintf(out, "%-16s %-24s %s%s\n", u.Key, u.Range, u.Description, flag)
	}
	return nil
}

func renumber(ctx context.Context, svc *numbering.Service, rawLoc, rawOp string, out io.Writer) error {
	loc, err := strconv.ParseInt(rawLoc, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid location %q: %w", rawLoc, err)
	}
	op, err := numerator.ParseOperationType(rawOp)
	if err != nil {
		return err
	}

	r, err := svc.Renumber(ctx, numerator.LocationID(loc), op)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s moved to %s\n", r.Key(), r)
	return nil
}

func printToken(cfg *config.Config, args []string, out io.Writer) error {
	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Issuer = cfg.JWTIssuer
	jwtConfig.AccessTokenTTL = time.Duration(cfg.JWTTTLMinutes) * time.Minute
	svc := auth.NewJWTService(jwtConfig)

	var (
		token     string
		expiresAt time.Time
		err       error
	)
	switch {
	case len(args) == 2 && args[0] == "admin":
		token, expiresAt, err = svc.GenerateAdminToken(args[1])
	case len(args) == 3 && args[0] == "location":
		loc, perr := strconv.ParseInt(args[2], 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid location %q: %w", args[2], perr)
		}
		token, expiresAt, err = svc.GenerateLocationToken(args[1], loc)
	default:
		return fmt.Errorf("usage: allocate token admin <subject> | token location <subject> <location>")
	}
	if err != nil {
		return err
	}

	return json.NewEncoder(out).Encode(map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}
