package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dripmcp "github.com/rendis/drip/pkg/mcp"
)

const usage = `usage: drip <command> [flags]

commands:
  serve     run the dispatcher schedule and the MCP server on stdio
  pass      run one dispatcher pass and print the result
  migrate   apply database migrations
  load      create a sequence (and its templates) from a YAML file
  version   print the build version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		runServe(args)
	case "pass":
		runPass(args)
	case "migrate":
		runMigrate(args)
	case "load":
		runLoad(args)
	case "version":
		printVersion()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func mustConfig() Config {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}
	return cfg
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	noMCP := fs.Bool("no-mcp", false, "run only the dispatcher schedule")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, mustConfig())
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(shutdownCtx)
	}()

	if err := a.scheduler.Start(ctx); err != nil {
		fatal(err)
	}

	if *noMCP {
		<-ctx.Done()
		return
	}
	srv := dripmcp.NewDripServer(dripmcp.DripServerDeps{
		Manager: a.manager,
		Passes:  a.scheduler,
		Events:  a.store,
		Hub:     a.hub,
		Logger:  a.logger,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("mcp server stopped", slog.String("error", err.Error()))
	}
}

func runPass(args []string) {
	fs := flag.NewFlagSet("pass", flag.ExitOnError)
	tenant := fs.String("tenant", "", "limit the pass to one tenant")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := newApp(ctx, mustConfig())
	if err != nil {
		fatal(err)
	}
	defer a.close(ctx)

	res, err := a.scheduler.RunOnce(ctx, *tenant)
	if err != nil {
		a.close(ctx)
		fatal(err)
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	vacuum := fs.Bool("vacuum", false, "compact the database after migrating")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := mustConfig()
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	if *vacuum {
		if err := st.Vacuum(ctx); err != nil {
			fatal(err)
		}
	}
	fmt.Printf("Database ready at %s\n", cfg.DBPath)
}
