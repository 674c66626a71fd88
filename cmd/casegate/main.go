package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/db"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/logger"
	"github.com/hpungsan/casegate/internal/mcp"
	"github.com/hpungsan/casegate/internal/ops"
	"github.com/hpungsan/casegate/internal/store"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"run": true, "watch": true,
	"get": true, "eligible": true, "close": true, "timeline": true, "list": true,
	"report": true, "health": true,
	"export": true, "import": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func printBanner() {
	fmt.Println(`
   ___ __ _ ___  ___  __ _  __ _| |_ ___
  / __/ _' / __|/ _ \/ _' |/ _' | __/ _ \
 | (_| (_| \__ \  __/ (_| | (_| | ||  __/
  \___\__,_|___/\___|\__, |\__,_|\__\___|
                     |___/

  Gated evaluation for support-case triage

  Usage: casegate <command> [options]
         casegate --help

  MCP server mode requires piped input.`)
}

// baseDir returns ~/.casegate.
func baseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".casegate"), nil
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil, nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	dir, err := baseDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries MCP frames and JSON output.
	logger.Setup(cfg.Log, os.Stderr)

	database, err := db.Init(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	repo := store.New(database)
	newController := func() (*gate.Controller, error) {
		return ops.NewController(cfg, repo)
	}

	if isCLIMode() {
		app := newCLIApp(repo, cfg, newController)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'casegate --help' for usage.\n")
		os.Exit(1)
	}

	// The server starts without a provider; batch_run reports why.
	ctrl, ctrlErr := newController()
	if err := mcp.Run(repo, cfg, ctrl, ctrlErr, Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
