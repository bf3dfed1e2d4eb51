package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/vole/docstore"
)

const version = "0.1.0"

func main() {
	setupLogging(false, "console")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "seed":
		runSeed(args)
	case "tail":
		runTail(args)
	case "serve":
		runServe(args)
	case "version":
		fmt.Printf("volewatch version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

// setupLogging routes logs to stderr so that command output on stdout stays
// machine readable.
func setupLogging(verbose bool, format string) {
	var writer io.Writer = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
	})
	if format == "json" {
		writer = os.Stderr
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	if verbose {
		log.Logger = logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = logger.Level(zerolog.InfoLevel)
	}
}

func printUsage() {
	fmt.Println(`volewatch - vole store operator tool

Usage:
  volewatch <command> [options]

Commands:
  seed      Load JSON documents into a store
  tail      Follow a live query and print snapshots
  serve     Serve stores over HTTP
  version   Print version
  help      Show this help

Seed Options:
  --store       Store name (required)
  --backend     Storage backend: pebble|badger (default: pebble)
  --data-dir    Data directory (default: ./vole-data)
  --path        Store path (overrides --data-dir)
  --batch-size  Documents per bulk write (default: 100)

  The final argument is a JSON file holding either an array of documents
  or one document per line. "-" reads from stdin.

Tail Options:
  --store         Store name (required)
  --backend       Storage backend: memory|pebble|badger (default: pebble)
  --data-dir      Data directory (default: ./vole-data)
  --path          Store path (overrides --data-dir)
  --mode          Query kind: doc|all_docs|view|find (default: all_docs)
  --id            Document id (doc mode)
  --ddoc          Design document name (view mode)
  --view          View name (view mode)
  --selector      Selector JSON (find mode)
  --startkey      Range start key
  --endkey        Range end key
  --limit         Maximum rows (default: 0 = unlimited)
  --skip          Rows to skip
  --include-docs  Attach document bodies to rows
  --descending    Reverse the row order

Serve Options:
  --config      Path to configuration file (default: volewatch.toml)
  --data-dir    Data directory (overrides config)
  --bind        Bind address (overrides config)
  --port        HTTP port (overrides config)

Examples:
  volewatch seed --store=app --data-dir=./data fixtures.json
  volewatch tail --store=app --mode=view --ddoc=reports --view=by_type
  volewatch serve --config=volewatch.toml --port=5984`)
}

func runSeed(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("seed", flag.ExitOnError)

	fs.StringVar(&cfg.Store, "store", "", "Store name")
	fs.StringVar(&cfg.Backend, "backend", docstore.BackendPebble, "Storage backend")
	fs.StringVar(&cfg.DataDir, "data-dir", "./vole-data", "Data directory")
	fs.StringVar(&cfg.Path, "path", "", "Store path (overrides --data-dir)")
	fs.IntVar(&cfg.BatchSize, "batch-size", 100, "Documents per bulk write")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateSeed(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "seed requires exactly one input file (or \"-\" for stdin)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleInterrupt(cancel)

	if err := executeSeed(ctx, cfg, fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Seed failed: %v\n", err)
		os.Exit(1)
	}
}

func runTail(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("tail", flag.ExitOnError)

	fs.StringVar(&cfg.Store, "store", "", "Store name")
	fs.StringVar(&cfg.Backend, "backend", docstore.BackendPebble, "Storage backend")
	fs.StringVar(&cfg.DataDir, "data-dir", "./vole-data", "Data directory")
	fs.StringVar(&cfg.Path, "path", "", "Store path (overrides --data-dir)")
	fs.StringVar(&cfg.Mode, "mode", "all_docs", "Query kind: doc|all_docs|view|find")
	fs.StringVar(&cfg.DocID, "id", "", "Document id (doc mode)")
	fs.StringVar(&cfg.DDoc, "ddoc", "", "Design document name (view mode)")
	fs.StringVar(&cfg.View, "view", "", "View name (view mode)")
	fs.StringVar(&cfg.Selector, "selector", "", "Selector JSON (find mode)")
	fs.StringVar(&cfg.StartKey, "startkey", "", "Range start key")
	fs.StringVar(&cfg.EndKey, "endkey", "", "Range end key")
	fs.IntVar(&cfg.Limit, "limit", 0, "Maximum rows (0 = unlimited)")
	fs.IntVar(&cfg.Skip, "skip", 0, "Rows to skip")
	fs.BoolVar(&cfg.IncludeDocs, "include-docs", false, "Attach document bodies to rows")
	fs.BoolVar(&cfg.Descending, "descending", false, "Reverse the row order")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ValidateTail(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleInterrupt(cancel)

	if err := executeTail(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Tail failed: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)

	configPath := fs.String("config", "volewatch.toml", "Path to configuration file")
	dataDir := fs.String("data-dir", "", "Data directory (overrides config)")
	bind := fs.String("bind", "", "Bind address (overrides config)")
	port := fs.Int("port", 0, "HTTP port (overrides config)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *bind != "" {
		cfg.HTTP.BindAddress = *bind
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Verbose, cfg.Logging.Format)

	if err := executeServe(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		os.Exit(1)
	}
}

// handleInterrupt cancels on SIGINT or SIGTERM.
func handleInterrupt(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()
}
