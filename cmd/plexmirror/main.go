package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/plexmirror/plexmirror/pkg/buildinfo"
	"github.com/plexmirror/plexmirror/pkg/config"
	"github.com/plexmirror/plexmirror/pkg/engine"
	"github.com/plexmirror/plexmirror/pkg/mediacache"
	"github.com/plexmirror/plexmirror/pkg/plexapi"
	"github.com/plexmirror/plexmirror/pkg/plog"
	"github.com/plexmirror/plexmirror/pkg/runlock"
)

// init sets up a more descriptive help message for the command-line flags.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
		fmt.Fprintf(flag.CommandLine.Output(), "Mirrors media folders via hardlinks and keeps a Plex server in sync.\n\n")
		flag.PrintDefaults()
	}
}

// cliFlags holds the parsed command-line switches. Only per-invocation
// decisions live here; everything durable belongs in the config file.
type cliFlags struct {
	configPath   string
	dryRun       bool
	skipRefresh  bool
	skipAnalyze  bool
	rebuildCache bool
	logLevel     string
	showVersion  bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to the config file. (Required)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Show what would be done without making any changes.")
	flag.BoolVar(&f.skipRefresh, "skip-refresh", false, "Skip the Plex library refresh.")
	flag.BoolVar(&f.skipAnalyze, "skip-analyze", false, "Skip triggering analyze for changed items.")
	flag.BoolVar(&f.rebuildCache, "rebuild-cache", false, "Rebuild the media cache from the server before resolving items.")
	flag.StringVar(&f.logLevel, "log-level", "", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'. Overrides the config file.")
	flag.BoolVar(&f.showVersion, "version", false, "Print the application version and exit.")
	flag.Parse()
	return f
}

// run encapsulates the main application logic and returns an error if
// something goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	f := parseFlags()

	if f.showVersion {
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
		return nil
	}
	if f.configPath == "" {
		flag.Usage()
		return fmt.Errorf("the -config flag is required")
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}

	// The flag wins over the config file for the log level.
	level := cfg.LogLevel
	if f.logLevel != "" {
		level = f.logLevel
	}
	plog.SetLevel(plog.LevelFromString(level))
	if cfg.LogFile != "" {
		plog.EnableFileOutput(cfg.LogFile)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
	if f.dryRun {
		plog.Info("Doing a dry run, nothing is modified")
	}

	// One run at a time: the cache database and the mirror trees have no
	// internal locking, so overlapping scheduled runs must be excluded here.
	lock, err := runlock.Acquire(ctx, cfg.CachePath+".lock", buildinfo.Name)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := mediacache.Open(cfg.CachePath)
	if err != nil {
		return err
	}
	defer store.Close()

	plex := plexapi.NewClient(cfg.Plex.Host, cfg.Plex.Port, cfg.Plex.Token)

	syncEngine := engine.New(cfg, plex, store, engine.Options{
		DryRun:       f.dryRun,
		SkipRefresh:  f.skipRefresh,
		SkipAnalyze:  f.skipAnalyze,
		RebuildCache: f.rebuildCache,
	})
	if _, err := syncEngine.Run(ctx); err != nil {
		return err
	}

	plog.Info(buildinfo.Name + " finished successfully.")
	return nil
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
