package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"shadowscan/config"
	"shadowscan/internal/cache"
	"shadowscan/internal/logger"
	"shadowscan/internal/metrics"
	"shadowscan/internal/normalize"
	"shadowscan/internal/orchestrator"
	"shadowscan/internal/rules"
	"shadowscan/internal/signature"
	"shadowscan/internal/store"
	"shadowscan/internal/taxonomy"
	"shadowscan/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat("shadowscan.yml"); err == nil {
		return "shadowscan.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), "shadowscan.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "shadowscan.yml"
}

func applyDefaults(cfg *config.Config) {
	sc := &cfg.ShadowScan

	if sc.Store.Path == "" {
		sc.Store.Path = "data/shadowscan.db"
	}
	if sc.Store.WorkDir == "" {
		sc.Store.WorkDir = "data/work"
	}
	if sc.Store.BatchSize <= 0 {
		sc.Store.BatchSize = 100
	}
	if sc.Store.FlushInterval <= 0 {
		sc.Store.FlushInterval = 1 * time.Second
	}
	if sc.Store.QueueDepth <= 0 {
		sc.Store.QueueDepth = 1024
	}

	if sc.Normalize.SchemeVersion == "" {
		sc.Normalize.SchemeVersion = "1.0"
	}
	if sc.Normalize.PSLPath == "" {
		sc.Normalize.PSLPath = "data/psl/public_suffix_list.dat"
	}

	if sc.Rules.Path == "" {
		sc.Rules.Path = "config/rules.yml"
	}
	if sc.Taxonomy.CacheDir == "" {
		sc.Taxonomy.CacheDir = "data/standard"
	}
	if sc.Taxonomy.Version == "" {
		sc.Taxonomy.Version = "0.1.1"
	}

	if sc.LLM.Endpoint == "" {
		sc.LLM.Endpoint = "https://api.openai.com/v1"
	}
	if sc.LLM.Model == "" {
		sc.LLM.Model = "gpt-4o-mini"
	}
	if sc.LLM.PromptVersion == "" {
		sc.LLM.PromptVersion = "1"
	}
	if sc.LLM.Timeout <= 0 {
		sc.LLM.Timeout = 30 * time.Second
	}
	if sc.LLM.MaxRetries <= 0 {
		sc.LLM.MaxRetries = 2
	}
	if sc.LLM.BatchMin <= 0 {
		sc.LLM.BatchMin = 10
	}
	if sc.LLM.BatchMax <= 0 {
		sc.LLM.BatchMax = 20
	}
	if sc.LLM.BatchCharBudget <= 0 {
		sc.LLM.BatchCharBudget = 8000
	}

	if sc.Pipeline.Workers <= 0 {
		sc.Pipeline.Workers = 8
	}

	if sc.Logging.Level == "" {
		sc.Logging.Level = "info"
	}
}

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path (default: shadowscan.yml)")
	vendor := fs.String("vendor", "generic", "Vendor tag of the input files")
	mapping := fs.String("mapping", "", "Vendor mapping file (default: config/vendors/<vendor>.yml)")
	storePath := fs.String("store", "", "Canonical store path (overrides config)")
	outputDir := fs.String("output", "", "Evidence bundle output directory")
	rangeStart := fs.String("range-start", "", "Target range start (YYYY-MM-DD)")
	rangeEnd := fs.String("range-end", "", "Target range end (YYYY-MM-DD)")
	disableLLM := fs.Bool("disable-llm", false, "Route residual signatures to the deterministic stub")
	dryRun := fs.Bool("dry-run", false, "Derive the run key and plan, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: shadowscan run [flags] <input path>")
		return 2
	}
	inputPath := fs.Arg(0)

	configPath := findConfigFile(*configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	sc := &cfg.ShadowScan
	if *storePath != "" {
		sc.Store.Path = *storePath
	}

	if err := logger.Init(sc.Logging.Enabled, sc.Logging.Level, sc.Logging.File, sc.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("shadowscan starting")
	logger.Infof("Config loaded from: %s", configPath)

	norm, err := normalize.New(sc.Normalize)
	if err != nil {
		logger.Errorf("Failed to build normalizer: %v", err)
		log.Fatalf("Failed to build normalizer: %v", err)
	}

	adapter, err := taxonomy.Load(sc.Taxonomy)
	if err != nil {
		logger.Errorf("Failed to load taxonomy artifact: %v", err)
		log.Fatalf("Failed to load taxonomy artifact: %v", err)
	}
	logger.Infof("Taxonomy %s loaded (commit %.12s, hash %.16s...)",
		adapter.Version(), adapter.Commit(), adapter.DirHash())

	classifier, stats, err := rules.Load(sc.Rules.Path, sc.Rules.Version, adapter)
	if err != nil {
		logger.Errorf("Failed to load rule set: %v", err)
		log.Fatalf("Failed to load rule set: %v", err)
	}
	logger.Infof("Rules loaded: loaded=%d disabled=%d invalid=%d version=%s",
		stats.Loaded, stats.Disabled, stats.Invalid, classifier.Version())

	st, err := store.Open(sc.Store)
	if err != nil {
		logger.Errorf("Failed to open store: %v", err)
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	queue := store.NewWriterQueue(st, sc.Store.BatchSize, sc.Store.FlushInterval, sc.Store.QueueDepth)
	defer queue.Close()

	mirror, err := cache.NewMirror(sc.Mirror)
	if err != nil {
		logger.Warnf("Classification mirror unavailable: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
		logger.Infof("Classification mirror connected (%s)", sc.Mirror.Addr)
	}

	m := metrics.New()
	if sc.Metrics.Enabled {
		m.Serve(sc.Metrics.Listen)
		defer m.Shutdown()
	}

	mappingPath := *mapping
	if mappingPath == "" {
		mappingPath = filepath.Join("config", "vendors", *vendor+".yml")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warnf("Signal received; cancelling run cooperatively")
		cancel()
	}()

	orch := orchestrator.New(sc, st, queue,
		norm, signature.NewBuilder(sc.Normalize.SchemeVersion, sc.Thresholds),
		classifier, adapter, mirror, m)

	status, err := orch.Execute(ctx, orchestrator.Options{
		InputPath:   inputPath,
		Vendor:      *vendor,
		MappingPath: mappingPath,
		OutputDir:   *outputDir,
		RangeStart:  *rangeStart,
		RangeEnd:    *rangeEnd,
		DisableLLM:  *disableLLM,
		DryRun:      *dryRun,
	})

	switch status {
	case models.RunSucceeded, "dry-run":
		color.Green("Run %s", status)
		return 0
	case models.RunPartial:
		color.Yellow("Run partial; re-execute with the same inputs to resume")
		return 0
	case "already-active":
		color.Yellow("Another run is already active; nothing done")
		return 0
	default:
		color.Red("Run failed: %v", err)
		return 1
	}
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configArg := fs.String("config", "", "Config file path (default: shadowscan.yml)")
	storePath := fs.String("store", "", "Canonical store path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadConfig(findConfigFile(*configArg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	applyDefaults(cfg)
	if *storePath != "" {
		cfg.ShadowScan.Store.Path = *storePath
	}

	st, err := store.Open(cfg.ShadowScan.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer st.Close()

	run, err := st.LastRun()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read runs: %v\n", err)
		return 1
	}
	if run == nil {
		fmt.Println("no runs recorded")
		return 0
	}

	fmt.Printf("run_id:               %s\n", run.RunID)
	fmt.Printf("status:               %s\n", run.Status)
	fmt.Printf("started_at:           %s\n", run.StartedAt.Format(time.RFC3339))
	if !run.FinishedAt.IsZero() {
		fmt.Printf("finished_at:          %s\n", run.FinishedAt.Format(time.RFC3339))
	}
	fmt.Printf("last_completed_stage: %d\n", run.LastCompletedStage)
	fmt.Printf("total_events:         %d\n", run.TotalEvents)
	fmt.Printf("unique_signatures:    %d\n", run.UniqueSignatures)
	fmt.Printf("cache_hits:           %d\n", run.CacheHitCount)
	fmt.Printf("llm_sent:             %d\n", run.LLMSentCount)
	fmt.Printf("taxonomy:             %s (%.12s)\n", run.TaxonomyVersion, run.TaxonomyCommit)
	return 0
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runPipeline(os.Args[2:]))
		case "status":
			os.Exit(runStatus(os.Args[2:]))
		default:
			// Backward-compatible mode: args are run-mode args.
			os.Exit(runPipeline(os.Args[1:]))
		}
	}

	fmt.Fprintln(os.Stderr, "usage: shadowscan <run|status> [flags]")
	os.Exit(2)
}
