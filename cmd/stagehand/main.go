// Command stagehand runs the conversational turn daemon: it accepts
// channel messages over HTTP, routes them through the session and
// strategy machinery, and answers with generated or canned replies.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/stagehand-chat/stagehand/examples"
	"github.com/stagehand-chat/stagehand/internal/api"
	"github.com/stagehand-chat/stagehand/internal/archive"
	"github.com/stagehand-chat/stagehand/internal/buildinfo"
	"github.com/stagehand-chat/stagehand/internal/character"
	"github.com/stagehand-chat/stagehand/internal/config"
	"github.com/stagehand-chat/stagehand/internal/coordinator"
	"github.com/stagehand-chat/stagehand/internal/exitcond"
	"github.com/stagehand-chat/stagehand/internal/llm"
	"github.com/stagehand-chat/stagehand/internal/router"
	"github.com/stagehand-chat/stagehand/internal/session"
	"github.com/stagehand-chat/stagehand/internal/strategy"
	"github.com/stagehand-chat/stagehand/internal/summarize"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to config file")
		showVersion = flag.Bool("version", false, "print version and exit")
		initConfig  = flag.Bool("init", false, "write an example config.yaml to the current directory and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return nil
	}
	if *initConfig {
		if _, err := os.Stat("config.yaml"); err == nil {
			return fmt.Errorf("config.yaml already exists, refusing to overwrite")
		}
		if err := os.WriteFile("config.yaml", examples.ConfigYAML, 0o644); err != nil {
			return fmt.Errorf("write config.yaml: %w", err)
		}
		fmt.Println("wrote config.yaml")
		return nil
	}

	cfg := config.Default()
	if path, err := config.FindConfig(*configPath); err == nil {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	} else if *configPath != "" {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := archive.Open(filepath.Join(cfg.DataDir, "archive.db"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.GenerateModel, cfg.LLM.ReasonModel, logger)
	if err := client.Ping(ctx); err != nil {
		logger.Warn("llm backend unreachable at startup, continuing with fallbacks", "error", err)
	}

	registry := session.NewRegistry(cfg.Session.IdleTimeout(), logger)

	var markers []exitcond.MarkerPair
	for _, m := range cfg.Routing.OOCMarkers {
		markers = append(markers, exitcond.MarkerPair{Open: m.Open, Close: m.Close})
	}
	detector, err := exitcond.NewDetector(cfg.Routing.ExitPatterns, cfg.Routing.TechnicalPatterns, markers)
	if err != nil {
		return fmt.Errorf("build exit detector: %w", err)
	}
	tracker := character.NewTracker(cfg.Characters.ExcludedWords)

	rt, err := router.New(cfg.Routing, registry, detector, tracker, logger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	engine := strategy.NewEngine(client, cfg.LLM.ReasonTimeout(), logger)
	summarizer := summarize.NewService(client,
		cfg.Retrieval.SummarizeThresholdBytes,
		cfg.Retrieval.SummaryBudgetBytes,
		logger,
	)

	coord := coordinator.New(rt, registry, engine, client, store, summarizer, coordinator.Options{
		Persona:         cfg.Characters.Persona,
		GenerateTimeout: cfg.LLM.GenerateTimeout(),
		MaxResults:      cfg.Retrieval.MaxResults,
	}, logger)
	defer coord.Close()

	if interval := cfg.Session.SweepInterval(); interval > 0 {
		sweeper := session.NewSweeper(registry, interval, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.New(addr, coord, registry, rt, store, client, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	return nil
}
