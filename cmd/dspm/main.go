package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/qualys/dspm/internal/aiadapter"
	"github.com/qualys/dspm/internal/config"
	"github.com/qualys/dspm/internal/models"
	"github.com/qualys/dspm/internal/pipeline"
	"github.com/qualys/dspm/internal/scanner"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// memStore is an in-process ResultStore/ReportStore for one-shot CLI runs:
// it keeps nothing after the run, since there is no second process to read
// it back.
type memStore struct{}

func (memStore) PutStageResult(ctx context.Context, correlationID, stageID string, result interface{}) error {
	return nil
}

func (memStore) PutReport(ctx context.Context, correlationID string, report interface{}) (string, error) {
	return "mem://" + correlationID, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	projectPath := flag.String("project-path", "", "Path to the project directory to scan")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dspm v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *projectPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: dspm -project-path <dir> [-config config.yaml]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	sc := scanner.New(scanner.Config{Workers: cfg.Scanner.Workers, IgnoredExtra: cfg.Scanner.IgnoredPathExtra})

	var collab pipeline.AICollaborator
	if cfg.AI.Enabled {
		adapter, err := aiadapter.New(ctx, aiadapter.Config{
			ModelID:     cfg.AI.ModelID,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
			MaxRetries:  cfg.AI.MaxRetries,
			TokenBudget: cfg.AI.TokenBudget,
		})
		if err != nil {
			logger.Warn("AI collaborator unavailable, continuing in deterministic-only mode", "error", err)
		} else {
			collab = adapter
		}
	}

	orch := pipeline.New(logger, sc, collab, memStore{}, pipeline.NewSlogMetricsSink(logger),
		pipeline.Config{GlobalDeadline: cfg.Pipeline.GlobalDeadline})

	report, err := orch.Run(ctx, models.ScanRequest{ProjectPath: *projectPath, Options: models.DefaultOptions()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
		os.Exit(1)
	}

	if report.Status() == models.StatusNonCompliant {
		os.Exit(1)
	}
}
