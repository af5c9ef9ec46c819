package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/quizpilot/internal/extract"
	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/pipeline"
	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file|-]",
	Short: "Print the program fragments found in a model response",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

var repairCmd = &cobra.Command{
	Use:   "repair [file|-]",
	Short: "Repair a Python program and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepair,
}

var runCmd = &cobra.Command{
	Use:   "run [url]",
	Short: "Run one chain in the foreground without the daemon",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

var (
	extractAll bool
	repairURL  string
	runEmail   string
	runSecret  string
)

func init() {
	extractCmd.Flags().BoolVar(&extractAll, "all", false, "Include fragments that do not parse")

	repairCmd.Flags().StringVar(&repairURL, "url", "", "Target URL substituted for placeholders")

	runCmd.Flags().StringVar(&runEmail, "email", os.Getenv("QUIZ_EMAIL"), "Student email (default $QUIZ_EMAIL)")
	runCmd.Flags().StringVar(&runSecret, "secret", os.Getenv("QUIZ_SECRET"), "Shared secret (default $QUIZ_SECRET)")
}

func readInput(name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(name)
	return string(data), err
}

func runExtract(cmd *cobra.Command, args []string) error {
	raw, err := readInput(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	fragments := extract.ExtractWith(cmd.Context(), raw, buildValidator(cfg, logger))
	if !extractAll {
		fragments = extract.Valid(fragments)
	}
	if len(fragments) == 0 {
		return fmt.Errorf("no valid program found")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(fragments)
}

func runRepair(cmd *cobra.Command, args []string) error {
	src, err := readInput(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	prog := buildRepairer(cfg).Repair(src, repairURL)
	fmt.Println(prog.Source)
	fmt.Fprintf(os.Stderr, "applied: %v\n", prog.Applied)
	if diag := buildValidator(cfg, logger).Validate(cmd.Context(), prog.Source); diag != nil {
		return fmt.Errorf("repaired program does not parse: line %d: %s", diag.Line, diag.Message)
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, closeCache, err := buildLLM(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	sb, err := buildSandbox(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(pipelineConfig(cfg, logger), client, buildRepairer(cfg), sb, nil, logger)
	chain := runner.Run(ctx, models.Task{Email: runEmail, Secret: runSecret, URL: args[0]})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(chain); err != nil {
		return err
	}
	if chain.State == models.StateFailed {
		return fmt.Errorf("chain failed: %s: %s", chain.Failure, chain.Error)
	}
	return nil
}
