// Command muckrake runs one research investigation from the command line:
//
//	muckrake "Who funded the lobbying campaign against the 2024 transit bill?"
//
// Artifacts land in a timestamped run directory under --out-dir.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"muckrake/internal/agent"
	"muckrake/internal/config"
	"muckrake/internal/llm"
	"muckrake/internal/logging"
	"muckrake/internal/source"
	"muckrake/internal/source/govcontracts"
	"muckrake/internal/source/localdocs"
	"muckrake/internal/source/websearch"
	"muckrake/internal/types"
)

// Exit codes: 0 completed, 2 failed, 3 budget-cancelled, 1 everything else.
const (
	exitOK        = 0
	exitInfra     = 1
	exitFailed    = 2
	exitCancelled = 3
)

var (
	flagConfig  string
	flagOutDir  string
	flagDebug   bool
	flagPreview bool

	flagMaxDepth      int
	flagMaxTimeS      int
	flagMaxGoals      int
	flagMaxCost       float64
	flagMaxConcurrent int
)

func main() {
	root := &cobra.Command{
		Use:   "muckrake <question>",
		Short: "Recursive multi-source research agent for investigative journalism",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runResearch(cmd.Context(), strings.Join(args, " "))
		},
	}

	root.Flags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.Flags().StringVar(&flagOutDir, "out-dir", "", "base directory for run artifacts")
	root.Flags().BoolVar(&flagDebug, "debug", false, "verbose structured logging")
	root.Flags().BoolVar(&flagPreview, "preview", false, "render the report in the terminal when done")
	root.Flags().IntVar(&flagMaxDepth, "max-depth", -1, "maximum decomposition depth")
	root.Flags().IntVar(&flagMaxTimeS, "max-time", -1, "wall clock budget in seconds")
	root.Flags().IntVar(&flagMaxGoals, "max-goals", -1, "maximum goals per run")
	root.Flags().Float64Var(&flagMaxCost, "max-cost", -1, "LLM spend budget in USD")
	root.Flags().IntVar(&flagMaxConcurrent, "max-concurrent", -1, "maximum concurrent goals")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		var ec *exitError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		color.Red("error: %v", err)
		os.Exit(exitInfra)
	}
}

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func runResearch(ctx context.Context, question string) error {
	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	log, err := logging.NewLogger(flagDebug)
	if err != nil {
		return err
	}
	defer log.Sync()

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}

	runner := agent.NewRunner(cfg, log, provider, func(reg *source.Registry) {
		registerSources(reg, cfg)
	})

	color.Cyan("researching: %s", question)
	started := time.Now()

	bundle, err := runner.Run(ctx, question)
	if err != nil {
		return err
	}

	printSummary(bundle, time.Since(started))

	if flagPreview {
		previewReport(bundle.ReportPath)
	}

	if code := exitCodeFor(bundle.Status); code != exitOK {
		return &exitError{code: code, msg: "run " + string(bundle.Status)}
	}
	return nil
}

// exitCodeFor maps a terminal run status to the process exit code.
func exitCodeFor(status types.RunStatus) int {
	switch status {
	case types.RunCompleted:
		return exitOK
	case types.RunFailed:
		return exitFailed
	case types.RunCancelled:
		return exitCancelled
	default:
		return exitInfra
	}
}

// applyFlags layers command-line flags over the loaded config. Negative
// values mean "not set".
func applyFlags(cfg *config.Config) {
	if flagOutDir != "" {
		cfg.OutDir = flagOutDir
	}
	if flagMaxDepth >= 0 {
		cfg.Limits.MaxDepth = flagMaxDepth
	}
	if flagMaxTimeS >= 0 {
		cfg.Limits.MaxTimeS = flagMaxTimeS
	}
	if flagMaxGoals >= 0 {
		cfg.Limits.MaxGoals = flagMaxGoals
	}
	if flagMaxCost >= 0 {
		cfg.Limits.MaxCostUSD = flagMaxCost
	}
	if flagMaxConcurrent > 0 {
		cfg.Limits.MaxConcurrent = flagMaxConcurrent
	}
}

func buildProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	switch cfg.LLM.Provider {
	case "gemini":
		return llm.NewGeminiProvider(ctx, llm.GeminiConfig{APIKey: apiKey, Model: cfg.LLM.Model})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutS) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// registerSources wires every built-in adapter that the config leaves
// enabled. Registration failures are isolated inside the registry.
func registerSources(reg *source.Registry, cfg *config.Config) {
	webMeta := websearch.Metadata()
	reg.Register(webMeta, cfg.SourceEnabled(webMeta.ID), websearch.New)

	gcMeta := govcontracts.Metadata()
	reg.Register(gcMeta, cfg.SourceEnabled(gcMeta.ID), govcontracts.New)

	archivePath := cfg.Sources["localdocs"].Path
	ldMeta := localdocs.Metadata()
	reg.Register(ldMeta, cfg.SourceEnabled(ldMeta.ID) && archivePath != "", localdocs.New(archivePath))
}

func printSummary(b *types.RunBundle, elapsed time.Duration) {
	labelStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 2)

	lines := []string{
		labelStyle.Render("status    ") + string(b.Status),
		labelStyle.Render("goals     ") + fmt.Sprint(b.Totals.Goals),
		labelStyle.Render("evidence  ") + fmt.Sprint(b.Totals.Evidence),
		labelStyle.Render("cost      ") + fmt.Sprintf("$%.4f", b.Totals.CostUSD),
		labelStyle.Render("elapsed   ") + elapsed.Round(time.Second).String(),
		labelStyle.Render("confidence") + fmt.Sprintf(" %.2f", b.Root.Confidence),
		labelStyle.Render("run dir   ") + b.RunDir,
	}
	fmt.Println(box.Render(strings.Join(lines, "\n")))
}

func previewReport(path string) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		color.Yellow("preview unavailable: %v", err)
		return
	}
	rendered, err := glamour.Render(string(data), "dark")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(rendered)
}
