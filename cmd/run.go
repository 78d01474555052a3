package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/llm"
	"github.com/JakeFAU/bmie/internal/server"
)

type runOptions struct {
	kind     string
	input    string
	file     string
	provider string
	model    string
	apiKey   string
	raw      bool
}

// newRunCmd creates the 'run' subcommand, which executes one job in-process
// and prints its events.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [input]",
		Short: "Runs a single job in-process and prints its events",
		Long: `Runs one scrape or analysis job without the HTTP API. The input is a URL,
a newline-separated URL list, or a sitemap URL depending on --kind.
Analysis jobs read the document from --file. SIGINT cancels the run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.input = args[0]
			}
			return runJob(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", string(job.KindSingle), "job kind: single, list, sitemap or analysis")
	cmd.Flags().StringVar(&opts.input, "input", "", "URL, URL list or sitemap URL")
	cmd.Flags().StringVar(&opts.file, "file", "", "document to analyze, or a file holding the URL list")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "LLM provider for analysis jobs")
	cmd.Flags().StringVar(&opts.model, "model", "", "LLM model for analysis jobs")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "LLM API key for analysis jobs")
	cmd.Flags().BoolVar(&opts.raw, "json", false, "print raw NDJSON events")
	return cmd
}

func runJob(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	start, err := buildStartCommand(opts, cfg.Job)
	if err != nil {
		return err
	}

	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.Background()); cerr != nil {
			app.Logger().Warn("close failed", zap.Error(cerr))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := app.Orchestrator().Start(ctx, start)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	go func() {
		<-ctx.Done()
		run.Cancel()
	}()

	printer := newEventPrinter(cmd.OutOrStdout(), opts.raw)
	// The subscription ends with the run's final event, so it is not tied to
	// ctx: a canceled run still prints its aborted summary.
	if err := run.Subscribe(context.Background(), 0, printer.print); err != nil {
		return fmt.Errorf("stream events: %w", err)
	}
	if printer.failed() {
		return fmt.Errorf("run %s ended %s", run.ID(), run.State())
	}
	return nil
}

func buildStartCommand(opts *runOptions, defaults job.Options) (job.StartCommand, error) {
	kind := job.Kind(strings.ToLower(strings.TrimSpace(opts.kind)))
	if !kind.Valid() {
		return job.StartCommand{}, fmt.Errorf("unknown kind %q", opts.kind)
	}
	start := job.StartCommand{
		Kind:    kind,
		Input:   opts.input,
		Options: defaults,
	}
	if kind == job.KindAnalysis {
		if opts.file == "" {
			return job.StartCommand{}, errors.New("analysis jobs need --file")
		}
		content, err := os.ReadFile(opts.file)
		if err != nil {
			return job.StartCommand{}, fmt.Errorf("read %s: %w", opts.file, err)
		}
		start.File = &job.FileInput{Name: filepath.Base(opts.file), Content: content}
		start.Meta = map[string]string{}
		if opts.provider != "" {
			start.Meta[llm.MetaProvider] = opts.provider
		}
		if opts.model != "" {
			start.Meta[llm.MetaModel] = opts.model
		}
		if opts.apiKey != "" {
			start.Credentials = map[string]string{llm.CredentialsKey: opts.apiKey}
		}
		return start, nil
	}
	if opts.file != "" {
		content, err := os.ReadFile(opts.file)
		if err != nil {
			return job.StartCommand{}, fmt.Errorf("read %s: %w", opts.file, err)
		}
		start.Input = string(content)
	}
	if strings.TrimSpace(start.Input) == "" {
		return job.StartCommand{}, errors.New("an input is required")
	}
	return start, nil
}
