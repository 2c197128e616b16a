package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/formflow/formflow/config"
	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/rag"
	"github.com/formflow/formflow/workflow"
)

var (
	runResumeFlag string
	runFormFlag   string
	runTraceFlag  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one form-filling session",
	Long: `Run ingests the source document, extracts the form's fields, answers each
field, and prints the draft for review. Type feedback to revise, or OKAY to
accept.

Examples:
  formflow run --resume resume.pdf --form application.pdf
  formflow run --resume resume.txt --form fields.yaml`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runResumeFlag, "resume", "", "Source document to answer from (required)")
	runCmd.Flags().StringVar(&runFormFlag, "form", "", "Form to fill: a document or a .yaml field profile (required)")
	runCmd.Flags().BoolVar(&runTraceFlag, "trace", false, "Print trace spans to stdout")
	_ = runCmd.MarkFlagRequired("resume")
	_ = runCmd.MarkFlagRequired("form")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := core.NewStdLogger("formflow")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if runTraceFlag || cfg.Trace {
		shutdown, err := initTracing(ctx)
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
		defer shutdown()
	}

	llm, err := rag.NewOpenAILLM(rag.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	}, logger)
	if err != nil {
		return err
	}

	svcOpts := []rag.ServiceOption{
		rag.WithServiceLogger(logger),
		rag.WithTopK(cfg.TopK),
	}
	if cfg.StorageDir != "" {
		store, err := rag.NewDiskIndexStore(cfg.StorageDir)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, rag.WithIndexStore(store))
	}
	svc := rag.NewService(llm, svcOpts...)

	runnerOpts := []workflow.RunnerOption{
		workflow.WithLogger(logger),
		workflow.WithWorkers(cfg.Workers),
		workflow.WithMaxIterations(cfg.MaxIterations),
		workflow.WithSchemaRetry(retryFromConfig(cfg.Retry)),
		workflow.WithQueryRetry(retryFromConfig(cfg.Retry)),
	}

	// With Redis enabled the run suspends on the store's pub/sub channel and
	// any process can answer via `formflow reply`; otherwise review happens
	// on this terminal.
	var handler workflow.HumanHandler
	if cfg.Redis.Enabled {
		store, err := newRedisStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		runnerOpts = append(runnerOpts, workflow.WithReviewStore(store))
		handler = store
		fmt.Println("Remote review enabled: answer prompts with `formflow pending` and `formflow reply`.")
	} else {
		ch := workflow.NewChannelHandler()
		go consoleReviewLoop(ctx, ch)
		handler = ch
	}
	runner := workflow.NewRunner(svc, handler, runnerOpts...)

	tracer := otel.Tracer("formflow")
	ctx, span := tracer.Start(ctx, "formflow.run")
	defer span.End()

	result, err := runner.Run(ctx, workflow.RunOptions{
		Document: runResumeFlag,
		Form:     runFormFlag,
	})
	if err != nil {
		return err
	}

	fmt.Println("\nAgent complete! Here's your final result:")
	printResult(result)
	return nil
}

func newRedisStore(cfg *config.Config, logger core.Logger) (*workflow.RedisReviewStore, error) {
	opts := []workflow.RedisReviewStoreOption{
		workflow.WithReviewLogger(logger),
		workflow.WithReviewRedisDB(cfg.Redis.DB),
		workflow.WithReviewTTL(cfg.Redis.TTL),
	}
	if cfg.Redis.URL != "" {
		opts = append(opts, workflow.WithReviewRedisURL(cfg.Redis.URL))
	}
	if cfg.Redis.KeyPrefix != "" {
		opts = append(opts, workflow.WithReviewKeyPrefix(cfg.Redis.KeyPrefix))
	}
	return workflow.NewRedisReviewStore(opts...)
}

func retryFromConfig(rc config.RetryConfig) workflow.RetryConfig {
	return workflow.RetryConfig{
		MaxAttempts: rc.MaxAttempts,
		Backoff:     workflow.BackoffType(rc.Backoff),
		InitialWait: rc.InitialWait,
		MaxWait:     rc.MaxWait,
	}
}

// consoleReviewLoop surfaces prompts on stdout and feeds stdin lines back as
// responses.
func consoleReviewLoop(ctx context.Context, handler *workflow.ChannelHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-handler.Prompts():
			fmt.Println()
			fmt.Println(p.Prompt)
			fmt.Print("> ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return
			}
			_ = handler.SubmitResponse(ctx, &workflow.HumanResponse{
				PromptID: p.PromptID,
				Text:     strings.TrimSpace(line),
			})
		}
	}
}

func printResult(result *workflow.RunResult) {
	fields := make([]string, 0, len(result.Answers))
	for name := range result.Answers {
		fields = append(fields, name)
	}
	// Stable output for scripting.
	sort.Strings(fields)
	for _, name := range fields {
		a := result.Answers[name]
		fmt.Printf("Field: %s\nAnswer: %s\n", name, a.Text)
		if len(a.Sources) > 0 {
			fmt.Printf("Sources: %s\n", strings.Join(a.Sources, "; "))
		}
		fmt.Println()
	}
	fmt.Printf("run %s finished after %d feedback cycle(s) in %s\n",
		result.RunID, result.Cycles, result.Duration.Round(time.Millisecond))
}
