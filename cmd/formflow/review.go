package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/formflow/formflow/config"
	"github.com/formflow/formflow/core"
	"github.com/formflow/formflow/workflow"
)

// The pending/reply commands are the out-of-process reviewer surface: a run
// started with redis.enabled suspends on its prompt, and any other process
// can list and answer it.

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List review prompts awaiting a response",
	RunE:  runPending,
}

var replyCmd = &cobra.Command{
	Use:   "reply <prompt-id> <feedback...>",
	Short: "Answer a pending review prompt",
	Long: `Reply delivers feedback to a suspended run. Use OKAY to accept the draft;
any other text triggers a revision cycle.

Examples:
  formflow reply 4f7c… OKAY
  formflow reply 4f7c… The degree should mention the institution`,
	Args: cobra.MinimumNArgs(2),
	RunE: runReply,
}

func init() {
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(replyCmd)
}

func reviewStore() (*workflow.RedisReviewStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return newRedisStore(cfg, core.NewStdLogger("formflow"))
}

func runPending(cmd *cobra.Command, args []string) error {
	store, err := reviewStore()
	if err != nil {
		return err
	}
	defer store.Close()

	prompts, err := store.ListPending(context.Background())
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		fmt.Println("No pending review prompts.")
		return nil
	}
	for _, p := range prompts {
		fmt.Printf("prompt %s (run %s, cycle %d, created %s)\n",
			p.PromptID, p.RunID, p.Cycle, p.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Println(p.Prompt)
		fmt.Println()
	}
	return nil
}

func runReply(cmd *cobra.Command, args []string) error {
	store, err := reviewStore()
	if err != nil {
		return err
	}
	defer store.Close()

	promptID := args[0]
	text := strings.Join(args[1:], " ")
	err = store.SubmitResponse(context.Background(), &workflow.HumanResponse{
		PromptID: promptID,
		Text:     text,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Response delivered for prompt %s.\n", promptID)
	return nil
}
