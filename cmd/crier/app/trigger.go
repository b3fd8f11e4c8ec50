package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crier-bot/crier/pkg/dispatch"
	"github.com/crier-bot/crier/pkg/message"
)

var (
	triggerMessage    string
	triggerAccounts   []string
	triggerVisibility string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [provider]",
	Short: "Trigger a push provider once and post the result",
	Args:  cobra.ExactArgs(1),
	RunE:  triggerCmdFunc,
}

var runCmd = &cobra.Command{
	Use:   "run [provider]",
	Short: "Run a scheduled provider once, outside its schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runCmdFunc,
}

func init() {
	triggerCmd.Flags().StringVarP(&triggerMessage, "message", "m", "", "Message text (falls back to the provider's default message)")
	triggerCmd.Flags().StringSliceVar(&triggerAccounts, "accounts", nil, "Override the provider's target accounts")
	triggerCmd.Flags().StringVar(&triggerVisibility, "visibility", "", "Override the post visibility")
}

func triggerCmdFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	var msg *message.Message
	if triggerMessage != "" {
		msg = &message.Message{Text: triggerMessage}
	}
	result, err := rt.engine.TriggerPush(ctx, args[0], msg, dispatch.Overrides{
		Accounts:   triggerAccounts,
		Visibility: triggerVisibility,
	})
	if err != nil {
		return err
	}
	if result.Skipped {
		fmt.Printf("message skipped: %s\n", result.SkipReason)
		return nil
	}
	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			fmt.Printf("%s: failed: %v\n", outcome.Account, outcome.Err)
			continue
		}
		fmt.Printf("%s: posted %s\n", outcome.Account, outcome.PostID)
	}
	return nil
}

func runCmdFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	if _, ok := rt.registry.Get(args[0]); !ok {
		return fmt.Errorf("unknown provider %q", args[0])
	}
	rt.engine.RunProvider(ctx, args[0])
	return nil
}
