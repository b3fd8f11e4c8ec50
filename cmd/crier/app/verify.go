package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [account...]",
	Short: "Verify account credentials against their backends",
	Long: `Verify checks that each account's credentials are accepted by its
backend. With no arguments, all configured accounts are checked.`,
	RunE: verifyCmdFunc,
}

func verifyCmdFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		for _, account := range rt.hub.Accounts() {
			names = append(names, account.Name)
		}
	}

	var failures int
	for _, name := range names {
		info, err := rt.hub.VerifyCredentials(ctx, name)
		if err != nil {
			failures++
			fmt.Printf("%s: FAILED: %v\n", name, err)
			continue
		}
		fmt.Printf("%s: ok (@%s)\n", name, info.Username)
	}
	if failures > 0 {
		return fmt.Errorf("%d account(s) failed verification", failures)
	}
	return nil
}
