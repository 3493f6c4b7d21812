package main

import (
	"fmt"

	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/spf13/cobra"
)

func newPolicyCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy file tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "lint <path>",
		Short: "Parse and validate a policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadPolicy(args[0])
			if err != nil {
				fmt.Fprintln(opts.stderr, errFmt("invalid"), err)
				return errInvalid
			}
			fmt.Fprintf(opts.stdout, "%s policy_id=%s policy_hash=%s\n", okFmt("ok"), loaded.Policy.PolicyID, loaded.Hash)
			return nil
		},
	})
	return cmd
}
