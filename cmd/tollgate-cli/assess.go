package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/risk"
	"github.com/davidahmann/tollgate/pkg/types"
	"github.com/spf13/cobra"
)

func newAssessCmd(opts *options) *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "assess <descriptor.json|->",
		Short: "Score an operation descriptor offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadPolicyOrDefault(policyPath)
			if err != nil {
				return err
			}
			raw, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var desc types.OperationDescriptor
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&desc); err != nil {
				return fmt.Errorf("invalid descriptor: %w", err)
			}

			assessment, err := risk.Assess(loaded, desc)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				enc := json.NewEncoder(opts.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(assessment)
			}
			fmt.Fprintf(opts.stdout, "score=%d score_tier=%d required_tier=%s\n", assessment.Score, assessment.ScoreTier, okFmt(assessment.RequiredTier))
			for _, f := range assessment.Factors {
				fmt.Fprintf(opts.stdout, "  %-16s %-12s %s\n", f.Name, f.Value, dimFmt(strconv.Itoa(f.Score)))
			}
			for _, o := range assessment.Overrides {
				fmt.Fprintf(opts.stdout, "  %s %s min_tier=%d\n", warnFmt("override:"), o.Code, o.MinTier)
			}
			for _, c := range assessment.Conditions {
				fmt.Fprintf(opts.stdout, "  condition: %s\n", c)
			}
			for _, r := range assessment.Restrictions {
				fmt.Fprintf(opts.stdout, "  restriction: %s\n", r)
			}
			fmt.Fprintf(opts.stdout, "policy_hash=%s\n", assessment.PolicyHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file (defaults to the built-in policy)")
	return cmd
}

func loadPolicyOrDefault(path string) (policy.LoadedPolicy, error) {
	if path == "" {
		return policy.MustDefault(), nil
	}
	loaded, err := policy.LoadPolicy(path)
	if err != nil {
		return policy.LoadedPolicy{}, fmt.Errorf("policy: %w", err)
	}
	return loaded, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- operator-supplied input path.
	return os.ReadFile(path)
}
