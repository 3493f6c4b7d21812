package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/pkg/types"
	"github.com/spf13/cobra"
)

func newPermitCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permit",
		Short: "Inspect permits",
	}
	cmd.AddCommand(newPermitShowCmd(opts), newPermitPackCmd(opts))
	return cmd
}

func newPermitShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <permit_id>",
		Short: "Show a permit and the next expected action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Permit     types.PermitView `json:"permit"`
				NextAction string           `json:"next_action"`
			}
			body, err := opts.client().getJSON("/v1/permits/"+url.PathEscape(args[0]), &payload)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				_, _ = opts.stdout.Write(body)
				return nil
			}

			p := payload.Permit
			fmt.Fprintf(opts.stdout, "permit_id=%s request_id=%s status=%s\n", p.PermitID, p.RequestID, statusFmt(p.Status))
			fmt.Fprintf(opts.stdout, "action=%s tier=%d digest=%s\n", p.Snapshot.Descriptor.Action, p.Snapshot.Assessment.RequiredTier, p.Snapshot.Digest)
			fmt.Fprintf(opts.stdout, "window=%s..%s must_complete_by=%s\n",
				p.Window.EarliestStart.Format(time.RFC3339), p.Window.LatestStart.Format(time.RFC3339), p.Window.MustCompleteBy.Format(time.RFC3339))
			if len(p.Approvals) > 0 {
				approvers := make([]string, 0, len(p.Approvals))
				for _, a := range p.Approvals {
					approvers = append(approvers, a.ApproverID+"("+a.Role+")")
				}
				fmt.Fprintf(opts.stdout, "approvals=%s\n", strings.Join(approvers, ","))
			}
			if p.TerminalReason != "" {
				fmt.Fprintf(opts.stdout, "terminal_reason=%s\n", p.TerminalReason)
			}
			if p.RollbackPending {
				fmt.Fprintln(opts.stdout, warnFmt("rollback pending"))
			}
			fmt.Fprintf(opts.stdout, "next_action=%s\n", payload.NextAction)
			return nil
		},
	}
}

func newPermitPackCmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <permit_id>",
		Short: "Download the evidence pack for a permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().get("/v1/permits/" + url.PathEscape(args[0]) + "/pack")
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = "tollgate-" + args[0] + ".zip"
			}
			if err := writeFile(path, body); err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "%s wrote %s (%d bytes)\n", okFmt("ok"), path, len(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default tollgate-<permit_id>.zip)")
	return cmd
}

func statusFmt(s types.PermitStatus) string {
	switch s {
	case types.StatusRevoked, types.StatusFailed, types.StatusExpired:
		return errFmt(string(s))
	case types.StatusCompleted, types.StatusClosed:
		return okFmt(string(s))
	default:
		return string(s)
	}
}
