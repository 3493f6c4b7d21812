// Command tollgate-cli is the operator tool for a tollgate gateway: offline
// risk assessment and policy linting, ledger verification and export, and
// permit inspection.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// errInvalid reports a check that ran and failed, as opposed to one that
// could not run.
var errInvalid = errors.New("verification failed")

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

type options struct {
	addr    string
	token   string
	jsonOut bool
	stdout  io.Writer
	stderr  io.Writer
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	opts := &options{stdout: stdout, stderr: stderr}
	root := newRootCmd(opts)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintln(stderr, errFmt("error:"), err)
		}
		return 1
	}
	return 0
}

func newRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "tollgate",
		Short:         "Operator CLI for the tollgate authorization gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOrDefault("TOLLGATE_ADDR", defaultAddr), "gateway address")
	root.PersistentFlags().StringVar(&opts.token, "token", envOrDefault("TOLLGATE_TOKEN", os.Getenv("TOLLGATE_DEV_TOKEN")), "bearer token")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newAssessCmd(opts),
		newPolicyCmd(opts),
		newAuditCmd(opts),
		newPermitCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
