package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/spf13/cobra"
)

type rangeFlags struct {
	from int64
	to   int64
}

func (r *rangeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&r.from, "from", 0, "first sequence (default 1)")
	cmd.Flags().Int64Var(&r.to, "to", 0, "last sequence (default head)")
}

func (r rangeFlags) query() string {
	q := url.Values{}
	if r.from > 0 {
		q.Set("from", strconv.FormatInt(r.from, 10))
	}
	if r.to > 0 {
		q.Set("to", strconv.FormatInt(r.to, 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func newAuditCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, verify and export the audit ledger",
	}
	cmd.AddCommand(newAuditVerifyCmd(opts), newAuditVerifyFileCmd(opts), newAuditExportCmd(opts), newAuditRotateCmd(opts))
	return cmd
}

func newAuditVerifyCmd(opts *options) *cobra.Command {
	var rng rangeFlags
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Ask the gateway to recompute the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Valid  bool          `json:"valid"`
				Report ledger.Report `json:"report"`
			}
			body, err := opts.client().getJSON("/v1/audit/verify"+rng.query(), &payload)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				_, _ = opts.stdout.Write(body)
			} else {
				printReport(opts, payload.Report)
			}
			if !payload.Valid {
				return errInvalid
			}
			return nil
		},
	}
	rng.bind(cmd)
	return cmd
}

// newAuditVerifyFileCmd checks an export without contacting the gateway.
// Ed25519 entries verify from the public keys carried in the export; HMAC
// entries need the shared secret.
func newAuditVerifyFileCmd(opts *options) *cobra.Command {
	var secretFile, keyID string
	cmd := &cobra.Command{
		Use:   "verify-file <export.cbor.zst>",
		Short: "Verify a ledger export offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304 -- operator-supplied export path.
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			exp, err := ledger.ReadExport(f)
			if err != nil {
				return err
			}

			ring := crypto.NewKeyring()
			if secretFile != "" {
				if keyID == "" {
					return fmt.Errorf("--key-id is required with --hmac-secret-file")
				}
				secret, err := crypto.LoadSecret(secretFile)
				if err != nil {
					return err
				}
				if err := ring.AddHMAC(keyID, secret); err != nil {
					return err
				}
			}
			report := exp.Verify(ring)
			if opts.jsonOut {
				enc := json.NewEncoder(opts.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(opts, report)
			}
			if !report.OK() {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secretFile, "hmac-secret-file", "", "shared HMAC secret for HMAC-signed entries")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id the HMAC secret was registered under")
	return cmd
}

func newAuditExportCmd(opts *options) *cobra.Command {
	var (
		rng rangeFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a ledger range as zstd-compressed CBOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := opts.client().get("/v1/audit/export" + rng.query())
			if err != nil {
				return err
			}
			if err := writeFile(out, body); err != nil {
				return err
			}
			fmt.Fprintf(opts.stdout, "%s wrote %s (%d bytes)\n", okFmt("ok"), out, len(body))
			return nil
		},
	}
	rng.bind(cmd)
	cmd.Flags().StringVar(&out, "out", "tollgate-ledger.cbor.zst", "output path")
	return cmd
}

// newAuditRotateCmd switches the gateway to a signing key it already holds.
func newAuditRotateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Switch the ledger's signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entry ledger.Entry
			body, err := opts.client().postJSON("/v1/audit/rotate", map[string]string{"key_id": args[0]}, &entry)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				_, _ = opts.stdout.Write(body)
				return nil
			}
			fmt.Fprintf(opts.stdout, "%s signing key %s (sequence %d)\n", okFmt("rotated"), entry.KeyID, entry.Sequence)
			return nil
		},
	}
}

func printReport(opts *options, r ledger.Report) {
	if r.OK() {
		fmt.Fprintf(opts.stdout, "%s entries=%d..%d checked=%d batches=%d\n", okFmt("valid"), r.From, r.To, r.Checked, r.Batches)
		return
	}
	fmt.Fprintf(opts.stdout, "%s entries=%d..%d checked=%d violations=%d\n", errFmt("invalid"), r.From, r.To, r.Checked, len(r.Violations))
	for _, v := range r.Violations {
		fmt.Fprintf(opts.stdout, "  seq=%d %s %s\n", v.Sequence, v.Code, dimFmt(v.Detail))
	}
}
