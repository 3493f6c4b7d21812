// Package pack assembles the evidence bundle for one request: its views,
// the ledger entries that record it, a portable export of the covering
// ledger range, and the verification report for that range.
package pack

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/pkg/types"
)

const ManifestFormat = "tollgate.pack.v1"

const (
	fileRequest  = "request.json"
	filePermit   = "permit.json"
	fileEntries  = "entries.json"
	fileExport   = "ledger.cbor.zst"
	fileVerify   = "verification.json"
	filePolicy   = "policy.yaml"
	fileSummary  = "summary.json"
	fileHTML     = "summary.html"
	fileManifest = "manifest.json"
	fileSums     = "sha256sums.txt"
)

type Input struct {
	Request   types.RequestView
	Permit    *types.PermitView
	Evidence  Evidence
	Policy    []byte
	CreatedAt string
}

// Evidence is what the ledger holds about one request. Export spans the
// first to the last of Entries, so unrelated entries in between travel
// with it and the chain can be rechecked offline.
type Evidence struct {
	Entries []ledger.Entry
	Export  ledger.Export
	Report  ledger.Report
}

type Manifest struct {
	Format     string         `json:"format"`
	CreatedAt  string         `json:"created_at"`
	RequestID  string         `json:"request_id"`
	PermitID   string         `json:"permit_id,omitempty"`
	LedgerFrom int64          `json:"ledger_from"`
	LedgerTo   int64          `json:"ledger_to"`
	Files      []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

// Collect gathers the entries whose payload names requestID and verifies
// the ledger range they span.
func Collect(ctx context.Context, l *ledger.Ledger, requestID string) (Evidence, error) {
	head, ok, err := l.Head()
	if err != nil {
		return Evidence{}, err
	}
	if !ok {
		return Evidence{}, failure.NotFound("request " + requestID)
	}
	all, err := l.Entries(1, head.Sequence)
	if err != nil {
		return Evidence{}, err
	}

	var ev Evidence
	for _, e := range all {
		var ref struct {
			RequestID string `json:"request_id"`
		}
		if err := e.Decode(&ref); err != nil || ref.RequestID != requestID {
			continue
		}
		ev.Entries = append(ev.Entries, e)
	}
	if len(ev.Entries) == 0 {
		return Evidence{}, failure.NotFound("request " + requestID)
	}

	from, to := ev.Entries[0].Sequence, ev.Entries[len(ev.Entries)-1].Sequence
	if ev.Export, err = l.BuildExport(from, to); err != nil {
		return Evidence{}, err
	}
	if ev.Report, err = l.Verify(ctx, from, to); err != nil {
		return Evidence{}, err
	}
	return ev, nil
}

// BuildFiles renders every bundle file, including the manifest and the
// checksum list.
func BuildFiles(in Input, baseURL string) (map[string][]byte, error) {
	if len(in.Policy) == 0 {
		return nil, errors.New("policy bytes required")
	}
	if in.Request.RequestID == "" {
		return nil, errors.New("request required")
	}
	if in.CreatedAt == "" {
		in.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	files := map[string][]byte{}
	add := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		files[name] = append(data, '\n')
		return nil
	}

	if err := add(fileRequest, in.Request); err != nil {
		return nil, err
	}
	if in.Permit != nil {
		if err := add(filePermit, in.Permit); err != nil {
			return nil, err
		}
	}
	entries := in.Evidence.Entries
	if entries == nil {
		entries = []ledger.Entry{}
	}
	if err := add(fileEntries, entries); err != nil {
		return nil, err
	}
	if err := add(fileVerify, in.Evidence.Report); err != nil {
		return nil, err
	}
	files[filePolicy] = in.Policy

	var exp bytes.Buffer
	if err := ledger.WriteExport(&exp, in.Evidence.Export); err != nil {
		return nil, err
	}
	files[fileExport] = exp.Bytes()

	summary, html, err := BuildSummary(in, baseURL)
	if err != nil {
		return nil, err
	}
	if err := add(fileSummary, summary); err != nil {
		return nil, err
	}
	files[fileHTML] = html

	manifest := Manifest{
		Format:     ManifestFormat,
		CreatedAt:  in.CreatedAt,
		RequestID:  in.Request.RequestID,
		LedgerFrom: in.Evidence.Export.From,
		LedgerTo:   in.Evidence.Export.To,
	}
	if in.Permit != nil {
		manifest.PermitID = in.Permit.PermitID
	}
	for _, name := range sortedNames(files) {
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:   name,
			SHA256: crypto.DigestHex(files[name]),
			Bytes:  len(files[name]),
		})
	}
	if err := add(fileManifest, manifest); err != nil {
		return nil, err
	}

	var sums strings.Builder
	for _, name := range sortedNames(files) {
		fmt.Fprintf(&sums, "%s  %s\n", crypto.DigestHex(files[name]), name)
	}
	files[fileSums] = []byte(sums.String())
	return files, nil
}

func BuildZip(in Input, baseURL string) ([]byte, error) {
	files, err := BuildFiles(in, baseURL)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteZip(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteZip writes files in name order with a fixed timestamp so identical
// inputs produce identical archives.
func WriteZip(w io.Writer, files map[string][]byte) error {
	zw := zip.NewWriter(w)
	for _, name := range sortedNames(files) {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(0, 0).UTC()}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return err
		}
		if _, err := fw.Write(files[name]); err != nil {
			_ = zw.Close()
			return err
		}
	}
	return zw.Close()
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
