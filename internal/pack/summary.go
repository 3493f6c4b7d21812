package pack

import (
	"bytes"
	"html/template"
	"strconv"
	"strings"

	"github.com/davidahmann/tollgate/internal/grade"
	"github.com/davidahmann/tollgate/pkg/types"
)

type Summary struct {
	RequestID      string             `json:"request_id"`
	PermitID       string             `json:"permit_id,omitempty"`
	Requester      string             `json:"requester"`
	Action         string             `json:"action"`
	Environment    string             `json:"environment"`
	Score          int                `json:"score"`
	RequiredTier   int                `json:"required_tier"`
	RequestStatus  types.PermitStatus `json:"request_status"`
	PermitStatus   types.PermitStatus `json:"permit_status,omitempty"`
	TerminalReason string             `json:"terminal_reason,omitempty"`
	Approvals      []string           `json:"approvals"`
	ChainValid     bool               `json:"chain_valid"`
	EntriesChecked int                `json:"entries_checked"`
	Violations     int                `json:"violations"`
	Grade          string             `json:"grade"`
	GradeReasons   []string           `json:"grade_reasons"`
	CreatedAt      string             `json:"created_at"`
	VerifyURL      string             `json:"verify_url,omitempty"`
	PackURL        string             `json:"pack_url,omitempty"`
}

// BuildSummary grades the evidence and renders it as JSON-ready fields
// plus a standalone HTML page.
func BuildSummary(in Input, baseURL string) (Summary, []byte, error) {
	report := in.Evidence.Report
	result := grade.Evaluate(grade.Input{
		ChainValid: report.OK() && len(in.Evidence.Entries) > 0,
		Request:    in.Request,
		Permit:     in.Permit,
	})

	s := Summary{
		RequestID:      in.Request.RequestID,
		Requester:      in.Request.Requester,
		Action:         in.Request.Descriptor.Action,
		Environment:    string(in.Request.Descriptor.Environment),
		Score:          in.Request.Assessment.Score,
		RequiredTier:   in.Request.Assessment.RequiredTier,
		RequestStatus:  in.Request.Status,
		Approvals:      []string{},
		ChainValid:     report.OK(),
		EntriesChecked: report.Checked,
		Violations:     len(report.Violations),
		Grade:          result.Grade,
		GradeReasons:   result.Reasons,
		CreatedAt:      in.CreatedAt,
	}
	for _, a := range in.Request.Approvals {
		s.Approvals = append(s.Approvals, a.ApproverID+" ("+a.Role+"): "+string(a.Decision))
	}
	if in.Permit != nil {
		s.PermitID = in.Permit.PermitID
		s.PermitStatus = in.Permit.Status
		s.TerminalReason = in.Permit.TerminalReason
	}

	if base := strings.TrimRight(baseURL, "/"); base != "" {
		s.VerifyURL = base + "/v1/audit/verify?from=" + strconv.FormatInt(in.Evidence.Export.From, 10) + "&to=" + strconv.FormatInt(in.Evidence.Export.To, 10)
		if s.PermitID != "" {
			s.PackURL = base + "/v1/permits/" + s.PermitID + "/pack"
		}
	}

	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, s); err != nil {
		return Summary{}, nil, err
	}
	return s, buf.Bytes(), nil
}

var summaryTemplate = template.Must(template.New("summary").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Tollgate evidence {{.RequestID}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:2rem;color:#1d1d1f}
table{border-collapse:collapse}
td,th{padding:.3rem .8rem;border-bottom:1px solid #ddd;text-align:left}
.grade{font-size:2rem;font-weight:700}
</style>
</head>
<body>
<h1>{{.Action}} <small>({{.Environment}})</small></h1>
<p class="grade">Grade {{.Grade}}</p>
{{if .GradeReasons}}<p>{{range .GradeReasons}}<code>{{.}}</code> {{end}}</p>{{end}}
<table>
<tr><th>Request</th><td>{{.RequestID}} ({{.RequestStatus}})</td></tr>
{{if .PermitID}}<tr><th>Permit</th><td>{{.PermitID}} ({{.PermitStatus}}{{if .TerminalReason}}: {{.TerminalReason}}{{end}})</td></tr>{{end}}
<tr><th>Requester</th><td>{{.Requester}}</td></tr>
<tr><th>Risk</th><td>score {{.Score}}, tier {{.RequiredTier}}</td></tr>
<tr><th>Ledger</th><td>{{if .ChainValid}}verified{{else}}{{.Violations}} violation(s){{end}}, {{.EntriesChecked}} entries checked</td></tr>
</table>
<h2>Approvals</h2>
<ul>{{range .Approvals}}<li>{{.}}</li>{{else}}<li>none</li>{{end}}</ul>
{{if .VerifyURL}}<p><a href="{{.VerifyURL}}">Verify ledger range</a>{{if .PackURL}} · <a href="{{.PackURL}}">Download bundle</a>{{end}}</p>{{end}}
<p><small>Generated {{.CreatedAt}}</small></p>
</body>
</html>
`))
