package permit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/failure"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/pkg/types"
)

// State-record kinds. A permit's lifecycle is stored under its request id;
// the ref kind maps a permit id back to it.
const (
	StateKind    = "permit"
	RefStateKind = "permit_ref"
)

const permitIDPrefix = "pmt_"

// Record is the stored lifecycle of one request and the permit it may
// become. PermitID is set at issuance.
type Record struct {
	RequestID        string                    `json:"request_id"`
	PermitID         string                    `json:"permit_id,omitempty"`
	Requester        string                    `json:"requester"`
	Descriptor       types.OperationDescriptor `json:"descriptor"`
	Assessment       types.RiskAssessment      `json:"assessment"`
	Quorum           *types.QuorumSpec         `json:"quorum,omitempty"`
	Emergency        bool                      `json:"emergency,omitempty"`
	Status           types.PermitStatus        `json:"status"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	Warnings         []string                  `json:"warnings,omitempty"`
	Snapshot         *types.OperationSnapshot  `json:"snapshot,omitempty"`
	Window           types.TimeWindow          `json:"window"`
	Safety           types.SafetyThresholds    `json:"safety"`
	Temporary        bool                      `json:"temporary,omitempty"`
	HardCeiling      *time.Time                `json:"hard_ceiling,omitempty"`
	IssuedAt         *time.Time                `json:"issued_at,omitempty"`
	StartedAt        *time.Time                `json:"started_at,omitempty"`
	ClosedAt         *time.Time                `json:"closed_at,omitempty"`
	ArchivedAt       *time.Time                `json:"archived_at,omitempty"`
	TerminalReason   string                    `json:"terminal_reason,omitempty"`
	ExecutionSummary string                    `json:"execution_summary,omitempty"`
	RollbackPending  bool                      `json:"rollback_pending,omitempty"`
	Breach           *Breach                   `json:"breach,omitempty"`
	ScopeExpansion   *ScopeExpansion           `json:"scope_expansion,omitempty"`
	Override         *Override                 `json:"override,omitempty"`
}

// Breach is a safety-constraint breach reported by the execution environment.
type Breach struct {
	Constraint   string    `json:"constraint,omitempty"`
	ErrorRateBps int       `json:"error_rate_bps"`
	Detail       string    `json:"detail,omitempty"`
	ReportedAt   time.Time `json:"reported_at"`
}

// ScopeExpansion lists resources touched outside the frozen snapshot.
type ScopeExpansion struct {
	Resources  []string  `json:"resources"`
	ReportedAt time.Time `json:"reported_at"`
}

// Override is an administrative decision recorded in place of a normal
// precondition, such as closing with an unresolved rollback.
type Override struct {
	Operator string    `json:"operator"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

func (r Record) entity() string {
	if r.PermitID != "" {
		return "permit:" + r.PermitID
	}
	return "request:" + r.RequestID
}

func decodeRecord(sr ledger.StateRecord) (Record, error) {
	var rec Record
	if err := json.Unmarshal(sr.BodyJSON, &rec); err != nil {
		return rec, fmt.Errorf("decode permit %s: %w", sr.ID, err)
	}
	return rec, nil
}

func putRecord(tx ledger.Tx, rec Record, e ledger.Entry) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.PutState(ledger.StateRecord{
		Kind:         StateKind,
		ID:           rec.RequestID,
		Status:       string(rec.Status),
		BodyJSON:     body,
		LastSequence: e.Sequence,
		UpdatedAt:    e.RecordedAt.Format(time.RFC3339Nano),
	})
}

func putRef(tx ledger.Tx, rec Record, e ledger.Entry) error {
	body, err := json.Marshal(map[string]string{"request_id": rec.RequestID})
	if err != nil {
		return err
	}
	return tx.PutState(ledger.StateRecord{
		Kind:         RefStateKind,
		ID:           rec.PermitID,
		Status:       "ref",
		BodyJSON:     body,
		LastSequence: e.Sequence,
		UpdatedAt:    e.RecordedAt.Format(time.RFC3339Nano),
	})
}

// requestIDFor maps a permit id or request id to the lifecycle key.
func requestIDFor(store ledger.Store, id string) (string, error) {
	if !strings.HasPrefix(id, permitIDPrefix) {
		return id, nil
	}
	sr, ok := store.GetState(RefStateKind, id)
	if !ok {
		return "", failure.NotFound("permit:" + id)
	}
	var ref struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(sr.BodyJSON, &ref); err != nil {
		return "", fmt.Errorf("decode permit ref %s: %w", id, err)
	}
	return ref.RequestID, nil
}

func loadRecord(store ledger.Store, id string) (Record, error) {
	requestID, err := requestIDFor(store, id)
	if err != nil {
		return Record{}, err
	}
	sr, ok := store.GetState(StateKind, requestID)
	if !ok {
		return Record{}, failure.NotFound("request:" + id)
	}
	return decodeRecord(sr)
}

func listRecords(store ledger.Store) ([]Record, error) {
	srs, err := store.ListStates(StateKind)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(srs))
	for _, sr := range srs {
		rec, err := decodeRecord(sr)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// requestView projects rec and its approval collection, if any.
func requestView(rec Record, qs *quorum.State) types.RequestView {
	v := types.RequestView{
		RequestID:  rec.RequestID,
		Requester:  rec.Requester,
		Descriptor: rec.Descriptor,
		Assessment: rec.Assessment,
		CreatedAt:  rec.CreatedAt,
		Deadline:   rec.CreatedAt,
		Status:     rec.Status,
		Approvals:  []types.Approval{},
		PermitID:   rec.PermitID,
	}
	if rec.Quorum != nil {
		v.Quorum = *rec.Quorum
		v.EstimatedApproval = rec.Quorum.SLA
		v.Deadline = rec.CreatedAt.Add(rec.Quorum.SLA)
	}
	if qs != nil {
		v.Deadline = qs.Deadline
		v.Approvals = append(v.Approvals, qs.Approvals...)
		if rec.Status == types.StatusUnderReview {
			v.NextRole = qs.NextRole()
		}
	}
	return v
}

func permitView(rec Record, qs *quorum.State) types.PermitView {
	v := types.PermitView{
		PermitID:         rec.PermitID,
		RequestID:        rec.RequestID,
		Requester:        rec.Requester,
		Status:           rec.Status,
		Window:           rec.Window,
		Safety:           rec.Safety,
		Temporary:        rec.Temporary,
		HardCeiling:      rec.HardCeiling,
		StartedAt:        rec.StartedAt,
		ClosedAt:         rec.ClosedAt,
		TerminalReason:   rec.TerminalReason,
		ExecutionSummary: rec.ExecutionSummary,
		RollbackPending:  rec.RollbackPending,
	}
	if rec.Snapshot != nil {
		v.Snapshot = *rec.Snapshot
	}
	if rec.IssuedAt != nil {
		v.IssuedAt = *rec.IssuedAt
	}
	if qs != nil {
		v.Approvals = append([]types.Approval(nil), qs.Approvals...)
	}
	return v
}
