package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/internal/certification"
	"github.com/davidahmann/tollgate/internal/crypto"
	"github.com/davidahmann/tollgate/internal/ledger"
	"github.com/davidahmann/tollgate/internal/permit"
	"github.com/davidahmann/tollgate/internal/policy"
	"github.com/davidahmann/tollgate/internal/quorum"
	"github.com/davidahmann/tollgate/internal/supervisor"
	"github.com/davidahmann/tollgate/pkg/types"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "tollgate-test"
	devToken   = "test-token"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	router  http.Handler
	handler *Handler
	ledger  *ledger.Ledger
	reg     *certification.Registry
	clock   *clock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ring := crypto.NewKeyring()
	if err := ring.AddHMAC("k1", bytes.Repeat([]byte{0x55}, 32)); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: t0}

	l, err := ledger.Open(ledger.NewInMemoryStore(), ring, ledger.Options{Now: c.Now, Logger: logger})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(l.Close)

	loaded := policy.MustDefault()
	reg := certification.NewRegistry(l, loaded.Policy.Certification, certification.Options{Now: c.Now, Logger: logger})
	q := quorum.NewEngine(l, quorum.Options{Now: c.Now, Logger: logger})
	t.Cleanup(q.Close)
	svc := permit.NewService(l, loaded, reg, q, permit.Options{Now: c.Now, Logger: logger})

	h := &Handler{
		Auth:     auth.NewAuthenticator(devToken, testSecret, testIssuer),
		Permits:  svc,
		Registry: reg,
		Ledger:   l,
		Policy:   loaded,
		Now:      c.Now,
		Logger:   logger,
		Judge:    supervisor.Judge,
	}
	return &testServer{router: NewRouter(h), handler: h, ledger: l, reg: reg, clock: c}
}

func token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	tok, err := auth.NewJWTAuthenticator([]byte(testSecret), testIssuer).Issue(subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res := httptest.NewRecorder()
	s.router.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", res.Body.String(), err)
	}
	return out
}

func (s *testServer) certify(t *testing.T, actor string, tier int) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.reg.Onboard(ctx, actor, []string{"payments"}, false, "admin"); err != nil {
		t.Fatalf("onboard: %v", err)
	}
	for i := 0; i <= tier; i++ {
		if _, err := s.reg.Transition(ctx, actor, certification.Change{Event: certification.EventUpgradeApproved, By: "admin"}); err != nil {
			t.Fatalf("upgrade: %v", err)
		}
	}
}

func productionDeploy() types.OperationDescriptor {
	return types.OperationDescriptor{
		Action:         "deploy",
		Resources:      []string{"svc/checkout"},
		Environment:    types.EnvProduction,
		Reversibility:  types.AutomatedRollback,
		ImpactScope:    types.ScopeService,
		CustomerImpact: types.CustomerNone,
	}
}

func localRestart() types.OperationDescriptor {
	return types.OperationDescriptor{
		Action:         "restart",
		Resources:      []string{"svc/cache"},
		Environment:    types.EnvLocal,
		Reversibility:  types.FullyReversible,
		ImpactScope:    types.ScopeComponent,
		CustomerImpact: types.CustomerNone,
	}
}

func TestEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t)
	cases := []struct{ method, path string }{
		{http.MethodPost, "/v1/operations"},
		{http.MethodGet, "/v1/requests/req_1"},
		{http.MethodPost, "/v1/requests/req_1/approvals"},
		{http.MethodGet, "/v1/permits/pmt_1"},
		{http.MethodGet, "/v1/permits/pmt_1/pack"},
		{http.MethodGet, "/v1/audit"},
		{http.MethodGet, "/v1/audit/export"},
		{http.MethodPost, "/v1/certifications"},
	}
	for _, tc := range cases {
		if res := s.do(t, tc.method, tc.path, "", nil); res.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s %s, got %d", tc.method, tc.path, res.Code)
		}
		if res := s.do(t, tc.method, tc.path, "wrong", nil); res.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for bad token on %s, got %d", tc.path, res.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	res := s.do(t, http.MethodGet, "/healthz", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestServiceNotConfigured(t *testing.T) {
	router := NewRouter(&Handler{Auth: auth.NewAuthenticator(devToken, "", "")})
	req := httptest.NewRequest(http.MethodGet, "/v1/requests/req_1", nil)
	req.Header.Set("Authorization", "Bearer "+devToken)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", res.Code)
	}
}

func TestSubmitApproveExecuteAndPack(t *testing.T) {
	s := newTestServer(t)
	s.certify(t, "agent-7", 2)
	s.certify(t, "alice", 2)
	agent := token(t, "agent-7")

	res := s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: productionDeploy()})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	submitted := decodeBody[SubmitResponse](t, res)
	if submitted.Request.Status != types.StatusUnderReview || submitted.NextAction != ActionAwaitApproval {
		t.Fatalf("unexpected submission %+v", submitted)
	}
	requestID := submitted.Request.RequestID

	replay := s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: productionDeploy()})
	if replay.Code != http.StatusOK || !decodeBody[SubmitResponse](t, replay).Replayed {
		t.Fatalf("expected replayed 200, got %d: %s", replay.Code, replay.Body.String())
	}

	approvals := "/v1/requests/" + requestID + "/approvals"
	res = s.do(t, http.MethodPost, approvals, token(t, "bob", "team_lead"), ApproveRequest{Role: "service_owner", Decision: types.DecisionApproved})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ungranted role, got %d", res.Code)
	}
	res = s.do(t, http.MethodPost, approvals, agent, ApproveRequest{Role: "service_owner", Decision: types.DecisionApproved})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a token without roles, got %d: %s", res.Code, res.Body.String())
	}
	res = s.do(t, http.MethodPost, approvals, token(t, "agent-7", "service_owner"), ApproveRequest{Role: "service_owner", Decision: types.DecisionApproved})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self approval, got %d: %s", res.Code, res.Body.String())
	}

	res = s.do(t, http.MethodPost, approvals, token(t, "alice", "service_owner"), ApproveRequest{Role: "service_owner", Decision: types.DecisionApproved, Reasoning: "low blast radius"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	approved := decodeBody[ApproveResponse](t, res)
	if approved.Request.Status != types.StatusIssued || approved.Request.PermitID == "" || approved.NextAction != ActionStart {
		t.Fatalf("expected issued permit, got %+v", approved.Request)
	}
	permitPath := "/v1/permits/" + approved.Request.PermitID

	res = s.do(t, http.MethodPost, permitPath+"/events", agent, PermitEventRequest{Type: EventStarted})
	if res.Code != http.StatusOK || decodeBody[PermitResponse](t, res).Permit.Status != types.StatusExecuting {
		t.Fatalf("expected executing, got %d: %s", res.Code, res.Body.String())
	}
	res = s.do(t, http.MethodPost, permitPath+"/events", agent, PermitEventRequest{Type: EventCompleted, Summary: "rolled out"})
	completed := decodeBody[PermitResponse](t, res)
	if completed.Permit.Status != types.StatusCompleted || completed.NextAction != ActionClose {
		t.Fatalf("expected completed, got %+v", completed)
	}
	res = s.do(t, http.MethodPost, permitPath+"/close", token(t, "ops"), CloseRequest{Summary: "deployed v42"})
	if res.Code != http.StatusOK || decodeBody[PermitResponse](t, res).Permit.Status != types.StatusClosed {
		t.Fatalf("expected closed, got %d: %s", res.Code, res.Body.String())
	}

	res = s.do(t, http.MethodGet, permitPath+"/pack", agent, nil)
	if res.Code != http.StatusOK || res.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("expected zip, got %d: %s", res.Code, res.Body.String())
	}
	zr, err := zip.NewReader(bytes.NewReader(res.Body.Bytes()), int64(res.Body.Len()))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	var summary []byte
	for _, f := range zr.File {
		if f.Name != "summary.json" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open summary: %v", err)
		}
		summary, _ = io.ReadAll(rc)
		_ = rc.Close()
	}
	var got struct {
		Grade      string `json:"grade"`
		ChainValid bool   `json:"chain_valid"`
	}
	if err := json.Unmarshal(summary, &got); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.Grade != "A" || !got.ChainValid {
		t.Fatalf("expected a clean grade A bundle, got %+v", got)
	}
}

func TestBreachReportEnforcedImmediately(t *testing.T) {
	s := newTestServer(t)
	s.certify(t, "agent-7", 0)
	agent := token(t, "agent-7")

	res := s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: localRestart()})
	submitted := decodeBody[SubmitResponse](t, res)
	if submitted.Permit == nil {
		t.Fatalf("tier-0 submission should issue, got %s", res.Body.String())
	}
	events := "/v1/permits/" + submitted.Permit.PermitID + "/events"

	s.do(t, http.MethodPost, events, agent, PermitEventRequest{Type: EventStarted})
	res = s.do(t, http.MethodPost, events, agent, PermitEventRequest{Type: EventSafetyBreach, ErrorRateBps: 900})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	revoked := decodeBody[PermitResponse](t, res)
	if revoked.Permit.Status != types.StatusRevoked || revoked.Permit.TerminalReason != permit.ReasonSafetyViolation {
		t.Fatalf("expected safety revocation, got %+v", revoked.Permit)
	}
	if revoked.Permit.RollbackPending {
		t.Fatalf("rollback should have completed")
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	agent := token(t, "agent-9")

	res := s.do(t, http.MethodGet, "/v1/requests/req_missing", agent, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}

	res = s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: productionDeploy()})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for uncertified requester, got %d", res.Code)
	}
	if body := decodeBody[errorBody](t, res); body.Code != permit.BlockNotCertified || body.Kind != "eligibility_blocked" {
		t.Fatalf("unexpected error body %+v", body)
	}

	res = s.do(t, http.MethodPost, "/v1/operations", agent, "{invalid")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	s.certify(t, "agent-9", 0)
	res = s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: localRestart()})
	submitted := decodeBody[SubmitResponse](t, res)
	res = s.do(t, http.MethodPost, "/v1/permits/"+submitted.Permit.PermitID+"/events", agent, PermitEventRequest{Type: "paused"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d", res.Code)
	}
	res = s.do(t, http.MethodPost, "/v1/permits/"+submitted.Permit.PermitID+"/archive", agent, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 archiving a live permit, got %d", res.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.certify(t, "agent-7", 2)
	ops := token(t, "ops")

	res := s.do(t, http.MethodGet, "/v1/audit?from=1&to=2", ops, nil)
	page := decodeBody[AuditPage](t, res)
	if res.Code != http.StatusOK || len(page.Entries) != 2 || page.Next != 3 {
		t.Fatalf("unexpected page %d %+v", res.Code, page)
	}

	res = s.do(t, http.MethodGet, "/v1/audit?from=5&to=2", ops, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/v1/audit/verify", ops, nil)
	verified := decodeBody[VerifyResponse](t, res)
	if !verified.Valid || verified.Report.Checked == 0 {
		t.Fatalf("expected valid chain, got %+v", verified)
	}

	res = s.do(t, http.MethodGet, "/v1/audit/export", ops, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	exp, err := ledger.ReadExport(bytes.NewReader(res.Body.Bytes()))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(exp.Entries) != verified.Report.Checked {
		t.Fatalf("export should hold every entry, got %d", len(exp.Entries))
	}

	res = s.do(t, http.MethodPost, "/v1/audit/resume", ops, ResumeRequest{})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for resume without reason, got %d", res.Code)
	}
}

func TestCertificationEndpoints(t *testing.T) {
	s := newTestServer(t)
	admin := token(t, "admin")

	res := s.do(t, http.MethodPost, "/v1/certifications", admin, OnboardRequest{ActorID: "agent-3", Domains: []string{"payments"}})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	if rec := decodeBody[types.CertificationRecord](t, res); rec.Status != types.CertProbationary || rec.Tier != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}

	res = s.do(t, http.MethodPost, "/v1/certifications", admin, OnboardRequest{ActorID: "agent-3"})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 onboarding twice, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/v1/certifications/agent-3", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	res = s.do(t, http.MethodPost, "/v1/certifications/agent-3/transition", admin, TransitionRequest{Event: certification.EventReinstate})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 reinstating a probationary record, got %d", res.Code)
	}

	res = s.do(t, http.MethodPost, "/v1/certifications/agent-3/upgrade", admin, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked upgrade, got %d: %s", res.Code, res.Body.String())
	}

	res = s.do(t, http.MethodPost, "/v1/certifications/agent-3/recommend", token(t, "agent-3"), nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for self recommendation, got %d", res.Code)
	}
	res = s.do(t, http.MethodPost, "/v1/certifications/agent-3/recommend", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/v1/certifications", admin, nil)
	list := decodeBody[map[string][]types.CertificationRecord](t, res)
	if len(list["certifications"]) != 1 {
		t.Fatalf("expected one record, got %+v", list)
	}
}

func TestAssessPreviewsWithoutWriting(t *testing.T) {
	s := newTestServer(t)
	ops := token(t, "ops")
	head, _, _ := s.ledger.Head()

	d := productionDeploy()
	d.Sensitive.PII = true
	res := s.do(t, http.MethodPost, "/v1/assess", ops, AssessRequest{Descriptor: d})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	got := decodeBody[AssessResponse](t, res)
	if got.Assessment.Score != 16 || got.Assessment.RequiredTier != 3 || got.Quorum == nil || got.Quorum.RequiredCount != 2 {
		t.Fatalf("unexpected preview %+v", got)
	}
	if len(got.Assessment.Restrictions) == 0 {
		t.Fatalf("expected restrictions on a sensitive production change")
	}

	res = s.do(t, http.MethodPost, "/v1/assess", ops, AssessRequest{Descriptor: localRestart()})
	if got := decodeBody[AssessResponse](t, res); got.Quorum != nil || got.Assessment.RequiredTier != 0 {
		t.Fatalf("tier 0 needs no quorum, got %+v", got)
	}

	d.Environment = "moon"
	res = s.do(t, http.MethodPost, "/v1/assess", ops, AssessRequest{Descriptor: d})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}

	after, _, _ := s.ledger.Head()
	if after.Sequence != head.Sequence {
		t.Fatalf("assess must not write to the ledger")
	}
}

func TestMetricsCountsDecisions(t *testing.T) {
	s := newTestServer(t)
	s.certify(t, "agent-7", 2)
	agent := token(t, "agent-7")

	s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: localRestart()})
	s.do(t, http.MethodPost, "/v1/operations", agent, SubmitRequest{Descriptor: productionDeploy()})

	res := s.do(t, http.MethodGet, "/metrics", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	res = s.do(t, http.MethodGet, "/metrics", token(t, "ops"), nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	m := decodeBody[MetricsResponse](t, res)
	if m.TotalDecisions != 1 || m.Pending != 1 {
		t.Fatalf("expected one decided and one pending request, got %+v", m)
	}
	if m.Requests[types.StatusIssued] != 1 || m.Requests[types.StatusUnderReview] != 1 {
		t.Fatalf("unexpected status counts %+v", m.Requests)
	}
	if m.Certifications != 1 || m.LedgerHead == 0 || m.LedgerHalted {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestAuditRotate(t *testing.T) {
	s := newTestServer(t)
	ops := token(t, "ops")

	res := s.do(t, http.MethodPost, "/v1/audit/rotate", ops, RotateRequest{KeyID: "k9"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unloaded key, got %d: %s", res.Code, res.Body.String())
	}
	res = s.do(t, http.MethodPost, "/v1/audit/rotate", ops, RotateRequest{})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a key id, got %d", res.Code)
	}

	if err := s.ledger.Keyring().AddHMAC("k2", bytes.Repeat([]byte{0x66}, 32)); err != nil {
		t.Fatalf("add key: %v", err)
	}
	res = s.do(t, http.MethodPost, "/v1/audit/rotate", ops, RotateRequest{KeyID: "k2"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if entry := decodeBody[ledger.Entry](t, res); entry.Kind != ledger.KindKeyRotated || entry.KeyID != "k2" {
		t.Fatalf("unexpected rotation entry %+v", entry)
	}

	res = s.do(t, http.MethodGet, "/v1/audit/verify", ops, nil)
	if !decodeBody[VerifyResponse](t, res).Valid {
		t.Fatalf("chain should verify across the rotation")
	}
}

func TestApproveRejectsUncertifiedApprover(t *testing.T) {
	s := newTestServer(t)
	s.certify(t, "agent-7", 2)
	res := s.do(t, http.MethodPost, "/v1/operations", token(t, "agent-7"), SubmitRequest{Descriptor: productionDeploy()})
	requestID := decodeBody[SubmitResponse](t, res).Request.RequestID

	res = s.do(t, http.MethodPost, "/v1/requests/"+requestID+"/approvals", token(t, "nobody", "service_owner"), ApproveRequest{Role: "service_owner", Decision: types.DecisionApproved})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.Code, res.Body.String())
	}
	if body := decodeBody[errorBody](t, res); body.Code != permit.BlockApproverUnqualified {
		t.Fatalf("unexpected error body %+v", body)
	}
}
