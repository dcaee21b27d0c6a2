package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docket/api/internal/auth"
	"docket/api/internal/rbac"
	"docket/api/internal/store"
)

var testSecret = []byte("test-secret")

func newTestHTTPServer(t *testing.T) (*harness, *HTTPServer) {
	t.Helper()
	h := newHarness(t)
	return h, NewHTTPServer(h.svc, HTTPConfig{TokenSecret: testSecret})
}

func tokenFor(t *testing.T, actor rbac.Actor) string {
	t.Helper()
	token, err := auth.Mint(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, server *HTTPServer, method, path string, actor *rbac.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, *actor))
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	_, server := newTestHTTPServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

type downStore struct {
	store.Store
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	h, server := newTestHTTPServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	down := NewHTTPServer(New(downStore{Store: h.store}, Options{}), HTTPConfig{TokenSecret: testSecret})
	rr = doJSON(t, down, http.MethodGet, "/api/ready", nil, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	body := decodeResponse[map[string]any](t, rr)
	if body["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", body["status"])
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	_, server := newTestHTTPServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/change-requests", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/change-requests", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for a bad token, got %d", rr.Code)
	}

	expired, err := auth.Mint(testSecret, submitter, -time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/change-requests", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for an expired token, got %d", rr.Code)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	_, server := newTestHTTPServer(t)

	rr := doJSON(t, server, http.MethodGet, "/api/nope", &submitter, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	body := decodeResponse[map[string]any](t, rr)
	if body["code"] != CodeNotFound {
		t.Fatalf("expected NOT_FOUND code, got %v", body["code"])
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	h, server := newTestHTTPServer(t)

	rr := doJSON(t, server, http.MethodPost, "/api/change-requests", &submitter, map[string]any{
		"kind":      "CREATE",
		"projectId": h.projectID,
		"payload":   map[string]any{"code": "WQ-9", "type": "inspection", "title": "Valve Inspection", "content": map[string]any{"pressure": "10 bar"}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	request := decodeResponse[store.ChangeRequest](t, rr)

	rr = doJSON(t, server, http.MethodPost, "/api/change-requests/"+request.ID+"/review", &submitter, map[string]any{"decision": "APPROVE"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for an editor review, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, server, http.MethodPost, "/api/change-requests/"+request.ID+"/review", &reviewer, map[string]any{"decision": "APPROVE"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	reviewed := decodeResponse[store.ChangeRequest](t, rr)
	if reviewed.Status != store.ChangeRequestApproved {
		t.Fatalf("expected APPROVED, got %s", reviewed.Status)
	}

	rr = doJSON(t, server, http.MethodPost, "/api/change-requests/"+request.ID+"/review", &reviewer, map[string]any{"decision": "APPROVE"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409 on a second review, got %d body=%s", rr.Code, rr.Body.String())
	}
	conflictBody := decodeResponse[map[string]any](t, rr)
	details, _ := conflictBody["details"].(map[string]any)
	if details["expected"] != store.ChangeRequestPending || details["actual"] != store.ChangeRequestApproved {
		t.Fatalf("unexpected conflict details: %v", conflictBody)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/quality-approvals?status=PENDING_QC", &qcUser, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	list := decodeResponse[struct {
		Items []store.QCDocumentApproval `json:"items"`
	}](t, rr)
	if len(list.Items) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(list.Items))
	}
	approvalID := list.Items[0].ID

	rr = doJSON(t, server, http.MethodPost, "/api/quality-approvals/"+approvalID+"/qc-approve", &qcUser, map[string]any{"note": "checked"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, server, http.MethodPost, "/api/quality-approvals/"+approvalID+"/pm-approve", &pmUser, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	completed := decodeResponse[store.QCDocumentApproval](t, rr)
	if completed.Status != store.QualityCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Status)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/items/"+*reviewed.ItemID+"/history.xlsx", &viewer, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rr = doJSON(t, server, http.MethodGet, "/api/dashboard/badges", &submitter, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	badges := decodeResponse[Badges](t, rr)
	if badges.Unread != 3 {
		t.Fatalf("expected 3 unread notifications, got %+v", badges)
	}
}

func TestQualityEndpointsEnforceQualification(t *testing.T) {
	h, server := newTestHTTPServer(t)
	approval := h.approvalFor(t, h.createItem(t, "WQ-9", "inspection", "Valve Inspection"))
	path := "/api/quality-approvals/" + approval.ID

	tests := []struct {
		name   string
		actor  rbac.Actor
		path   string
		action string
		body   map[string]any
		status int
	}{
		{name: "viewer cannot approve", actor: viewer, action: "/qc-approve", status: http.StatusForbidden},
		{name: "pm cannot sign qc stage", actor: pmUser, action: "/qc-approve", status: http.StatusForbidden},
		{name: "pm approve before qc", actor: pmUser, action: "/pm-approve", status: http.StatusConflict},
		{name: "reject needs note", actor: qcUser, action: "/reject", body: map[string]any{"note": ""}, status: http.StatusUnprocessableEntity},
		{name: "only the submitter resolves", actor: otherUser, action: "/resolve-revision", status: http.StatusForbidden},
		{name: "unknown approval", actor: qcUser, path: "/api/quality-approvals/qca_missing", action: "/qc-approve", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			base := path
			if tc.path != "" {
				base = tc.path
			}
			rr := doJSON(t, server, http.MethodPost, base+tc.action, &tc.actor, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d body=%s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestDeleteUserEndpoint(t *testing.T) {
	h, server := newTestHTTPServer(t)
	h.createItem(t, "WQ-1", "note", "Valve")

	rr := doJSON(t, server, http.MethodDelete, "/api/users/"+submitter.ID, &reviewer, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	rr = doJSON(t, server, http.MethodDelete, "/api/users/"+submitter.ID, &admin, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMapErrorFallsBackToServerError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: conflict("x", "PENDING", "APPROVED"), status: http.StatusConflict, code: CodeConflict},
		{err: auth.ErrExpiredToken, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{err: context.DeadlineExceeded, status: http.StatusServiceUnavailable, code: "TIMEOUT"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "SERVER_ERROR"},
	}
	for _, tc := range tests {
		status, code, _, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
