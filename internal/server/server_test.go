package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("platform")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.EnsureTeam(context.Background(), nil, "platform", "Platform", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	if _, err := e.SeedCatalog(context.Background(), "tester"); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowAnonymous: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func scanReport(results map[string]map[string]any) map[string]any {
	return map[string]any{
		"commit_sha":       "0123456789abcdef0123456789abcdef01234567",
		"ref":              "refs/heads/main",
		"provider_run_id":  "run-42",
		"run_url":          "https://ci.example.com/runs/42",
		"workflow_version": "v3",
		"scanned_at":       "2026-02-01T10:00:00Z",
		"results":          results,
		"repository": map[string]any{
			"team_id":  "platform",
			"name":     "payments",
			"language": "go",
		},
	}
}

func TestScanIngestComputesReadiness(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/scans", scanReport(map[string]map[string]any{
		"docs.agents_md_present":  {"passed": true},
		"tests.automated_present": {"count": 30},
		"never.in.catalog":        {"passed": true},
	}), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/repos/payments/readiness", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get readiness status %d: %s", getRes.StatusCode, string(getData))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(getData, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.RepoID != "payments" || snap.TeamID != "platform" {
		t.Fatalf("unexpected snapshot identity: %+v", snap)
	}
	entry, ok := snap.Quests["docs.agents_md_present"]
	if !ok || entry.Status != "complete" || entry.Level != 1 {
		t.Fatalf("unexpected agents_md entry: %+v", entry)
	}
	tests, ok := snap.Quests["tests.automated_present"]
	if !ok || tests.Status != "complete" || tests.Level != 2 {
		t.Fatalf("expected level 2 for 30 tests, got %+v", tests)
	}
	if _, ok := snap.Quests["never.in.catalog"]; ok {
		t.Fatalf("key missing from catalog must be skipped")
	}
	if entry.LastSeenAt != "2026-02-01T10:00:00Z" {
		t.Fatalf("last_seen_at should be the scan timestamp, got %s", entry.LastSeenAt)
	}
}

func TestManualApprovalSurvivesScans(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// First scan creates the repository.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/scans", scanReport(map[string]map[string]any{
		"docs.agents_md_present": {"passed": true},
	}), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	approveRes, approveData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/readiness/process.agent_review/approve", map[string]any{
		"approved_by": "alice",
		"level":       2,
	}, nil)
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveData))
	}

	// A later scan must not erase the approval, even though the scanner
	// never reports the manual quest.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/scans", scanReport(map[string]map[string]any{
		"docs.agents_md_present": {"passed": false},
	}), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second ingest status %d: %s", res.StatusCode, string(data))
	}

	getRes, getData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/repos/payments/readiness", nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get readiness status %d: %s", getRes.StatusCode, string(getData))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(getData, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	entry, ok := snap.Quests["process.agent_review"]
	if !ok {
		t.Fatalf("manual approval vanished after scan: %s", string(getData))
	}
	if entry.CompletionSource != "manual" || entry.Level != 2 {
		t.Fatalf("unexpected manual entry: %+v", entry)
	}
	if entry.ManualApproval == nil || entry.ManualApproval.ApprovedBy != "alice" {
		t.Fatalf("manual approval record missing: %+v", entry)
	}
	if agents := snap.Quests["docs.agents_md_present"]; agents.Status != "incomplete" {
		t.Fatalf("failed scan should mark quest incomplete, got %+v", agents)
	}
}

func TestRevokeApproval(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/scans", scanReport(nil), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	approveRes, approveData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/readiness/process.agent_review/approve", map[string]any{}, nil)
	if approveRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", approveRes.StatusCode, string(approveData))
	}

	revokeRes, revokeData := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/repos/payments/readiness/process.agent_review/approval", nil, nil)
	if revokeRes.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", revokeRes.StatusCode, string(revokeData))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(revokeData, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if _, ok := snap.Quests["process.agent_review"]; ok {
		t.Fatalf("revoked entry should be removed from snapshot")
	}

	// Revoking again is a 404: there is no entry anymore.
	againRes, againData := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/repos/payments/readiness/process.agent_review/approval", nil, nil)
	if againRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", againRes.StatusCode, string(againData))
	}
}

func TestApproveAutoOnlyQuestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/scans", scanReport(nil), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	approveRes, approveData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/repos/payments/readiness/lint.clean/approve", map[string]any{
		"approved_by": "alice",
	}, nil)
	if approveRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for auto-only quest, got %d: %s", approveRes.StatusCode, string(approveData))
	}
}

func TestQuestCatalogEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, createData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/quests", map[string]any{
		"key":         "docs.runbook_present",
		"title":       "Runbook present",
		"category":    "docs",
		"description": "Repository documents its operational runbook",
		"detection":   "auto",
		"levels": []map[string]any{
			{"level": 1, "condition": "exists"},
		},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create quest status %d: %s", createRes.StatusCode, string(createData))
	}

	dupRes, dupData := doJSON(t, client, http.MethodPost, srv.URL+"/v0/quests", map[string]any{
		"key":         "docs.runbook_present",
		"title":       "Runbook present",
		"category":    "docs",
		"description": "Duplicate",
		"detection":   "auto",
	}, nil)
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate key, got %d: %s", dupRes.StatusCode, string(dupData))
	}

	patchRes, patchData := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/quests/docs.runbook_present", map[string]any{
		"active": false,
	}, nil)
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchData))
	}
	var patched QuestResponse
	if err := json.Unmarshal(patchData, &patched); err != nil {
		t.Fatalf("unmarshal quest: %v", err)
	}
	if patched.Active {
		t.Fatalf("quest should be inactive after patch")
	}

	listRes, listData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/quests", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listData))
	}
	var quests []QuestResponse
	if err := json.Unmarshal(listData, &quests); err != nil {
		t.Fatalf("unmarshal quests: %v", err)
	}
	for _, q := range quests {
		if q.Key == "docs.runbook_present" {
			t.Fatalf("inactive quest should be hidden from default listing")
		}
	}
}
