package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"mandato/internal/app"
	"mandato/internal/config"
	"mandato/internal/db"
	"mandato/internal/domain"
	"mandato/internal/migrate"
	"mandato/internal/server"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	a, err := app.New(conn, config.Default())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := server.New(server.Config{App: a, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, owner string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func submitIdea(t *testing.T, ts *testServer, owner, idea string) domain.Project {
	t.Helper()
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/ideas",
		map[string]string{"idea": idea}, owner)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit idea: status %d: %s", resp.StatusCode, data)
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}
	return p
}

const testIdea = "Construir uma rede de hospitais comunitarios nos bairros mais carentes da capital"

func TestSubmitIdeaRunsPipeline(t *testing.T) {
	ts := newTestServer(t)
	p := submitIdea(t, ts, "owner-1", testIdea)

	if p.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", p.Status)
	}
	if p.RefinedProject == nil || p.AnalysisData == nil {
		t.Fatalf("stage payloads missing: %+v", p)
	}

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects", nil, "owner-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var items []domain.Project
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 1 || items[0].ID != p.ID {
		t.Fatalf("list = %+v, want the submitted project", items)
	}
}

func TestGatedIdeaComesBackRejected(t *testing.T) {
	ts := newTestServer(t)
	p := submitIdea(t, ts, "owner-1", "Institucionalizar a propina como taxa oficial de agilizacao")
	if p.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", p.Status)
	}
}

func TestApproveFlow(t *testing.T) {
	ts := newTestServer(t)
	p := submitIdea(t, ts, "owner-1", testIdea)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/approve", nil, "owner-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d: %s", resp.StatusCode, data)
	}
	var approved domain.Project
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if approved.Status != domain.StatusInExecution {
		t.Fatalf("status = %s, want in_execution", approved.Status)
	}

	// A second approve is a conflict, not a double execution.
	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/approve", nil, "owner-1")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second approve: status %d: %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/records", nil, "owner-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records: status %d", resp.StatusCode)
	}
	var records []domain.ExecutionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) == 0 {
		t.Fatalf("no execution records after approval")
	}
}

func TestOwnershipIsEnforcedOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	p := submitIdea(t, ts, "owner-1", testIdea)

	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID, nil, "owner-2")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign read: status %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/cancel",
		map[string]string{"reason": "not mine"}, "owner-2")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel: status %d, want 403", resp.StatusCode)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	ts := newTestServer(t)
	submitIdea(t, ts, "owner-1", testIdea)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/missing", nil, "owner-1")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStateAndSweepEndpoints(t *testing.T) {
	ts := newTestServer(t)
	submitIdea(t, ts, "owner-1", testIdea)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/state", nil, "owner-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: status %d", resp.StatusCode)
	}
	var state domain.NationState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.OwnerID != "owner-1" || state.TreasuryBalance <= 0 {
		t.Fatalf("state = %+v", state)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/sweep", nil, "owner-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep: status %d: %s", resp.StatusCode, data)
	}
	var swept struct {
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(data, &swept); err != nil {
		t.Fatalf("decode sweep: %v", err)
	}
	if swept.Processed != 0 {
		t.Fatalf("processed = %d, nothing should be due yet", swept.Processed)
	}
}
