package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"docline/internal/config"
	"docline/internal/db"
	"docline/internal/engine"
	"docline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var testActor = map[string]string{"X-Actor-Id": "secretariat"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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
	for k, v := range testActor {
		req.Header.Set(k, v)
	}
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

func createDraft(t *testing.T, srv *testServer, name string) DocumentResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"name":  name,
		"type":  "draft",
		"title": "A Test Protocol",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create document status %d: %s", res.StatusCode, string(data))
	}
	var created DocumentResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	return created
}

func TestBallotLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doc := createDraft(t, srv, "draft-test-protocol")
	if doc.States["draft"] != "active" {
		t.Fatalf("expected initial draft state active, got %s", doc.States["draft"])
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/ballots", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open ballot status %d: %s", res.StatusCode, string(data))
	}
	var ballot BallotResponse
	if err := json.Unmarshal(data, &ballot); err != nil {
		t.Fatalf("unmarshal ballot: %v", err)
	}

	dupRes, dupBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/ballots", nil, nil)
	if dupRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second open ballot, got %d %s", dupRes.StatusCode, string(dupBody))
	}

	for reviewer, value := range map[string]string{"ana": "yes", "ben": "yes", "cho": "discuss"} {
		posRes, posBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/ballots/"+ballot.ID+"/positions", map[string]any{
			"reviewer": reviewer,
			"value":    value,
		}, nil)
		if posRes.StatusCode != http.StatusOK {
			t.Fatalf("record position %s status %d: %s", reviewer, posRes.StatusCode, string(posBody))
		}
	}

	outRes, outBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ballots/"+ballot.ID+"/outcome", nil, nil)
	if outRes.StatusCode != http.StatusOK {
		t.Fatalf("outcome status %d: %s", outRes.StatusCode, string(outBody))
	}
	var outcome OutcomeResponse
	_ = json.Unmarshal(outBody, &outcome)
	if outcome.Outcome != "blocked" {
		t.Fatalf("expected blocked while discuss held, got %s", outcome.Outcome)
	}

	_, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v0/ballots/"+ballot.ID+"/positions", map[string]any{
		"reviewer": "cho",
		"value":    "yes",
	}, nil)
	outRes, outBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ballots/"+ballot.ID+"/outcome", nil, nil)
	_ = json.Unmarshal(outBody, &outcome)
	if outcome.Outcome != "approved" {
		t.Fatalf("expected approved after discuss cleared, got %s", outcome.Outcome)
	}

	closeRes, closeBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/ballots/"+ballot.ID+"/close", nil, nil)
	if closeRes.StatusCode != http.StatusOK {
		t.Fatalf("close ballot status %d: %s", closeRes.StatusCode, string(closeBody))
	}
	var closed BallotResponse
	_ = json.Unmarshal(closeBody, &closed)
	if closed.Open || closed.Outcome != "approved" {
		t.Fatalf("expected closed approved ballot, got open=%t outcome=%s", closed.Open, closed.Outcome)
	}

	lateRes, lateBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/ballots/"+ballot.ID+"/positions", map[string]any{
		"reviewer": "dia",
		"value":    "yes",
	}, nil)
	if lateRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on closed ballot, got %d %s", lateRes.StatusCode, string(lateBody))
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doc := createDraft(t, srv, "draft-bad-move")
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/state", map[string]any{
		"state_type": "draft-iesg",
		"state":      "rfcqueue",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for illegal transition, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition code, got %q", envelope.Error.Code)
	}
}

func TestLastCallSweepOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doc := createDraft(t, srv, "draft-sweep-me")
	for _, state := range []string{"ad-eval", "lc-req"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/state", map[string]any{
			"state_type": "draft-iesg",
			"state":      state,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("move to %s status %d: %s", state, res.StatusCode, string(body))
		}
	}

	expires := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/"+doc.ID+"/last-call", map[string]any{
		"expires_at": expires,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("request last call status %d: %s", res.StatusCode, string(body))
	}

	sweepRes, sweepBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/last-calls/sweep", map[string]any{}, nil)
	if sweepRes.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", sweepRes.StatusCode, string(sweepBody))
	}
	var sweep SweepResponse
	_ = json.Unmarshal(sweepBody, &sweep)
	if len(sweep.Expired) != 1 || sweep.Expired[0] != doc.ID {
		t.Fatalf("expected sweep to expire %s, got %v", doc.ID, sweep.Expired)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents/"+doc.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get document status %d: %s", getRes.StatusCode, string(getBody))
	}
	var after DocumentResponse
	_ = json.Unmarshal(getBody, &after)
	if after.States["draft-iesg"] != "writeupw" {
		t.Fatalf("expected writeupw after sweep, got %s", after.States["draft-iesg"])
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/documents", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}
