package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"draftgate/internal/config"
	"draftgate/internal/db"
	"draftgate/internal/domain"
	"draftgate/internal/engine"
	"draftgate/internal/migrate"
	"draftgate/internal/notify"
	"draftgate/internal/producer"
	"draftgate/internal/session"
)

const testProject = "proj-1"

var actorHeaders = map[string]string{"X-Actor-ID": "tester"}

type fakeProducer struct {
	body func(ctx context.Context) io.ReadCloser
}

func (f *fakeProducer) Stream(ctx context.Context, req producer.Request) (io.ReadCloser, error) {
	return f.body(ctx), nil
}

func scripted(lines ...string) *fakeProducer {
	payload := strings.Join(lines, "")
	return &fakeProducer{body: func(ctx context.Context) io.ReadCloser {
		return io.NopCloser(strings.NewReader(payload))
	}}
}

type stallingBody struct{ ctx context.Context }

func (b *stallingBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *stallingBody) Close() error { return nil }

func stalling() *fakeProducer {
	return &fakeProducer{body: func(ctx context.Context) io.ReadCloser {
		return &stallingBody{ctx: ctx}
	}}
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, prod producer.Producer) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := notify.NewHub(nil)
	e := engine.New(conn, cfg)
	e.Hub = hub
	if _, err := e.InitProject(context.Background(), testProject, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Registry: session.NewRegistry(),
		Producer: prod,
		Hub:      hub,
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", data, err)
	}
	return envelope.Error.Code
}

func pollSession(t *testing.T, srv *testServer, route string) session.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet,
			srv.URL+"/v0/projects/"+testProject+"/session?route="+url.QueryEscape(route), nil, actorHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("session status %d: %s", res.StatusCode, data)
		}
		var resp SessionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal session: %v", err)
		}
		if resp.Session.State != session.StateStreaming {
			return resp.Session
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never left streaming")
	return session.Status{}
}

func TestGenerateThenReviewFlow(t *testing.T) {
	srv := newTestServer(t, scripted(
		"data: {\"type\":\"start\"}\n",
		"data: {\"type\":\"component_start\",\"component\":\"Hero\",\"progress\":25}\n",
		"data: {\"type\":\"complete\",\"code\":\"<html>landing</html>\"}\n",
	))
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status %d: %s", res.StatusCode, data)
	}

	st := pollSession(t, srv, "/")
	if st.State != session.StateComplete {
		t.Fatalf("session state = %q (%s)", st.State, st.Error)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/artifact?route="+url.QueryEscape("/"), nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get artifact status %d: %s", res.StatusCode, data)
	}
	var ar ArtifactResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	if ar.Artifact.Content != "<html>landing</html>" || ar.Artifact.Version != 1 {
		t.Fatalf("artifact = %+v", ar.Artifact)
	}
	if ar.Artifact.Status != domain.StatusPendingReview {
		t.Fatalf("fresh artifact status = %q", ar.Artifact.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/artifacts/approve",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}

	// Approved pages require an explicit override to regenerate.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "approved_locked" {
		t.Fatalf("regenerate approved: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/", "override": true}, actorHeaders)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("override regenerate: %d %s", res.StatusCode, data)
	}
	st = pollSession(t, srv, "/")
	if st.State != session.StateComplete || st.Artifact == nil || st.Artifact.Version != 2 {
		t.Fatalf("override session = %+v", st)
	}
}

func TestRequestRevisionValidation(t *testing.T) {
	srv := newTestServer(t, scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n"))
	base := srv.URL + "/v0/projects/" + testProject
	if _, err := srv.Engine.SaveArtifact(context.Background(), domain.OwnerKey{ProjectID: testProject, Route: "/about"}, "<about/>", "tester"); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/artifacts/request-revision",
		map[string]any{"route": "/about", "feedback": "   "}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("blank feedback: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/artifacts/request-revision",
		map[string]any{"route": "/about", "feedback": "shorter copy"}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revision: %d %s", res.StatusCode, data)
	}
	var ar ArtifactResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		t.Fatal(err)
	}
	if ar.Artifact.Status != domain.StatusRevisionRequested || ar.Artifact.Feedback == nil {
		t.Fatalf("artifact = %+v", ar.Artifact)
	}

	if _, err := srv.Engine.Approve(context.Background(), domain.OwnerKey{ProjectID: testProject, Route: "/about"}, "tester"); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/artifacts/request-revision",
		map[string]any{"route": "/about", "feedback": "never mind"}, actorHeaders)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "approved_locked" {
		t.Fatalf("revise approved: %d %s", res.StatusCode, data)
	}
}

func TestConcurrentGenerateConflict(t *testing.T) {
	srv := newTestServer(t, stalling())
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first generate: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "session_conflict" {
		t.Fatalf("second generate: %d %s", res.StatusCode, data)
	}
	// A different route is independent.
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/about"}, actorHeaders)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("other route generate: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/session/cancel",
		map[string]any{"route": "/"}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, data)
	}
	st := pollSession(t, srv, "/")
	if st.State != session.StateCancelled {
		t.Fatalf("state after cancel = %q", st.State)
	}
	// Nothing was persisted for the cancelled run.
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/artifact?route="+url.QueryEscape("/"), nil, actorHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("artifact after cancel: %d %s", res.StatusCode, data)
	}
}

func TestPhaseEndpoints(t *testing.T) {
	srv := newTestServer(t, scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n"))
	base := srv.URL + "/v0/projects/" + testProject
	ctx := context.Background()
	for _, route := range []string{"/", "/about", "/contact"} {
		k := domain.OwnerKey{ProjectID: testProject, Route: route}
		if _, err := srv.Engine.SaveArtifact(ctx, k, "<page/>", "tester"); err != nil {
			t.Fatal(err)
		}
		if _, err := srv.Engine.Approve(ctx, k, "tester"); err != nil {
			t.Fatal(err)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/phases/website", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("phase status: %d %s", res.StatusCode, data)
	}
	var ps PhaseStatusResponse
	if err := json.Unmarshal(data, &ps); err != nil {
		t.Fatal(err)
	}
	if !ps.Phase.GateOpen || ps.Phase.CanAdvance {
		t.Fatalf("phase before signoff = %+v", ps.Phase)
	}

	for _, role := range []string{"reviewer", "requester"} {
		res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/phases/website/signoff",
			map[string]any{"role": role}, actorHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("signoff %s: %d %s", role, res.StatusCode, data)
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/phases/website", nil, actorHeaders)
	if err := json.Unmarshal(data, &ps); err != nil {
		t.Fatal(err)
	}
	if !ps.Phase.CanAdvance {
		t.Fatalf("phase after signoffs = %+v", ps.Phase)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/phases/website/reset", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/phases/website", nil, actorHeaders)
	if err := json.Unmarshal(data, &ps); err != nil {
		t.Fatal(err)
	}
	if ps.Phase.CanAdvance || ps.Phase.ReviewerApproved {
		t.Fatalf("phase after reset = %+v", ps.Phase)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, base+"/phases/launch", nil, actorHeaders)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("unknown phase: %d %s", res.StatusCode, data)
	}
}

func TestActorRequired(t *testing.T) {
	srv := newTestServer(t, scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n"))
	base := srv.URL + "/v0/projects/" + testProject

	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/generate",
		map[string]any{"route": "/"}, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous generate: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/artifacts/approve",
		map[string]any{"route": "/"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous approve: %d %s", res.StatusCode, data)
	}
}

func TestEventListEndpoint(t *testing.T) {
	srv := newTestServer(t, scripted("data: {\"type\":\"complete\",\"code\":\"x\"}\n"))
	base := srv.URL + "/v0/projects/" + testProject
	if _, err := srv.Engine.SaveArtifact(context.Background(), domain.OwnerKey{ProjectID: testProject, Route: "/"}, "<v1/>", "tester"); err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, base+"/events?limit=10", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var resp EventListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) == 0 {
		t.Fatal("expected events")
	}
}
