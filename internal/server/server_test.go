package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/dispatch"
	"github.com/bidcraft/bidcraft/internal/engine"
	"github.com/bidcraft/bidcraft/internal/steps"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/internal/validation"
	"github.com/bidcraft/bidcraft/pkg/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStep struct {
	name string
	fn   func(ctx context.Context, input steps.Input) (*steps.Output, error)
}

func (s *stubStep) Name() string             { return s.name }
func (s *stubStep) Schema() steps.StepSchema { return steps.StepSchema{} }
func (s *stubStep) Execute(ctx context.Context, input steps.Input) (*steps.Output, error) {
	if s.fn != nil {
		return s.fn(ctx, input)
	}
	return &steps.Output{Message: "ok"}, nil
}

type testEnv struct {
	store   *store.LibSQLStore
	blobs   *blob.FSStore
	server  *httptest.Server
	cleanup func()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"), "http://unit.test/blob", []byte("test-secret"))
	require.NoError(t, err)

	validator, err := validation.NewValidator()
	require.NoError(t, err)

	reg := steps.NewRegistry()
	for _, name := range []string{
		schema.StepAnalyzeRequirements,
		schema.StepCalculateCost,
		schema.StepRetrieveTemplates,
	} {
		require.NoError(t, reg.Register(&stubStep{name: name}))
	}
	for name, artifact := range map[string]string{
		schema.StepGenerateSlides:   "presentation.pptx",
		schema.StepGenerateDocument: "sow.docx",
	} {
		file := artifact
		require.NoError(t, reg.Register(&stubStep{
			name: name,
			fn: func(ctx context.Context, input steps.Input) (*steps.Output, error) {
				return &steps.Output{Message: "ok"},
					st.AppendDocumentURL(ctx, input.SessionID, "https://files.local/"+input.SessionID+"/"+file)
			},
		}))
	}
	inv := steps.NewInvoker(reg, nil, discardLogger())
	orch := engine.NewOrchestrator(st, engine.NewDirectStrategy(st, inv, discardLogger()), discardLogger())
	dispatcher := dispatch.NewDispatcher(st, orch, 2, nil, discardLogger())

	srv := New(Deps{
		Store:      st,
		Dispatcher: dispatcher,
		Validator:  validator,
		Blobs:      blobs,
		Logger:     discardLogger(),
	})
	ts := httptest.NewServer(srv.Handler())

	return &testEnv{
		store:  st,
		blobs:  blobs,
		server: ts,
		cleanup: func() {
			ts.Close()
			dispatcher.Shutdown()
			_ = st.Close()
		},
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSubmitAssessmentRunsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	resp := env.postJSON(t, "/submit-assessment", map[string]any{
		"client_name":  "Acme Corp",
		"requirements": "Build a customer portal with SSO",
		"team_size":    4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out submitResponse
	decodeBody(t, resp, &out)
	assert.NotEmpty(t, out.SessionID)
	assert.Equal(t, string(schema.SessionStatusPending), out.Status)
	assert.Equal(t, "/agent-status/"+out.SessionID, out.PollURL)

	// Background processing drives the session to COMPLETED.
	assert.Eventually(t, func() bool {
		sess, err := env.store.GetSession(context.Background(), out.SessionID)
		return err == nil && sess.Status == schema.SessionStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitAssessmentValidation(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing client_name", map[string]any{"requirements": "portal"}},
		{"missing requirements", map[string]any{"client_name": "Acme"}},
		{"blank client_name", map[string]any{"client_name": "   ", "requirements": "portal"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.postJSON(t, "/submit-assessment", tc.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Post(env.server.URL+"/submit-assessment", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentStatusUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	resp, err := http.Get(env.server.URL + "/agent-status/no-such-session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentStatusReportsProgress(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	id, err := env.store.CreateSession(context.Background(), store.Intake{
		ClientName:   "Acme Corp",
		Requirements: "portal",
	})
	require.NoError(t, err)

	processing := schema.SessionStatusProcessing
	stage := schema.StageCosting
	progress := 50
	require.NoError(t, env.store.UpdateSession(context.Background(), id, store.SessionUpdate{
		Status:       &processing,
		CurrentStage: &stage,
		Progress:     &progress,
	}))

	resp, err := http.Get(env.server.URL + "/agent-status/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sess store.Session
	decodeBody(t, resp, &sess)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, schema.SessionStatusProcessing, sess.Status)
	assert.Equal(t, schema.StageCosting, sess.CurrentStage)
	assert.Equal(t, 50, sess.Progress)
}

func TestResultsMatchesArtifactsByFilename(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	id, err := env.store.CreateSession(ctx, store.Intake{ClientName: "Acme", Requirements: "portal"})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateSession(ctx, id, store.SessionUpdate{
		CostData: json.RawMessage(`{"total_cost":336000,"currency":"USD"}`),
	}))
	require.NoError(t, env.store.AppendDocumentURL(ctx, id, "https://files.local/"+id+"/presentation.pptx?sig=abc"))
	require.NoError(t, env.store.AppendDocumentURL(ctx, id, "https://files.local/"+id+"/sow.docx?sig=def"))

	resp, err := http.Get(env.server.URL + "/results/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out resultsResponse
	decodeBody(t, resp, &out)
	assert.Contains(t, out.PowerPointURL, "presentation.pptx")
	assert.Contains(t, out.SOWURL, "sow.docx")
	assert.JSONEq(t, `{"total_cost":336000,"currency":"USD"}`, string(out.CostData))
}

func TestResultsWithoutArtifacts(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	id, err := env.store.CreateSession(context.Background(), store.Intake{ClientName: "Acme", Requirements: "portal"})
	require.NoError(t, err)

	resp, err := http.Get(env.server.URL + "/results/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/results/no-such-session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func uploadFile(t *testing.T, serverURL, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(serverURL+"/upload-template", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestUploadTemplate(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	resp := uploadFile(t, env.server.URL, "enterprise-sow.docx", []byte("PK..docx"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	decodeBody(t, resp, &out)
	assert.Equal(t, blob.SOWTemplatePrefix+"enterprise-sow.docx", out["path"])

	// The retrieval prefix now lists the upload.
	objects, err := env.blobs.List(context.Background(), blob.SOWTemplatePrefix)
	require.NoError(t, err)
	require.Len(t, objects, 1)

	resp = uploadFile(t, env.server.URL, "standard-deck.pptx", []byte("PK..pptx"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.Equal(t, blob.PowerPointTemplatePrefix+"standard-deck.pptx", out["path"])

	resp = uploadFile(t, env.server.URL, "notes.txt", []byte("nope"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBlobDownloadRequiresValidSignature(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()
	ctx := context.Background()

	key := "s1/sow.docx"
	_, err := env.blobs.Put(ctx, key, strings.NewReader("document body"))
	require.NoError(t, err)

	signed, err := env.blobs.SignedURL(key, time.Hour)
	require.NoError(t, err)
	u, err := url.Parse(signed)
	require.NoError(t, err)

	resp, err := http.Get(env.server.URL + "/blob/" + key + "?" + u.RawQuery)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "document body", string(body))

	resp, err = http.Get(env.server.URL + "/blob/" + key + "?expires=123&sig=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	env := newTestEnv(t)
	defer env.cleanup()

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/submit-assessment", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://frontend.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")

	getResp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, "*", getResp.Header.Get("Access-Control-Allow-Origin"))
}
