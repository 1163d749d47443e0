package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/csvimport/internal/config"
	"github.com/JonMunkholm/csvimport/internal/importer"
	"github.com/JonMunkholm/csvimport/internal/jobs"
	"github.com/JonMunkholm/csvimport/internal/sink/memory"
	"github.com/JonMunkholm/csvimport/internal/staging"
)

const titleSpec = `{"columns": {"0": {"properties": ["dcterms:title"]}, "1": {"properties": ["dcterms:creator"]}}}`

type memHistory struct {
	mu       sync.Mutex
	runs     []jobs.Run
	failures map[string][]importer.Outcome
}

func (h *memHistory) Save(_ context.Context, run jobs.Run, failures []importer.Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	if h.failures == nil {
		h.failures = make(map[string][]importer.Outcome)
	}
	h.failures[run.ID] = failures
	return nil
}

func (h *memHistory) List(_ context.Context, limit int) ([]jobs.Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit < len(h.runs) {
		return append([]jobs.Run(nil), h.runs[:limit]...), nil
	}
	return append([]jobs.Run(nil), h.runs...), nil
}

func (h *memHistory) Failures(_ context.Context, id string) ([]importer.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.failures[id]
	if !ok {
		return nil, jobs.ErrRunNotFound
	}
	return f, nil
}

type fixture struct {
	srv  *Server
	svc  *jobs.Service
	sink *memory.Sink
	hist *memHistory
}

func newFixture(t *testing.T, cfg config.ServerConfig) fixture {
	t.Helper()
	sink := memory.New()
	hist := &memHistory{}
	svc := jobs.NewService(func(context.Context) (importer.Sink, error) { return sink, nil }, jobs.Config{
		Stager:  staging.Stager{Dir: t.TempDir()},
		History: hist,
	})
	return fixture{srv: NewServer(svc, cfg), svc: svc, sink: sink, hist: hist}
}

func (f fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, name, content, spec string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if name != "" {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	if spec != "" {
		mw.WriteField("spec", spec)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitAndFollow(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	rec := f.do(uploadRequest(t, "paintings.tsv", "title\tcreator\nMona Lisa\tLeonardo\nGuernica\tPicasso\n", titleSpec))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/imports = %d %s", rec.Code, rec.Body)
	}
	resp := decode[SubmitResponse](t, rec)
	if resp.ID == "" || rec.Header().Get("Location") != resp.StatusURL {
		t.Fatalf("response = %+v, Location = %q", resp, rec.Header().Get("Location"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.svc.Wait(ctx, resp.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run = %d", rec.Code)
	}
	run := decode[jobs.Run](t, rec)
	if run.State != importer.StateCompleted || run.Progress.Summary.Created != 2 {
		t.Errorf("run = %s %+v", run.State, run.Progress.Summary)
	}
	if run.MediaType != "text/tab-separated-values" || !strings.HasPrefix(run.Comment, "Web import ") {
		t.Errorf("run metadata = %q %q", run.MediaType, run.Comment)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL+"/outcomes", nil))
	if got := decode[[]importer.Outcome](t, rec); len(got) != 2 || got[0].Status != importer.StatusCreated {
		t.Errorf("outcomes = %+v", got)
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL+"/outcomes?status=failed", nil))
	if got := decode[[]importer.Outcome](t, rec); len(got) != 0 {
		t.Errorf("failed outcomes = %+v", got)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/imports", nil))
	if got := decode[[]jobs.Run](t, rec); len(got) != 1 || got[0].ID != resp.ID {
		t.Errorf("list = %+v", got)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))
	if got := decode[[]jobs.Run](t, rec); len(got) != 1 || got[0].ID != resp.ID {
		t.Errorf("history = %+v", got)
	}

	rec = f.do(httptest.NewRequest(http.MethodPost, resp.StatusURL+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel finished run = %d", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL+"/events", nil))
	if body := rec.Body.String(); !strings.Contains(body, "event: complete") || !strings.Contains(body, `"state":"completed"`) {
		t.Errorf("events = %q", body)
	}
	if len(f.sink.Committed()) != 2 {
		t.Errorf("committed = %d, want 2", len(f.sink.Committed()))
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name     string
		req      func(t *testing.T) *http.Request
		status   int
		wantCode string
	}{
		{
			name:     "no file",
			req:      func(t *testing.T) *http.Request { return uploadRequest(t, "", "", titleSpec) },
			status:   http.StatusBadRequest,
			wantCode: "REQ001",
		},
		{
			name:     "no spec",
			req:      func(t *testing.T) *http.Request { return uploadRequest(t, "a.csv", "title\nA\n", "") },
			status:   http.StatusBadRequest,
			wantCode: "MAP002",
		},
		{
			name: "invalid spec",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "a.csv", "title\nA\n", `{"action": "upsert", "columns": {"0": {"properties": ["dcterms:title"]}}}`)
			},
			status:   http.StatusBadRequest,
			wantCode: "MAP002",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader("title\nA\n"))
			},
			status:   http.StatusBadRequest,
			wantCode: "REQ001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.ServerConfig{})
			rec := f.do(tt.req(t))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body)
			}
			resp := decode[ErrorResponse](t, rec)
			if resp.Code != tt.wantCode || resp.Message == "" {
				t.Errorf("error = %+v, want code %s", resp, tt.wantCode)
			}
		})
	}
}

func TestRunNotFound(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	for _, path := range []string{"/api/imports/nope", "/api/imports/nope/outcomes", "/api/imports/nope/events", "/api/history/nope/failures"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
			continue
		}
		if resp := decode[ErrorResponse](t, rec); resp.Code != "RUN003" {
			t.Errorf("GET %s code = %s", path, resp.Code)
		}
	}
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/imports/nope/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d", rec.Code)
	}
}

func TestHistoryFailures(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.hist.failures = map[string][]importer.Outcome{
		"old": {{Row: 2, Status: importer.StatusFailed, Code: "IDN001"}},
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/history/old/failures", nil))
	if got := decode[[]importer.Outcome](t, rec); rec.Code != http.StatusOK || len(got) != 1 || got[0].Code != "IDN001" {
		t.Errorf("failures = %d %+v", rec.Code, got)
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/imports/old/outcomes", nil))
	if got := decode[[]importer.Outcome](t, rec); len(got) != 1 {
		t.Errorf("outcomes from history = %+v", got)
	}
}

func TestAPIKey(t *testing.T) {
	f := newFixture(t, config.ServerConfig{APIKeys: []string{"secret"}})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/imports", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/imports", nil)
	req.Header.Set("X-API-Key", "wrong")
	if rec := f.do(req); rec.Code != http.StatusForbidden {
		t.Errorf("wrong key = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/imports", nil)
	req.Header.Set("X-API-Key", "secret")
	if rec := f.do(req); rec.Code != http.StatusOK {
		t.Errorf("valid key = %d", rec.Code)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz behind auth: %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t, config.ServerConfig{
		APIKeys:     []string{"secret"},
		CORSOrigins: []string{"https://ui.example.org"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/imports", nil)
	req.Header.Set("Origin", "https://ui.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "x-api-key")
	rec := f.do(req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example.org" {
		t.Errorf("allow origin = %q (status %d)", got, rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = f.do(req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin allowed: %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{importer.ErrInvalidSpec, http.StatusBadRequest},
		{jobs.ErrRunNotFound, http.StatusNotFound},
		{jobs.ErrRunFinished, http.StatusConflict},
		{jobs.ErrTooManyRuns, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
